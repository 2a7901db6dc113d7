package mp4

import "fmt"

// Kind is the media type of a track.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultVideoTimescale is the media timescale of video tracks unless
// overridden.
const DefaultVideoTimescale = 90000

const movieTimescale = 1000

// Format describes the sample entry of a track: H.264 for video, AAC for
// audio.
type Format struct {
	Kind Kind

	Width     int
	Height    int
	FrameRate int
	SPS       []byte
	PPS       []byte

	SampleRate  int
	Channels    int
	AudioConfig []byte // AudioSpecificConfig

	// Timescale overrides the media timescale of the track.
	Timescale uint32
}

func (f Format) validate() error {
	switch f.Kind {
	case KindVideo:
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return fmt.Errorf("mp4: video format without SPS/PPS")
		}
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("mp4: invalid video size %dx%d", f.Width, f.Height)
		}
	case KindAudio:
		if f.SampleRate <= 0 || f.Channels <= 0 {
			return fmt.Errorf("mp4: invalid audio format %d Hz %d channels", f.SampleRate, f.Channels)
		}
		if len(f.AudioConfig) == 0 {
			return fmt.Errorf("mp4: audio format without AudioSpecificConfig")
		}
	default:
		return fmt.Errorf("mp4: unsupported track kind %v", f.Kind)
	}
	return nil
}

// Rotation matrices for tkhd, indexed by clockwise degrees.
var rotationMatrices = map[int][9]int32{
	0:   {0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
	90:  {0, 0x10000, 0, -0x10000, 0, 0, 0, 0, 0x40000000},
	180: {-0x10000, 0, 0, 0, -0x10000, 0, 0, 0, 0x40000000},
	270: {0, -0x10000, 0, 0x10000, 0, 0, 0, 0, 0x40000000},
}

// RotationMatrix returns the tkhd matrix for deg.
func RotationMatrix(deg int) ([9]int32, bool) {
	m, ok := rotationMatrices[deg]
	return m, ok
}

// RotationFromMatrix maps a tkhd matrix back to degrees. Matrices that are
// not a pure rotation report 0.
func RotationFromMatrix(m [9]int32) int {
	for deg, want := range rotationMatrices {
		if m[0] == want[0] && m[1] == want[1] && m[3] == want[3] && m[4] == want[4] {
			return deg
		}
	}
	return 0
}
