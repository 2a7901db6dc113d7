package demux

import (
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/h264"
	"github.com/babelcloud/shrink/internal/mp4"
)

// Metadata summarizes a source file for planning a transcode.
type Metadata struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Brand      string  `json:"brand"`
	Streamable bool    `json:"streamable"`
	DurationUs int64   `json:"durationUs"`
	Bitrate    int     `json:"bitrate"` // bits per second over the whole file
	HasVideo   bool    `json:"hasVideo"`
	HasAudio   bool    `json:"hasAudio"`
	VideoCodec string  `json:"videoCodec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Rotation   int     `json:"rotation"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	Frames     int     `json:"frames,omitempty"`
	Profile    uint8   `json:"profile,omitempty"`
	Level      uint8   `json:"level,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// Probe opens path and reports its metadata.
func Probe(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat source")
	}
	info, err := gomp4.Probe(f)
	if err != nil {
		return nil, errors.Wrap(err, "probe source")
	}
	tracks, err := readTracks(f)
	if err != nil {
		return nil, errors.Wrap(err, "read tracks")
	}

	md := &Metadata{
		Path:       path,
		Size:       st.Size(),
		Brand:      string(info.MajorBrand[:]),
		Streamable: info.FastStart,
	}
	if info.Timescale > 0 {
		md.DurationUs = int64(info.Duration * 1_000_000 / uint64(info.Timescale))
	}

	for _, t := range tracks {
		if md.DurationUs == 0 {
			md.DurationUs = t.DurationUs()
		}
		switch {
		case t.Kind == mp4.KindVideo && !md.HasVideo:
			md.HasVideo = true
			md.VideoCodec = t.Codec
			md.Width, md.Height = t.Width, t.Height
			md.Rotation = t.Rotation
			md.Frames = len(t.Samples)
			if d := t.DurationUs(); d > 0 {
				md.FrameRate = float64(len(t.Samples)) * 1e6 / float64(d)
			}
			if len(t.SPS) > 0 {
				if si, err := h264.ParseSPS(t.SPS); err == nil {
					md.Profile, md.Level = si.Profile, si.Level
					if md.FrameRate == 0 {
						md.FrameRate = si.FPS
					}
				}
			}
		case t.Kind == mp4.KindAudio && !md.HasAudio:
			md.HasAudio = true
			md.AudioCodec = t.Codec
			md.SampleRate, md.Channels = t.SampleRate, t.Channels
		}
	}
	if md.DurationUs > 0 {
		md.Bitrate = int(st.Size() * 8 * 1_000_000 / md.DurationUs)
	}
	return md, nil
}
