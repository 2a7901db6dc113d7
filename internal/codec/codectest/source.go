package codectest

import (
	"bytes"
	"encoding/binary"

	"github.com/babelcloud/shrink/internal/mp4"
)

// AudioConfig is the AudioSpecificConfig of the synthetic audio track:
// AAC-LC, 44100 Hz, stereo.
var AudioConfig = []byte{0x12, 0x10}

const audioFrameUs = 1024 * 1_000_000 / 44100

// Source describes a synthetic H.264/AAC input file.
type Source struct {
	Width     int
	Height    int
	FrameRate int
	Frames    int
	GOP       int // keyframe distance in frames, default FrameRate
	Audio     bool
	Rotation  int
}

// VideoSample returns the AVCC payload of frame i.
func VideoSample(i int, key bool) []byte {
	hdr := byte(0x41)
	if key {
		hdr = 0x65
	}
	nalu := []byte{hdr, 0x88, byte(16 + i%200), 0xff}
	out := make([]byte, 4, 4+len(nalu))
	binary.BigEndian.PutUint32(out, uint32(len(nalu)))
	return append(out, nalu...)
}

// AudioSample returns the payload of audio frame i.
func AudioSample(i int) []byte {
	return bytes.Repeat([]byte{byte(0x21 + i%64)}, 64+i%16)
}

// AudioFrames is the number of audio frames WriteSource emits for s.
func (s Source) AudioFrames() int {
	if !s.Audio {
		return 0
	}
	return int(int64(s.Frames) * 1_000_000 / int64(s.FrameRate) / audioFrameUs)
}

// WriteSource writes s to path as a progressive MP4 with interleaved
// tracks.
func WriteSource(path string, s Source) error {
	if s.GOP <= 0 {
		s.GOP = s.FrameRate
	}
	w, err := mp4.NewWriter(path)
	if err != nil {
		return err
	}
	defer w.Abort()

	vi, err := w.AddTrack(mp4.Format{
		Kind:      mp4.KindVideo,
		Width:     s.Width,
		Height:    s.Height,
		FrameRate: s.FrameRate,
		SPS:       BuildSPS(s.Width, s.Height, s.FrameRate),
		PPS:       PPS,
	})
	if err != nil {
		return err
	}
	var ai uint16
	if s.Audio {
		if ai, err = w.AddTrack(mp4.Format{
			Kind:        mp4.KindAudio,
			SampleRate:  44100,
			Channels:    2,
			AudioConfig: AudioConfig,
		}); err != nil {
			return err
		}
	}
	if s.Rotation != 0 {
		if err := w.SetRotation(s.Rotation); err != nil {
			return err
		}
	}

	audio := s.AudioFrames()
	a := 0
	for i := 0; i < s.Frames; i++ {
		pts := int64(i) * 1_000_000 / int64(s.FrameRate)
		for ; a < audio && int64(a)*audioFrameUs <= pts; a++ {
			if err := w.WriteSample(ai, AudioSample(a), int64(a)*audioFrameUs, true); err != nil {
				return err
			}
		}
		if err := w.WriteSample(vi, VideoSample(i, i%s.GOP == 0), pts, i%s.GOP == 0); err != nil {
			return err
		}
	}
	for ; a < audio; a++ {
		if err := w.WriteSample(ai, AudioSample(a), int64(a)*audioFrameUs, true); err != nil {
			return err
		}
	}
	_, err = w.Finalize()
	return err
}
