// Package h264 converts H.264 elementary streams between the Annex-B byte
// stream format used by codecs and the length-prefixed AVCC format stored
// in MP4 samples.
package h264

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// Type returns the NAL unit type of nalu.
func Type(nalu []byte) h264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return h264.NALUType(nalu[0] & 0x1F)
}

// IsParameterSet reports whether nalu is an SPS or a PPS.
func IsParameterSet(nalu []byte) bool {
	t := Type(nalu)
	return t == h264.NALUTypeSPS || t == h264.NALUTypePPS
}

func isSlice(t h264.NALUType) bool {
	return t == h264.NALUTypeNonIDR || t == h264.NALUTypeIDR
}

// IsKeyFrame reports whether the access unit carries an IDR slice.
func IsKeyFrame(au [][]byte) bool {
	for _, nalu := range au {
		if Type(nalu) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS found in au.
func ParameterSets(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		switch Type(nalu) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// StreamInfo is what the SPS tells about the coded picture.
type StreamInfo struct {
	Width   int
	Height  int
	FPS     float64
	Profile uint8
	Level   uint8
}

// ParseSPS decodes the picture size and timing of an SPS NAL unit.
func ParseSPS(sps []byte) (StreamInfo, error) {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return StreamInfo{}, fmt.Errorf("parse sps: %w", err)
	}
	return StreamInfo{
		Width:   s.Width(),
		Height:  s.Height(),
		FPS:     s.FPS(),
		Profile: s.ProfileIdc,
		Level:   s.LevelIdc,
	}, nil
}
