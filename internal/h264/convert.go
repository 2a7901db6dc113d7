package h264

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// SplitAnnexB returns the NAL units of an Annex-B access unit.
func SplitAnnexB(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal annex-b: %w", err)
	}
	return au, nil
}

// SplitAVCC returns the NAL units of a length-prefixed sample.
func SplitAVCC(data []byte) ([][]byte, error) {
	var au h264.AVCC
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal avcc: %w", err)
	}
	return au, nil
}

// AVCCToAnnexB converts an MP4 sample into the byte stream a decoder reads.
// Parameter sets from the sample description are prepended to keyframes
// when given, since MP4 samples usually do not repeat them.
func AVCCToAnnexB(sample []byte, sps, pps []byte) ([]byte, error) {
	au, err := SplitAVCC(sample)
	if err != nil {
		return nil, err
	}
	if IsKeyFrame(au) && len(sps) > 0 && len(pps) > 0 {
		if s, p := ParameterSets(au); s == nil || p == nil {
			au = append([][]byte{sps, pps}, au...)
		}
	}
	out, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal annex-b: %w", err)
	}
	return out, nil
}

// AccessUnitToAVCC encodes NAL units as an MP4 sample. Parameter sets and
// delimiters are dropped because they live in the sample description.
func AccessUnitToAVCC(au [][]byte) ([]byte, error) {
	filtered := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch Type(nalu) {
		case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		filtered = append(filtered, nalu)
	}
	if len(filtered) == 0 {
		return nil, nil
	}
	out, err := h264.AVCC(filtered).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}
	return out, nil
}

// AnnexBToAVCC converts an Annex-B access unit into an MP4 sample.
func AnnexBToAVCC(data []byte) ([]byte, error) {
	au, err := SplitAnnexB(data)
	if err != nil {
		return nil, err
	}
	return AccessUnitToAVCC(au)
}
