package h264

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AccessUnitSplitter cuts a continuous Annex-B byte stream, as produced by an
// encoder writing to a pipe, into access units. The last NAL unit of the
// buffered data is held back until the next start code or Flush.
type AccessUnitSplitter struct {
	buf      []byte
	cur      [][]byte
	curSlice bool
}

// Write appends stream bytes and returns the access units completed by them.
func (s *AccessUnitSplitter) Write(p []byte) [][][]byte {
	s.buf = append(s.buf, p...)

	var done [][][]byte
	start, scLen := nextStartCode(s.buf, 0)
	if start < 0 {
		return nil
	}
	for {
		next, nextLen := nextStartCode(s.buf, start+scLen)
		if next < 0 {
			break
		}
		if au := s.push(copyNALU(s.buf[start+scLen : next])); au != nil {
			done = append(done, au)
		}
		start, scLen = next, nextLen
	}
	s.buf = append(s.buf[:0], s.buf[start:]...)
	return done
}

// Flush treats the buffered bytes as the end of the stream and returns the
// remaining access units.
func (s *AccessUnitSplitter) Flush() [][][]byte {
	var done [][][]byte
	if start, scLen := nextStartCode(s.buf, 0); start >= 0 {
		if au := s.push(copyNALU(s.buf[start+scLen:])); au != nil {
			done = append(done, au)
		}
	}
	s.buf = s.buf[:0]
	if len(s.cur) > 0 {
		done = append(done, s.cur)
	}
	s.cur = nil
	s.curSlice = false
	return done
}

// push adds a NAL unit to the current access unit and returns the previous
// access unit when nalu begins a new one.
func (s *AccessUnitSplitter) push(nalu []byte) [][]byte {
	if len(nalu) == 0 {
		return nil
	}
	var done [][]byte
	if s.curSlice && startsAccessUnit(nalu) {
		done = s.cur
		s.cur = nil
		s.curSlice = false
	}
	s.cur = append(s.cur, nalu)
	if isSlice(Type(nalu)) {
		s.curSlice = true
	}
	return done
}

// startsAccessUnit follows the first-VCL-NAL detection rules of H.264 7.4.1.2.3
// in simplified form: delimiters and parameter sets open a new unit, and so
// does a slice whose first_mb_in_slice is zero.
func startsAccessUnit(nalu []byte) bool {
	switch t := Type(nalu); t {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS,
		h264.NALUTypeSEI, h264.NALUTypePrefix, h264.NALUTypeSubsetSPS:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice is ue(v); a leading 1 bit encodes zero.
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}

// nextStartCode finds a 3 or 4 byte start code at or after from.
func nextStartCode(b []byte, from int) (pos, length int) {
	for i := from; i+2 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if b[i+2] == 1 {
			if i > from && b[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

func copyNALU(b []byte) []byte {
	// trailing_zero_8bits belong to the stream, not the NAL unit.
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
