// Package mp4 writes progressive ISO-BMFF files: sample payloads are streamed
// into a single mdat box whose size is patched once the data is complete,
// and the moov box describing them is appended afterwards. Relocate rewrites
// such a file so moov comes first.
package mp4

import (
	"encoding/binary"
	"io"
	"math"

	gomp4 "github.com/abema/go-mp4"
)

const (
	smallHeaderSize = gomp4.SmallHeaderSize
	largeHeaderSize = gomp4.LargeHeaderSize

	// mdatReserve is the space kept in front of the sample data: either a
	// free box followed by a small mdat header, or a large mdat header.
	mdatReserve = largeHeaderSize

	// LargeDataThreshold is the payload size from which mdat needs the
	// 64-bit size form.
	LargeDataThreshold = math.MaxUint32 - smallHeaderSize + 1
)

// mdatHeader returns the bytes that replace the reserved area once dataSize
// bytes of samples were written. The payload start never moves.
func mdatHeader(dataSize uint64) []byte {
	h := make([]byte, mdatReserve)
	if dataSize < LargeDataThreshold {
		binary.BigEndian.PutUint32(h[0:], smallHeaderSize)
		copy(h[4:], "free")
		binary.BigEndian.PutUint32(h[8:], uint32(dataSize+smallHeaderSize))
		copy(h[12:], "mdat")
		return h
	}
	binary.BigEndian.PutUint32(h[0:], 1)
	copy(h[4:], "mdat")
	binary.BigEndian.PutUint64(h[8:], dataSize+largeHeaderSize)
	return h
}

// placeholderHeader is written when the file is opened. A zero sized mdat
// marks the file as incomplete until finalize rewrites it.
func placeholderHeader() []byte {
	h := make([]byte, mdatReserve)
	binary.BigEndian.PutUint32(h[0:], smallHeaderSize)
	copy(h[4:], "free")
	copy(h[12:], "mdat")
	return h
}

// boxWriter nests boxes on top of go-mp4's Writer and patches each size when
// the box is closed.
type boxWriter struct {
	w *gomp4.Writer
}

func newBoxWriter(w io.WriteSeeker) *boxWriter {
	return &boxWriter{w: gomp4.NewWriter(w)}
}

func (w *boxWriter) writeBoxStart(box gomp4.IImmutableBox) (int, error) {
	bi, err := w.w.StartBox(&gomp4.BoxInfo{Type: box.GetType()})
	if err != nil {
		return 0, err
	}
	if _, err = gomp4.Marshal(w.w, box, gomp4.Context{}); err != nil {
		return 0, err
	}
	return int(bi.Offset), nil
}

func (w *boxWriter) writeBoxEnd() error {
	_, err := w.w.EndBox()
	return err
}

func (w *boxWriter) writeBox(box gomp4.IImmutableBox) (int, error) {
	off, err := w.writeBoxStart(box)
	if err != nil {
		return 0, err
	}
	if err = w.writeBoxEnd(); err != nil {
		return 0, err
	}
	return off, nil
}
