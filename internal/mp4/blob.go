package mp4

import (
	"bufio"
	"errors"
	"io"
)

var (
	ErrFinalized      = errors.New("mp4: writer already finalized")
	ErrUnknownTrack   = errors.New("mp4: unknown track")
	ErrNotRelocatable = errors.New("mp4: file has no moov or mdat box")
	ErrTimestampRange = errors.New("mp4: timestamps out of range")
	ErrSampleSize     = errors.New("mp4: sample size out of range")
)

// DataBlob is the append-only payload of the mdat box. Offsets it returns
// are absolute positions in the underlying file.
type DataBlob struct {
	w      *bufio.Writer
	start  uint64
	size   uint64
	sealed bool
}

func newDataBlob(w io.Writer, start uint64) *DataBlob {
	return &DataBlob{w: bufio.NewWriterSize(w, 1<<20), start: start}
}

// Append writes p at the end of the blob and returns its file offset.
func (b *DataBlob) Append(p []byte) (uint64, error) {
	if b.sealed {
		return 0, ErrFinalized
	}
	off := b.start + b.size
	n, err := b.w.Write(p)
	b.size += uint64(n)
	if err != nil {
		return 0, err
	}
	return off, nil
}

// Start is the file offset of the first payload byte.
func (b *DataBlob) Start() uint64 { return b.start }

// Size is the number of payload bytes written so far.
func (b *DataBlob) Size() uint64 { return b.size }

// seal flushes buffered bytes and rejects further appends.
func (b *DataBlob) seal() error {
	b.sealed = true
	return b.w.Flush()
}
