package mp4

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"
)

// maxRelocatePasses bounds the stco to co64 upgrade iteration. Each pass can
// only grow moov, so it settles after a couple of rounds.
const maxRelocatePasses = 8

// containers are the boxes Relocate descends into to reach chunk offsets.
var containers = map[gomp4.BoxType]bool{
	gomp4.BoxTypeMoov(): true,
	gomp4.BoxTypeTrak(): true,
	gomp4.BoxTypeMdia(): true,
	gomp4.BoxTypeMinf(): true,
	gomp4.BoxTypeStbl(): true,
}

// contextWriter fails writes once ctx is done.
type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *contextWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, errors.WithStack(err)
	}
	return c.w.Write(p)
}

// topLevel lists the root boxes of a file in order.
func topLevel(r io.ReadSeeker) ([]gomp4.BoxInfo, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var boxes []gomp4.BoxInfo
	for {
		bi, err := gomp4.ReadBoxInfo(r)
		if err == io.EOF {
			return boxes, nil
		}
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, *bi)
		if bi.ExtendToEOF {
			return boxes, nil
		}
		if _, err := bi.SeekToEnd(r); err != nil {
			return nil, err
		}
	}
}

func findBox(boxes []gomp4.BoxInfo, t gomp4.BoxType) int {
	for i, b := range boxes {
		if b.Type == t {
			return i
		}
	}
	return -1
}

// IsStreamable reports whether moov precedes mdat in the file at path.
func IsStreamable(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	boxes, err := topLevel(f)
	if err != nil {
		return false, errors.Wrap(err, "read boxes")
	}
	moov, mdat := findBox(boxes, gomp4.BoxTypeMoov()), findBox(boxes, gomp4.BoxTypeMdat())
	if moov < 0 || mdat < 0 {
		return false, ErrNotRelocatable
	}
	return moov < mdat, nil
}

// Relocate writes to dst a copy of src with moov moved in front of the
// media data. Chunk offsets are shifted by the size of moov, and stco tables
// that overflow are rewritten as co64. Sample bytes are copied unchanged. A
// file that is already streamable is copied as is. The copy stops with
// ctx's error once ctx is done, and dst is removed.
func Relocate(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close destination")
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	bw := bufio.NewWriterSize(&contextWriter{ctx: ctx, w: out}, 1<<20)
	if err = relocate(in, bw); err != nil {
		return err
	}
	return errors.Wrap(bw.Flush(), "flush destination")
}

func relocate(in *os.File, out io.Writer) error {
	boxes, err := topLevel(in)
	if err != nil {
		return errors.Wrap(err, "read boxes")
	}
	moovIdx, mdatIdx := findBox(boxes, gomp4.BoxTypeMoov()), findBox(boxes, gomp4.BoxTypeMdat())
	if moovIdx < 0 || mdatIdx < 0 {
		return ErrNotRelocatable
	}

	if moovIdx < mdatIdx {
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(out, in)
		return errors.Wrap(err, "copy streamable file")
	}

	// moov goes right after ftyp, or first when there is none.
	insertAt := 0
	if boxes[0].Type == gomp4.BoxTypeFtyp() {
		insertAt = 1
	}
	moovBox := boxes[moovIdx]

	var moov []byte
	size := moovBox.Size
	for pass := 0; ; pass++ {
		if pass == maxRelocatePasses {
			return fmt.Errorf("mp4: moov size did not settle after %d passes", pass)
		}
		shift := offsetShift(boxes, insertAt, moovIdx, size)
		moov, err = rewriteMoov(in, &moovBox, shift)
		if err != nil {
			return errors.Wrap(err, "rewrite moov")
		}
		if uint64(len(moov)) == size {
			break
		}
		size = uint64(len(moov))
	}

	for i, b := range boxes {
		if i == insertAt {
			if _, err := out.Write(moov); err != nil {
				return err
			}
		}
		if i == moovIdx {
			continue
		}
		if _, err := io.Copy(out, io.NewSectionReader(in, int64(b.Offset), int64(b.Size))); err != nil {
			return errors.Wrapf(err, "copy %s box", b.Type)
		}
	}
	return nil
}

// offsetShift maps old absolute offsets to new ones once a moov of newSize
// bytes is inserted before box insertAt and the old moov is dropped.
func offsetShift(boxes []gomp4.BoxInfo, insertAt, moovIdx int, newSize uint64) func(uint64) uint64 {
	insertOff := boxes[insertAt].Offset
	oldMoov := boxes[moovIdx]
	return func(off uint64) uint64 {
		switch {
		case off < insertOff:
			return off
		case off < oldMoov.Offset:
			return off + newSize
		default:
			return off + newSize - oldMoov.Size
		}
	}
}

// rewriteMoov serializes moov again with every chunk offset passed through
// shift. Boxes on the way to the chunk offset tables are rebuilt, everything
// else is copied verbatim.
func rewriteMoov(r io.ReadSeeker, moov *gomp4.BoxInfo, shift func(uint64) uint64) ([]byte, error) {
	var buf seekablebuffer.Buffer
	w := gomp4.NewWriter(&buf)

	_, err := gomp4.ReadBoxStructureFromInternal(r, moov, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch {
		case h.BoxInfo.Type == gomp4.BoxTypeStco() || h.BoxInfo.Type == gomp4.BoxTypeCo64():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			return nil, writeChunkOffsets(w, box, shift)

		case containers[h.BoxInfo.Type]:
			if _, err := w.StartBox(&gomp4.BoxInfo{Type: h.BoxInfo.Type}); err != nil {
				return nil, err
			}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			_, err := w.EndBox()
			return nil, err

		default:
			return nil, w.CopyBox(r, &h.BoxInfo)
		}
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeChunkOffsets(w *gomp4.Writer, box gomp4.IBox, shift func(uint64) uint64) error {
	var offsets []uint64
	switch b := box.(type) {
	case *gomp4.Stco:
		for _, o := range b.ChunkOffset {
			offsets = append(offsets, shift(uint64(o)))
		}
	case *gomp4.Co64:
		for _, o := range b.ChunkOffset {
			offsets = append(offsets, shift(o))
		}
	}

	var out gomp4.IImmutableBox
	_, wasCo64 := box.(*gomp4.Co64)
	if wasCo64 || needs64(offsets) {
		out = &gomp4.Co64{EntryCount: uint32(len(offsets)), ChunkOffset: offsets}
	} else {
		small := make([]uint32, len(offsets))
		for i, o := range offsets {
			small[i] = uint32(o)
		}
		out = &gomp4.Stco{EntryCount: uint32(len(small)), ChunkOffset: small}
	}

	if _, err := w.StartBox(&gomp4.BoxInfo{Type: out.GetType()}); err != nil {
		return err
	}
	if _, err := gomp4.Marshal(w, out, gomp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func needs64(offsets []uint64) bool {
	for _, o := range offsets {
		if o > math.MaxUint32 {
			return true
		}
	}
	return false
}
