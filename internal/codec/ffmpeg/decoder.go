package ffmpeg

import (
	"container/heap"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/h264"
)

const (
	decoderInputSlots = 2
	decoderInputSize  = 4 << 20
)

// ptsHeap orders pending presentation times. Decoded frames leave ffmpeg in
// presentation order, so each frame takes the smallest time queued.
type ptsHeap []int64

func (h ptsHeap) Len() int           { return len(h) }
func (h ptsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ptsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ptsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *ptsHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}

// decoder feeds Annex-B access units to ffmpeg and renders the raw yuv420p
// frames it writes back.
type decoder struct {
	base
	surface codec.Surface
	width   int
	height  int

	inFree []bool
	inBufs [][]byte

	ptsMu   sync.Mutex
	pts     ptsHeap
	lastPTS int64
}

func newDecoder(d codec.Descriptor, path string, logger *slog.Logger, clk clock.Clock) *decoder {
	return &decoder{base: newBase(d, path, logger, clk)}
}

func (d *decoder) Configure(format codec.Format, surface codec.Surface) error {
	if surface == nil {
		return errors.New("decoder needs an output surface")
	}
	w, h := format.Width, format.Height
	if len(format.SPS) > 0 {
		if info, err := h264.ParseSPS(format.SPS); err == nil {
			w, h = info.Width, info.Height
		}
	}
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return errors.Errorf("unsupported picture size %dx%d", w, h)
	}
	d.width, d.height, d.surface = w, h, surface
	d.inFree = make([]bool, decoderInputSlots)
	d.inBufs = make([][]byte, decoderInputSlots)
	for i := range d.inBufs {
		d.inFree[i] = true
		d.inBufs[i] = make([]byte, decoderInputSize)
	}
	d.setFormat(codec.Format{MIME: codec.MimeAVC, Width: w, Height: h, FrameRate: format.FrameRate})
	return nil
}

func (d *decoder) CreateInputSurface() (codec.InputSurface, error) {
	return nil, errors.New("decoder has no input surface")
}

func (d *decoder) Start() error {
	if d.width == 0 {
		return errors.New("not configured")
	}
	p, err := startProcess(d.path, decoderArgs(), d.logger, d.read)
	if err != nil {
		return err
	}
	d.proc = p
	return nil
}

func (d *decoder) DequeueInputBuffer(time.Duration) (int, error) {
	if d.proc == nil {
		return 0, errors.New("not started")
	}
	if d.proc.full() {
		return codec.InfoTryAgainLater, nil
	}
	for i, free := range d.inFree {
		if free {
			d.inFree[i] = false
			return i, nil
		}
	}
	return codec.InfoTryAgainLater, nil
}

func (d *decoder) InputBuffer(index int) []byte {
	if index < 0 || index >= len(d.inBufs) {
		return nil
	}
	return d.inBufs[index]
}

func (d *decoder) QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlags) error {
	if index < 0 || index >= len(d.inBufs) || d.inFree[index] {
		return errors.Errorf("input buffer %d not dequeued", index)
	}
	d.inFree[index] = true
	if size > 0 {
		data := append([]byte(nil), d.inBufs[index][offset:offset+size]...)
		d.pushPTS(ptsUs)
		if err := d.proc.send(data); err != nil {
			return err
		}
	}
	if flags.Has(codec.FlagEndOfStream) {
		d.proc.closeInput()
	}
	return nil
}

func (d *decoder) SignalEndOfInputStream() error {
	return errors.New("decoder ends input with an end-of-stream buffer")
}

func (d *decoder) ReleaseOutputBuffer(index int, render bool) error {
	o, err := d.release(index)
	if err != nil {
		return err
	}
	if !render || o.img == nil {
		return nil
	}
	return d.surface.Render(o.img, o.pts)
}

func decoderArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "pipe:0",
		"-an", "-fps_mode", "passthrough",
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1",
	}
}

func (d *decoder) pushPTS(pts int64) {
	d.ptsMu.Lock()
	defer d.ptsMu.Unlock()
	heap.Push(&d.pts, pts)
}

func (d *decoder) nextPTS() int64 {
	d.ptsMu.Lock()
	defer d.ptsMu.Unlock()
	if d.pts.Len() == 0 {
		d.lastPTS++
		return d.lastPTS
	}
	d.lastPTS = heap.Pop(&d.pts).(int64)
	return d.lastPTS
}

// read slices ffmpeg's stdout into frames of exactly one yuv420p picture.
func (d *decoder) read(stdout io.Reader, emit func(output)) error {
	size := frameSize(d.width, d.height)
	for {
		buf := make([]byte, size)
		_, err := io.ReadFull(stdout, buf)
		switch {
		case err == io.EOF:
			emit(output{flags: codec.FlagEndOfStream})
			return nil
		case err != nil:
			return errors.Wrap(err, "read frame")
		}
		emit(output{img: unpackYUV420(buf, d.width, d.height), pts: d.nextPTS()})
	}
}

func frameSize(w, h int) int {
	return w*h + 2*((w+1)/2)*((h+1)/2)
}

// unpackYUV420 wraps a planar yuv420p buffer without copying.
func unpackYUV420(buf []byte, w, h int) *image.YCbCr {
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	return &image.YCbCr{
		Y:              buf[:ySize],
		Cb:             buf[ySize : ySize+cSize],
		Cr:             buf[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
}

// packYUV420 writes img as a planar yuv420p buffer.
func packYUV420(img *image.YCbCr) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2
	out := make([]byte, 0, frameSize(w, h))
	for y := 0; y < h; y++ {
		off := img.YOffset(b.Min.X, b.Min.Y+y)
		out = append(out, img.Y[off:off+w]...)
	}
	for _, plane := range [][]byte{img.Cb, img.Cr} {
		for y := 0; y < ch; y++ {
			off := img.COffset(b.Min.X, b.Min.Y+2*y)
			out = append(out, plane[off:off+cw]...)
		}
	}
	return out
}
