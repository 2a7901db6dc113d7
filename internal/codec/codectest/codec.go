// Package codectest provides deterministic in-process codecs that honour the
// buffer-queue contract of package codec, with injectable faults.
package codectest

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/h264"
)

// ErrInjected is returned by codecs when a configured fault fires.
var ErrInjected = errors.New("codectest: injected failure")

const (
	inputSlots  = 2
	inputSize   = 1 << 20
	outputSlots = 4
)

// Faults selects failures a fake codec injects.
type Faults struct {
	// ConfigureErr is returned from Configure.
	ConfigureErr error
	// FailAfter makes DequeueOutputBuffer fail once this many payloads were
	// produced. Zero disables it.
	FailAfter int
	// Status, when non-zero, is returned by the failing DequeueOutputBuffer
	// instead of ErrInjected.
	Status int
	// RenderTwice makes a decoder signal every frame twice.
	RenderTwice bool
	// FormatTwice makes the codec announce its output format twice.
	FormatTwice bool
}

type output struct {
	data  []byte
	img   *image.YCbCr
	pts   int64
	flags codec.BufferFlags
}

// Codec is a fake decoder or encoder. Decoders take Annex-B access units and
// render flat YCbCr frames; encoders take frames from their input surface
// and emit Annex-B access units.
type Codec struct {
	desc   codec.Descriptor
	faults Faults

	mu        sync.Mutex
	format    codec.Format
	surface   codec.Surface
	input     *inputSurface
	started   bool
	released  bool
	inFree    []bool
	inBufs    [][]byte
	queue     []output
	outSlots  [outputSlots]*output
	formats   int
	eosIn     bool
	eosOut    bool
	configSet bool
	frames    int
}

func newCodec(d codec.Descriptor, f Faults) *Codec {
	c := &Codec{desc: d, faults: f}
	for i := 0; i < inputSlots; i++ {
		c.inFree = append(c.inFree, true)
		c.inBufs = append(c.inBufs, make([]byte, inputSize))
	}
	return c
}

func (c *Codec) Name() string { return c.desc.Name }

// Released reports whether Release was called.
func (c *Codec) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Frames is the number of frames decoded or encoded so far.
func (c *Codec) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Codec) Configure(format codec.Format, surface codec.Surface) error {
	if c.faults.ConfigureErr != nil {
		return c.faults.ConfigureErr
	}
	if format.Width <= 0 || format.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", format.Width, format.Height)
	}
	if c.desc.Encoder {
		caps := c.desc.Caps
		if !caps.Widths.Contains(format.Width) || !caps.Heights.Contains(format.Height) {
			return fmt.Errorf("size %dx%d not supported", format.Width, format.Height)
		}
	} else if surface == nil {
		return fmt.Errorf("decoder needs an output surface")
	}
	c.format = format
	c.surface = surface
	return nil
}

func (c *Codec) CreateInputSurface() (codec.InputSurface, error) {
	if !c.desc.Encoder {
		return nil, fmt.Errorf("decoder has no input surface")
	}
	c.input = &inputSurface{c: c}
	return c.input, nil
}

func (c *Codec) Start() error {
	if c.format.Width == 0 {
		return fmt.Errorf("not configured")
	}
	c.started = true
	return nil
}

func (c *Codec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	if c.desc.Encoder {
		return 0, fmt.Errorf("encoder is fed through its input surface")
	}
	for i, free := range c.inFree {
		if free {
			c.inFree[i] = false
			return i, nil
		}
	}
	return codec.InfoTryAgainLater, nil
}

func (c *Codec) InputBuffer(index int) []byte {
	if index < 0 || index >= len(c.inBufs) {
		return nil
	}
	return c.inBufs[index]
}

func (c *Codec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlags) error {
	if index < 0 || index >= len(c.inBufs) || c.inFree[index] {
		return fmt.Errorf("input buffer %d not dequeued", index)
	}
	c.inFree[index] = true
	if flags.Has(codec.FlagEndOfStream) {
		c.eosIn = true
		if size == 0 {
			return nil
		}
	}
	nalus, err := h264.SplitAnnexB(c.inBufs[index][offset : offset+size])
	if err != nil {
		return err
	}
	if len(nalus) == 0 {
		return fmt.Errorf("empty access unit")
	}
	img := image.NewYCbCr(image.Rect(0, 0, c.format.Width, c.format.Height), image.YCbCrSubsampleRatio420)
	fill(img, nalus[len(nalus)-1])
	c.mu.Lock()
	c.queue = append(c.queue, output{img: img, pts: ptsUs})
	c.mu.Unlock()
	return nil
}

// fill paints img with a luma level taken from the access unit payload.
func fill(img *image.YCbCr, nalu []byte) {
	y := byte(128)
	if len(nalu) > 2 {
		y = nalu[2]
	}
	for i := range img.Y {
		img.Y[i] = y
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
}

func (c *Codec) SignalEndOfInputStream() error {
	if !c.desc.Encoder {
		return fmt.Errorf("decoder ends input with an end-of-stream buffer")
	}
	c.mu.Lock()
	c.eosIn = true
	c.mu.Unlock()
	return nil
}

func (c *Codec) outputFormat() codec.Format {
	f := codec.Format{
		MIME:      c.desc.MIME,
		Width:     c.format.Width,
		Height:    c.format.Height,
		FrameRate: c.format.FrameRate,
		Bitrate:   c.format.Bitrate,
		Profile:   codec.ProfileBaseline,
	}
	if c.desc.Encoder {
		f.SPS = BuildSPS(c.format.Width, c.format.Height, c.format.FrameRate)
		f.PPS = PPS
	}
	return f
}

func (c *Codec) DequeueOutputBuffer(info *codec.BufferInfo, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0, fmt.Errorf("not started")
	}
	if c.faults.FailAfter > 0 && c.frames >= c.faults.FailAfter {
		if c.faults.Status != 0 {
			return c.faults.Status, nil
		}
		return 0, ErrInjected
	}
	if c.formats == 0 || (c.faults.FormatTwice && c.formats == 1 && c.frames > 0) {
		c.formats++
		return codec.InfoOutputFormatChanged, nil
	}

	slot := -1
	for i, o := range c.outSlots {
		if o == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return codec.InfoTryAgainLater, nil
	}

	var out *output
	switch {
	case c.desc.Encoder && !c.configSet:
		c.configSet = true
		cfg := append(annexB(c.outputFormat().SPS), annexB(PPS)...)
		out = &output{data: cfg, flags: codec.FlagCodecConfig}
	case len(c.queue) > 0:
		o := c.queue[0]
		c.queue = c.queue[1:]
		if c.desc.Encoder {
			o = c.encode(o)
		}
		c.frames++
		out = &o
	case c.eosIn && !c.eosOut:
		c.eosOut = true
		out = &output{flags: codec.FlagEndOfStream}
	default:
		return codec.InfoTryAgainLater, nil
	}

	c.outSlots[slot] = out
	*info = codec.BufferInfo{Size: len(out.data), PTS: out.pts, Flags: out.flags}
	if out.img != nil && len(out.data) == 0 {
		info.Size = len(out.img.Y)
	}
	return slot, nil
}

// encode turns a queued frame into one Annex-B access unit. Every
// FrameRate*IFrameIntervalSec frames start with an IDR.
func (c *Codec) encode(o output) output {
	gop := c.format.FrameRate * c.format.IFrameIntervalSec
	if gop <= 0 {
		gop = codec.DefaultFrameRate
	}
	key := c.frames%gop == 0
	hdr := byte(0x41)
	if key {
		hdr = 0x65
	}
	var luma byte
	if len(o.img.Y) > 0 {
		luma = o.img.Y[0]
	}
	n := c.frames
	nalu := append([]byte{hdr, 0x88}, escape([]byte{luma, byte(n >> 8), byte(n), 0xff})...)
	out := output{data: annexB(nalu), pts: o.pts}
	if key {
		out.flags = codec.FlagKeyFrame
	}
	return out
}

func annexB(nalu []byte) []byte {
	return append([]byte{0, 0, 0, 1}, nalu...)
}

func (c *Codec) OutputFormat() codec.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputFormat()
}

func (c *Codec) OutputBuffer(index int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= outputSlots || c.outSlots[index] == nil {
		return nil
	}
	o := c.outSlots[index]
	if o.img != nil && len(o.data) == 0 {
		return o.img.Y
	}
	return o.data
}

func (c *Codec) ReleaseOutputBuffer(index int, render bool) error {
	c.mu.Lock()
	if index < 0 || index >= outputSlots || c.outSlots[index] == nil {
		c.mu.Unlock()
		return fmt.Errorf("output buffer %d not dequeued", index)
	}
	o := c.outSlots[index]
	c.outSlots[index] = nil
	surface := c.surface
	c.mu.Unlock()

	if !render || o.img == nil || surface == nil {
		return nil
	}
	if err := surface.Render(o.img, o.pts); err != nil {
		return err
	}
	if c.faults.RenderTwice {
		return surface.Render(o.img, o.pts)
	}
	return nil
}

func (c *Codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.queue = nil
	return nil
}

func (c *Codec) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

type inputSurface struct {
	c *Codec
}

func (s *inputSurface) Queue(img *image.YCbCr, ptsUs int64) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.eosIn {
		return fmt.Errorf("input surface not accepting frames")
	}
	if b := img.Bounds(); b.Dx() != c.format.Width || b.Dy() != c.format.Height {
		return fmt.Errorf("frame %dx%d does not match %dx%d", b.Dx(), b.Dy(), c.format.Width, c.format.Height)
	}
	cp := &image.YCbCr{
		Y:              append([]byte(nil), img.Y...),
		Cb:             append([]byte(nil), img.Cb...),
		Cr:             append([]byte(nil), img.Cr...),
		YStride:        img.YStride,
		CStride:        img.CStride,
		SubsampleRatio: img.SubsampleRatio,
		Rect:           img.Rect,
	}
	c.queue = append(c.queue, output{img: cp, pts: ptsUs})
	return nil
}

func (s *inputSurface) Size() (int, int) {
	return s.c.format.Width, s.c.format.Height
}
