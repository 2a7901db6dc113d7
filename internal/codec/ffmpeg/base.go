package ffmpeg

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
)

// base holds what decoder and encoder share: the process, the output slots
// and the output format announcement.
type base struct {
	desc   codec.Descriptor
	path   string
	logger *slog.Logger
	clock  clock.Clock

	mu        sync.Mutex
	format    codec.Format
	formatSet bool

	proc      *process
	announced bool
	pushback  *output
	held      map[int]output
	nextSlot  int
	eos       bool
}

func newBase(d codec.Descriptor, path string, logger *slog.Logger, clk clock.Clock) base {
	return base{
		desc:   d,
		path:   path,
		logger: logger.With("codec", d.Name),
		clock:  clk,
		held:   make(map[int]output),
	}
}

func (b *base) Name() string { return b.desc.Name }

func (b *base) setFormat(f codec.Format) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.format, b.formatSet = f, true
}

func (b *base) OutputFormat() codec.Format {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format
}

func (b *base) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.formatSet
}

// DequeueOutputBuffer announces the output format once it is known and then
// hands out parsed outputs in order.
func (b *base) DequeueOutputBuffer(info *codec.BufferInfo, timeout time.Duration) (int, error) {
	if b.proc == nil {
		return 0, errors.New("not started")
	}
	if b.eos {
		return codec.InfoTryAgainLater, nil
	}
	if len(b.held) >= outputSlots {
		return codec.InfoTryAgainLater, nil
	}
	if !b.announced && b.ready() {
		b.announced = true
		return codec.InfoOutputFormatChanged, nil
	}

	var o output
	if b.pushback != nil {
		o, b.pushback = *b.pushback, nil
	} else {
		var ok, closed bool
		var err error
		o, ok, closed, err = b.proc.out.pop(b.clock, timeout)
		switch {
		case ok:
		case closed && err != nil:
			return 0, err
		case closed:
			return 0, errors.Errorf("ffmpeg exited before end of stream: %s", b.proc.stderr.String())
		default:
			return codec.InfoTryAgainLater, nil
		}
	}

	if !b.announced && o.flags&codec.FlagEndOfStream == 0 {
		if !b.ready() {
			return 0, errors.New("output before format")
		}
		b.pushback = &o
		b.announced = true
		return codec.InfoOutputFormatChanged, nil
	}
	if o.flags.Has(codec.FlagEndOfStream) {
		b.eos = true
	}

	slot := b.nextSlot
	b.nextSlot++
	b.held[slot] = o
	*info = codec.BufferInfo{Size: len(o.data), PTS: o.pts, Flags: o.flags}
	if o.img != nil {
		info.Size = len(o.img.Y)
	}
	return slot, nil
}

func (b *base) OutputBuffer(index int) []byte {
	o, ok := b.held[index]
	if !ok {
		return nil
	}
	if o.img != nil {
		return o.img.Y
	}
	return o.data
}

func (b *base) release(index int) (output, error) {
	o, ok := b.held[index]
	if !ok {
		return output{}, errors.Errorf("output buffer %d not dequeued", index)
	}
	delete(b.held, index)
	return o, nil
}

func (b *base) Stop() error {
	if b.proc != nil {
		b.proc.stop()
	}
	b.held = make(map[int]output)
	b.pushback = nil
	return nil
}

func (b *base) Release() {
	_ = b.Stop()
}
