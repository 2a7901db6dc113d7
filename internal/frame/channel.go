// Package frame moves decoded pictures from a decoder to an encoder one at a
// time and scales them to the encoder's input size.
package frame

import (
	"fmt"
	"image"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
)

// Frame is one decoded picture and its presentation time.
type Frame struct {
	Image *image.YCbCr
	PTSUs int64
}

// Channel is a one-slot handoff between a decoder surface and the consumer
// feeding the encoder. A frame rendered while the previous one is still
// pending is a protocol violation; frames are never dropped.
type Channel struct {
	clock clock.Clock

	mu       sync.Mutex
	pending  *Frame
	released bool

	notify chan struct{}
	done   chan struct{}
}

// NewChannel returns an empty channel. A nil clk uses the wall clock.
func NewChannel(clk clock.Clock) *Channel {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Channel{
		clock:  clk,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Render implements codec.Surface: it signals that a frame is available.
func (c *Channel) Render(img *image.YCbCr, ptsUs int64) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return codec.Violation("frame.render", "channel released")
	}
	if c.pending != nil {
		prev := c.pending.PTSUs
		c.mu.Unlock()
		return codec.Violation("frame.render", fmt.Sprintf("frame %d signalled before frame %d was consumed", ptsUs, prev))
	}
	c.pending = &Frame{Image: img, PTSUs: ptsUs}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports whether a frame waits to be consumed.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Await blocks until a frame is available or timeout elapses.
func (c *Channel) Await(timeout time.Duration) error {
	if c.Pending() {
		return nil
	}
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.notify:
			if c.Pending() {
				return nil
			}
		case <-timer.C():
			if c.Pending() {
				return nil
			}
			return codec.Violation("frame.await", fmt.Sprintf("no frame within %s", timeout))
		case <-c.done:
			return codec.Violation("frame.await", "channel released")
		}
	}
}

// Consume takes the pending frame and frees the slot.
func (c *Channel) Consume() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Frame{}, codec.Violation("frame.consume", "no frame pending")
	}
	f := *c.pending
	c.pending = nil
	return f, nil
}

// Release wakes any waiter and rejects further frames. Idempotent.
func (c *Channel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.pending = nil
	close(c.done)
}
