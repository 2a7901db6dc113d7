package ffmpeg

import (
	"bytes"
	"context"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
)

const (
	inputQueueDepth = 8
	outputSlots     = 8
	stderrLimit     = 4 << 10
)

type output struct {
	data  []byte
	img   *image.YCbCr
	pts   int64
	flags codec.BufferFlags
}

// queue is an unbounded output queue filled by the stdout reader. The reader
// never blocks on it so ffmpeg can always make progress.
type queue struct {
	mu     sync.Mutex
	items  []output
	closed bool
	err    error
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(o output) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) close(err error) {
	q.mu.Lock()
	q.closed, q.err = true, err
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *queue) tryPop() (o output, ok, closed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		o = q.items[0]
		q.items = q.items[1:]
		return o, true, false, nil
	}
	return output{}, false, q.closed, q.err
}

// pop waits up to timeout for the next item. closed reports that the reader
// finished and nothing is left.
func (q *queue) pop(clk clock.Clock, timeout time.Duration) (output, bool, bool, error) {
	if o, ok, closed, err := q.tryPop(); ok || closed || timeout <= 0 {
		return o, ok, closed, err
	}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if o, ok, closed, err := q.tryPop(); ok || closed {
				return o, ok, closed, err
			}
		case <-timer.C():
			return q.tryPop()
		}
	}
}

// limitedBuffer keeps the first bytes of ffmpeg's stderr for error reports.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// process is one running ffmpeg with its stdin fed from a channel and its
// stdout parsed into a queue. Both pipes are supervised by an errgroup.
type process struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc
	group  *errgroup.Group
	ctx    context.Context
	stderr *limitedBuffer

	in      chan []byte
	inOnce  sync.Once
	out     *queue
	stopped bool
}

// reader parses ffmpeg's stdout, pushing outputs with emit until EOF.
type reader func(stdout io.Reader, emit func(output)) error

func startProcess(path string, args []string, logger *slog.Logger, read reader) (*process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	p := &process{
		logger: logger,
		cmd:    cmd,
		cancel: cancel,
		stderr: &limitedBuffer{},
		in:     make(chan []byte, inputQueueDepth),
		out:    newQueue(),
	}
	cmd.Stderr = p.stderr

	logger.Debug("starting ffmpeg", "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "start %s", path)
	}

	g, gctx := errgroup.WithContext(ctx)
	p.group, p.ctx = g, gctx
	g.Go(func() error {
		defer stdin.Close()
		for {
			select {
			case data, ok := <-p.in:
				if !ok {
					return nil
				}
				if _, err := stdin.Write(data); err != nil {
					return errors.Wrap(err, "write to ffmpeg")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		rerr := read(stdout, p.out.push)
		if rerr != nil {
			cancel()
		}
		werr := cmd.Wait()
		switch {
		case rerr != nil:
			rerr = errors.Wrap(rerr, "read from ffmpeg")
		case werr != nil && gctx.Err() == nil:
			rerr = errors.Wrapf(werr, "ffmpeg exited: %s", p.stderr.String())
		}
		p.out.close(rerr)
		return rerr
	})
	return p, nil
}

// send queues data for stdin, blocking while the pipe is backed up.
func (p *process) send(data []byte) error {
	select {
	case p.in <- data:
		return nil
	case <-p.ctx.Done():
		return p.failure()
	}
}

// full reports whether send would block.
func (p *process) full() bool {
	return len(p.in) == cap(p.in)
}

// closeInput closes ffmpeg's stdin once everything queued was written.
func (p *process) closeInput() {
	p.inOnce.Do(func() { close(p.in) })
}

func (p *process) failure() error {
	err := p.out.error()
	if err == nil {
		err = errors.Errorf("ffmpeg stopped: %s", p.stderr.String())
	}
	return err
}

// stop kills ffmpeg and waits for both pipe goroutines.
func (p *process) stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	p.cancel()
	if err := p.group.Wait(); err != nil {
		p.logger.Debug("ffmpeg stopped", "error", err)
	}
}
