// Package transcode drives a decoder and an encoder session through the
// frame channel, muxes the result with the source audio and delivers the
// output file.
package transcode

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/util"
)

const (
	DefaultPollTimeout  = 10 * time.Millisecond
	DefaultFrameTimeout = 2500 * time.Millisecond
	DefaultStallTimeout = 30 * time.Second
)

// Request is one invocation of Runner.Run.
type Request struct {
	Input  string
	Output string
	// Decide picks the settings after probing. Nil keeps the source size
	// via ScaledSettings with factor 1.
	Decide Decider
	// Progress, when set, is called on the worker after every frame.
	Progress func(Progress)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the clock behind frame waits and stall detection.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithCacheDir sets where in-progress containers are written.
func WithCacheDir(dir string) Option {
	return func(r *Runner) {
		if dir != "" {
			r.cacheDir = dir
		}
	}
}

// WithTimeouts overrides the codec poll, frame wait and stall timeouts.
// Zero values keep the defaults.
func WithTimeouts(poll, frame, stall time.Duration) Option {
	return func(r *Runner) {
		if poll > 0 {
			r.pollTimeout = poll
		}
		if frame > 0 {
			r.frameTimeout = frame
		}
		if stall > 0 {
			r.stallTimeout = stall
		}
	}
}

// Runner runs transcodes against a codec registry. Run may be called from
// several goroutines; invocations writing the same output are serialised.
type Runner struct {
	registry     codec.Registry
	logger       *slog.Logger
	clock        clock.Clock
	cacheDir     string
	pollTimeout  time.Duration
	frameTimeout time.Duration
	stallTimeout time.Duration
	outputLock   keymutex.KeyMutex
}

// NewRunner returns a Runner using registry for codec discovery.
func NewRunner(registry codec.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry:     registry,
		logger:       util.GetLogger(),
		clock:        clock.RealClock{},
		cacheDir:     filepath.Join(os.TempDir(), "shrink"),
		pollTimeout:  DefaultPollTimeout,
		frameTimeout: DefaultFrameTimeout,
		stallTimeout: DefaultStallTimeout,
		outputLock:   keymutex.NewHashed(64),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "transcode")
	return r
}

// Run probes the input, asks req.Decide for settings and attempts the
// transcode with each encoder candidate the policy allows. Temporary files
// are removed on every path.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := r.clock.Now()
	res := r.run(ctx, req)
	res.Elapsed = r.clock.Since(start)

	switch res.Status {
	case StatusSuccess:
		r.logger.Info("transcode finished", "output", res.Path, "encoder", res.Encoder, "frames", res.Frames, "elapsed", res.Elapsed)
	case StatusCancelled:
		r.logger.Info("transcode cancelled", "input", req.Input)
	default:
		r.logger.Error("transcode failed", "input", req.Input, "error", res.Err)
	}
	return res
}

func (r *Runner) run(ctx context.Context, req Request) Result {
	md, err := demux.Probe(req.Input)
	if err != nil {
		return Result{Status: StatusError, Err: errors.Wrap(err, "probe input")}
	}
	if !md.HasVideo {
		return Result{Status: StatusError, Err: errors.Errorf("%s has no video track", req.Input)}
	}

	decide := req.Decide
	if decide == nil {
		decide = func(md *demux.Metadata) (Settings, error) { return ScaledSettings(md, 1, 0), nil }
	}
	settings, err := decide(md)
	if errors.Is(err, ErrCancelled) {
		return Result{Status: StatusCancelled}
	}
	if err != nil {
		return Result{Status: StatusError, Err: errors.Wrap(err, "decide settings")}
	}
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusCancelled}
	}

	candidates := r.candidates(settings)
	if len(candidates) == 0 {
		return Result{Status: StatusError, Err: &codec.ConfigurationError{Codec: settings.Encoder, Reason: "no usable H.264 encoder"}}
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return Result{Status: StatusError, Err: &IOError{Op: "create cache dir", Path: r.cacheDir, Err: err}}
	}

	key, err := filepath.Abs(req.Output)
	if err != nil {
		key = req.Output
	}
	r.outputLock.LockKey(key)
	defer func() { _ = r.outputLock.UnlockKey(key) }()

	var lastErr error
	for i, cand := range candidates {
		if i > 0 {
			metrics.FallbacksTotal.Inc()
			r.logger.Warn("falling back to next encoder", "encoder", cand.Name, "attempt", i+1, "error", lastErr)
		}
		a := r.newAttempt(i+1, cand, md, settings, req.Progress)
		cache, err := a.run(ctx, req.Input)
		a.observe(err)
		if errors.Is(err, ErrCancelled) {
			return Result{Status: StatusCancelled, Encoder: cand.Name, Attempts: i + 1}
		}
		if err != nil {
			lastErr = errors.Wrapf(err, "encoder %s", cand.Name)
			continue
		}

		if err := r.deliver(ctx, cache, req.Output, settings.Streamable); err != nil {
			if errors.Is(err, ErrCancelled) {
				return Result{Status: StatusCancelled, Encoder: cand.Name, Attempts: i + 1}
			}
			return Result{Status: StatusError, Err: err, Encoder: cand.Name, Attempts: i + 1}
		}
		return Result{Status: StatusSuccess, Path: req.Output, Encoder: cand.Name, Attempts: i + 1, Frames: a.frames}
	}
	return Result{Status: StatusError, Err: lastErr, Attempts: len(candidates)}
}

// candidates lists the encoders an invocation may try, best first.
func (r *Runner) candidates(s Settings) []codec.Descriptor {
	var out []codec.Descriptor
	for _, d := range r.registry.Encoders(codec.MimeAVC) {
		if s.Encoder != "" && d.Name != s.Encoder {
			continue
		}
		out = append(out, d)
	}
	if s.Policy != PolicyTryAll && len(out) > 1 {
		out = out[:1]
	}
	return out
}
