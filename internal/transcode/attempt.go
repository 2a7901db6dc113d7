package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/mp4"
)

// attempt is one full decode, encode and mux pass with a single encoder
// candidate. It owns its writer for its whole life.
type attempt struct {
	runner   *Runner
	id       string
	number   int
	encoder  codec.Descriptor
	meta     *demux.Metadata
	settings Settings
	progress func(Progress)
	logger   *slog.Logger

	started time.Time
	frames  int
}

func (r *Runner) newAttempt(n int, enc codec.Descriptor, md *demux.Metadata, s Settings, progress func(Progress)) *attempt {
	id := uuid.New().String()
	return &attempt{
		runner:   r,
		id:       id,
		number:   n,
		encoder:  enc,
		meta:     md,
		settings: s,
		progress: progress,
		logger:   r.logger.With("attempt", n, "encoder", enc.Name, "id", id),
		started:  r.clock.Now(),
	}
}

// cachePath names the container an attempt writes before delivery.
func (a *attempt) cachePath() string {
	return filepath.Join(a.runner.cacheDir, fmt.Sprintf("%s%s-%s.mp4", cachePrefix, a.id[:8], uniuri.NewLen(8)))
}

// run writes the complete container into the cache directory and returns
// its path. On any error the partial file is removed.
func (a *attempt) run(ctx context.Context, input string) (path string, err error) {
	src, err := demux.Open(input)
	if err != nil {
		return "", errors.Wrap(err, "open input")
	}
	defer src.Close()

	video := src.Video()
	if video == nil || video.Codec != "avc1" {
		return "", errors.Errorf("input has no H.264 video track")
	}

	w, err := mp4.NewWriter(a.cachePath(), mp4.WithLogger(a.logger))
	if err != nil {
		return "", &IOError{Op: "create", Path: a.runner.cacheDir, Err: err}
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()
	a.logger.Debug("attempt started", "cache", w.Path())

	vp, err := a.newVideoPipeline(src, video, w)
	if err != nil {
		return "", err
	}
	err = vp.run(ctx)
	vp.release()
	if err != nil {
		return "", err
	}

	if err = a.copyAudio(ctx, src, w); err != nil {
		return "", err
	}

	if err = w.SetRotation(video.Rotation); err != nil {
		a.logger.Warn("dropping unsupported rotation", "rotation", video.Rotation)
		err = nil
	}
	path, err = w.Finalize()
	if err != nil {
		return "", &IOError{Op: "finalize", Path: w.Path(), Err: err}
	}
	return path, nil
}

// copyAudio passes the first AAC track through unchanged.
func (a *attempt) copyAudio(ctx context.Context, src *demux.Source, w *mp4.Writer) error {
	audio := src.Audio()
	if audio == nil {
		return nil
	}
	if audio.Codec != "mp4a" || len(audio.AudioConfig) == 0 {
		a.logger.Warn("skipping unsupported audio track", "codec", audio.Codec)
		return nil
	}
	if len(audio.Samples) == 0 {
		return nil
	}

	track, err := w.AddTrack(mp4.Format{
		Kind:        mp4.KindAudio,
		SampleRate:  audio.SampleRate,
		Channels:    audio.Channels,
		AudioConfig: audio.AudioConfig,
		Timescale:   audio.Timescale,
	})
	if err != nil {
		return errors.Wrap(err, "add audio track")
	}

	var buf []byte
	var total uint64
	var empty int
	for i, s := range audio.Samples {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return ErrCancelled
			}
		}
		if s.Size == 0 {
			empty++
			continue
		}
		if buf, err = src.ReadSample(s, buf); err != nil {
			return &IOError{Op: "read audio sample", Path: "input", Err: err}
		}
		if err := w.WriteSample(track, buf, s.PTS, s.Keyframe); err != nil {
			return &IOError{Op: "write audio sample", Path: w.Path(), Err: err}
		}
		total += uint64(len(buf))
	}
	metrics.BytesWrittenTotal.WithLabelValues(mp4.KindAudio.String()).Add(float64(total))
	a.logger.Debug("audio copied", "samples", len(audio.Samples)-empty, "skipped", empty, "size", total)
	return nil
}

// observe records the attempt outcome.
func (a *attempt) observe(err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
		a.logger.Warn("attempt failed", "error", err)
	}
	metrics.AttemptsTotal.WithLabelValues(a.encoder.Name, outcome).Inc()
	metrics.AttemptDuration.WithLabelValues(a.encoder.Name).Observe(a.runner.clock.Since(a.started).Seconds())
}

// sourceFrameRate rounds the probed rate, or returns zero when unknown.
func (a *attempt) sourceFrameRate() int {
	if a.meta.FrameRate <= 0 {
		return 0
	}
	return int(math.Round(a.meta.FrameRate))
}
