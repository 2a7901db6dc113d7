package transcode

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/codec/codectest"
	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/h264"
	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/mp4"
)

type fixture struct {
	registry *codectest.Registry
	runner   *Runner
	cacheDir string
	input    string
	output   string
	source   codectest.Source
}

func newFixture(t *testing.T, src codectest.Source) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		registry: codectest.NewRegistry(),
		cacheDir: filepath.Join(dir, "cache"),
		input:    filepath.Join(dir, "in.mp4"),
		output:   filepath.Join(dir, "out.mp4"),
		source:   src,
	}
	require.NoError(t, codectest.WriteSource(f.input, src))
	f.runner = NewRunner(f.registry,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithCacheDir(f.cacheDir),
	)
	return f
}

func (f *fixture) assertCacheEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.cacheDir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func half(md *demux.Metadata) (Settings, error) {
	s := ScaledSettings(md, 0.5, 2_000_000)
	return s, nil
}

var fullHD = codectest.Source{Width: 1920, Height: 1080, FrameRate: 30, Frames: 30, Audio: true}

func TestRunDownscale(t *testing.T) {
	f := newFixture(t, fullHD)
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	var last Progress
	res := f.runner.Run(context.Background(), Request{
		Input:    f.input,
		Output:   f.output,
		Decide:   half,
		Progress: func(p Progress) { last = p },
	})
	require.True(t, res.Success(), res.String())
	assert.Equal(t, f.output, res.Path)
	assert.Equal(t, "fake.avc.encoder", res.Encoder)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, fullHD.Frames, res.Frames)
	assert.Equal(t, fullHD.Frames, last.Total)
	assert.InDelta(t, 1.0, last.Fraction(), 1e-9)

	md, err := demux.Probe(f.output)
	require.NoError(t, err)
	assert.True(t, md.Streamable)
	assert.True(t, md.HasVideo)
	assert.True(t, md.HasAudio)
	assert.Equal(t, 960, md.Width)
	assert.Equal(t, 540, md.Height)
	assert.Equal(t, fullHD.Frames, md.Frames)

	streamable, err := mp4.IsStreamable(f.output)
	require.NoError(t, err)
	assert.True(t, streamable)

	src, err := demux.Open(f.output)
	require.NoError(t, err)
	defer src.Close()
	require.Len(t, src.Tracks, 2)
	video := src.Video()
	require.NotNil(t, video)
	info, err := h264.ParseSPS(video.SPS)
	require.NoError(t, err)
	assert.Equal(t, 960, info.Width)
	assert.Equal(t, 540, info.Height)
	assert.True(t, video.Samples[0].Keyframe)

	audio := src.Audio()
	require.NotNil(t, audio)
	assert.Len(t, audio.Samples, fullHD.AudioFrames())
	assert.Equal(t, codectest.AudioConfig, audio.AudioConfig)
	buf, err := src.ReadSample(audio.Samples[3], nil)
	require.NoError(t, err)
	assert.Equal(t, codectest.AudioSample(3), buf)

	f.assertCacheEmpty(t)
	for _, c := range f.registry.Instances() {
		assert.True(t, c.Released(), c.Name())
	}
}

func TestRunNotStreamable(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 25, Frames: 12})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	before := testutil.ToFloat64(metrics.RelocationsTotal)
	res := f.runner.Run(context.Background(), Request{
		Input:  f.input,
		Output: f.output,
		Decide: func(md *demux.Metadata) (Settings, error) {
			s := ScaledSettings(md, 1, 0)
			s.Streamable = false
			return s, nil
		},
	})
	require.True(t, res.Success(), res.String())
	assert.Equal(t, before, testutil.ToFloat64(metrics.RelocationsTotal))

	streamable, err := mp4.IsStreamable(f.output)
	require.NoError(t, err)
	assert.False(t, streamable)

	md, err := demux.Probe(f.output)
	require.NoError(t, err)
	assert.False(t, md.HasAudio)
	assert.Equal(t, 12, md.Frames)
	f.assertCacheEmpty(t)
}

func TestRunKeepsRotation(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 25, Frames: 5, Rotation: 90})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	res := f.runner.Run(context.Background(), Request{Input: f.input, Output: f.output})
	require.True(t, res.Success(), res.String())

	md, err := demux.Probe(f.output)
	require.NoError(t, err)
	assert.Equal(t, 90, md.Rotation)
	assert.Equal(t, 320, md.Width)
	assert.Equal(t, 240, md.Height)
}

func TestRunFallback(t *testing.T) {
	tests := []struct {
		name   string
		faults codectest.Faults
	}{
		{name: "configure fails", faults: codectest.Faults{ConfigureErr: codectest.ErrInjected}},
		{name: "fails mid stream", faults: codectest.Faults{FailAfter: 5}},
		{name: "unexpected status", faults: codectest.Faults{FailAfter: 3, Status: -7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, codectest.Source{Width: 640, Height: 360, FrameRate: 30, Frames: 20, Audio: true})
			f.registry.AddEncoder("broken", codectest.DefaultCaps(), tt.faults)
			f.registry.AddEncoder("working", codectest.DefaultCaps(), codectest.Faults{})

			before := testutil.ToFloat64(metrics.FallbacksTotal)
			res := f.runner.Run(context.Background(), Request{
				Input:  f.input,
				Output: f.output,
				Decide: func(md *demux.Metadata) (Settings, error) {
					s := ScaledSettings(md, 0.5, 0)
					s.Policy = PolicyTryAll
					return s, nil
				},
			})
			require.True(t, res.Success(), res.String())
			assert.Equal(t, "working", res.Encoder)
			assert.Equal(t, 2, res.Attempts)
			assert.Equal(t, 20, res.Frames)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.FallbacksTotal))

			md, err := demux.Probe(f.output)
			require.NoError(t, err)
			assert.Equal(t, 20, md.Frames)
			assert.True(t, md.HasAudio)
			f.assertCacheEmpty(t)
		})
	}
}

func TestRunDefaultPolicyDoesNotFallBack(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 10})
	f.registry.AddEncoder("broken", codectest.DefaultCaps(), codectest.Faults{FailAfter: 2})
	f.registry.AddEncoder("working", codectest.DefaultCaps(), codectest.Faults{})

	res := f.runner.Run(context.Background(), Request{Input: f.input, Output: f.output})
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, codec.IsProtocolViolation(res.Err), "%v", res.Err)
	assert.ErrorIs(t, res.Err, codectest.ErrInjected)
	assert.NoFileExists(t, f.output)
	f.assertCacheEmpty(t)
}

func TestRunAllCandidatesFail(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 10})
	f.registry.AddEncoder("a", codectest.DefaultCaps(), codectest.Faults{ConfigureErr: codectest.ErrInjected})
	f.registry.AddEncoder("b", codectest.DefaultCaps(), codectest.Faults{FailAfter: 1})

	res := f.runner.Run(context.Background(), Request{
		Input:  f.input,
		Output: f.output,
		Decide: func(md *demux.Metadata) (Settings, error) {
			s := ScaledSettings(md, 1, 0)
			s.Policy = PolicyTryAll
			return s, nil
		},
	})
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.ErrorIs(t, res.Err, codectest.ErrInjected)
	assert.NoFileExists(t, f.output)
	f.assertCacheEmpty(t)
}

func TestRunEncoderSelection(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 4})
	f.registry.AddEncoder("first", codectest.DefaultCaps(), codectest.Faults{})
	f.registry.AddEncoder("second", codectest.DefaultCaps(), codectest.Faults{})

	res := f.runner.Run(context.Background(), Request{
		Input:  f.input,
		Output: f.output,
		Decide: func(md *demux.Metadata) (Settings, error) {
			s := ScaledSettings(md, 1, 0)
			s.Encoder = "second"
			return s, nil
		},
	})
	require.True(t, res.Success(), res.String())
	assert.Equal(t, "second", res.Encoder)

	res = f.runner.Run(context.Background(), Request{
		Input:  f.input,
		Output: f.output,
		Decide: func(md *demux.Metadata) (Settings, error) {
			s := ScaledSettings(md, 1, 0)
			s.Encoder = "missing"
			return s, nil
		},
	})
	assert.Equal(t, StatusError, res.Status)
	assert.True(t, codec.IsConfigurationError(res.Err))
}

func TestRunSizeAdjust(t *testing.T) {
	caps := codectest.DefaultCaps()
	caps.Widths = codec.Range{Min: 16, Max: 640}
	caps.Heights = codec.Range{Min: 16, Max: 480}
	caps.WidthAlignment, caps.HeightAlignment = 16, 16

	tests := []struct {
		name    string
		allow   bool
		success bool
	}{
		{name: "adjusted", allow: true, success: true},
		{name: "strict", allow: false, success: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, codectest.Source{Width: 1280, Height: 720, FrameRate: 30, Frames: 3})
			f.registry.AddEncoder("small", caps, codectest.Faults{})

			res := f.runner.Run(context.Background(), Request{
				Input:  f.input,
				Output: f.output,
				Decide: func(md *demux.Metadata) (Settings, error) {
					s := ScaledSettings(md, 1, 0)
					s.AllowSizeAdjust = tt.allow
					return s, nil
				},
			})
			if !tt.success {
				assert.Equal(t, StatusError, res.Status)
				assert.True(t, codec.IsConfigurationError(res.Err), "%v", res.Err)
				f.assertCacheEmpty(t)
				return
			}
			require.True(t, res.Success(), res.String())
			md, err := demux.Probe(f.output)
			require.NoError(t, err)
			assert.Equal(t, 640, md.Width)
			assert.Equal(t, 480, md.Height)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 60, Audio: true})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := f.runner.Run(ctx, Request{
		Input:  f.input,
		Output: f.output,
		Progress: func(p Progress) {
			if p.Frames == 10 {
				cancel()
			}
		},
	})
	assert.Equal(t, StatusCancelled, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, "cancelled", res.String())
	assert.NoFileExists(t, f.output)
	f.assertCacheEmpty(t)
	for _, c := range f.registry.Instances() {
		assert.True(t, c.Released(), c.Name())
		assert.Less(t, c.Frames(), 60)
	}
}

func TestRunCancelledAfterLastFrame(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 10})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := f.runner.Run(ctx, Request{
		Input:  f.input,
		Output: f.output,
		Progress: func(p Progress) {
			if p.Frames == 10 {
				cancel()
			}
		},
	})
	assert.Equal(t, StatusCancelled, res.Status)
	assert.NoFileExists(t, f.output)
	f.assertCacheEmpty(t)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 5})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.runner.Run(ctx, Request{Input: f.input, Output: f.output})
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, f.registry.Instances())
	assert.NoFileExists(t, f.output)
}

func TestRunDeciderCancels(t *testing.T) {
	f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 5})
	f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})

	var seen *demux.Metadata
	res := f.runner.Run(context.Background(), Request{
		Input:  f.input,
		Output: f.output,
		Decide: func(md *demux.Metadata) (Settings, error) {
			seen = md
			return Settings{}, ErrCancelled
		},
	})
	assert.Equal(t, StatusCancelled, res.Status)
	require.NotNil(t, seen)
	assert.Equal(t, 320, seen.Width)
	assert.Equal(t, 5, seen.Frames)
	assert.Empty(t, f.registry.Instances())
	assert.NoFileExists(t, f.output)
}

func TestRunProtocolViolations(t *testing.T) {
	tests := []struct {
		name   string
		faults codectest.Faults
	}{
		{name: "frame rendered twice", faults: codectest.Faults{RenderTwice: true}},
		{name: "format changed twice", faults: codectest.Faults{FormatTwice: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, codectest.Source{Width: 320, Height: 240, FrameRate: 30, Frames: 8})
			f.registry.AddEncoder("fake.avc.encoder", codectest.DefaultCaps(), codectest.Faults{})
			f.registry.SetDecoderFaults(tt.faults)

			res := f.runner.Run(context.Background(), Request{Input: f.input, Output: f.output})
			assert.Equal(t, StatusError, res.Status)
			assert.True(t, codec.IsProtocolViolation(res.Err), "%v", res.Err)
			assert.NoFileExists(t, f.output)
			f.assertCacheEmpty(t)
		})
	}
}

func TestRunBadInput(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.mp4")
	require.NoError(t, os.WriteFile(junk, []byte("not a movie"), 0o644))

	r := NewRunner(codectest.NewRegistry(), WithLogger(slog.New(slog.DiscardHandler)), WithCacheDir(dir))
	tests := []struct {
		name  string
		input string
	}{
		{name: "missing", input: filepath.Join(dir, "missing.mp4")},
		{name: "not mp4", input: junk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Run(context.Background(), Request{Input: tt.input, Output: filepath.Join(dir, "out.mp4")})
			assert.Equal(t, StatusError, res.Status)
			assert.Error(t, res.Err)
		})
	}
}
