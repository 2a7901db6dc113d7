package ffmpeg

import (
	"context"
	"image"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/h264"
)

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D a64multi             Multicolor charset for Commodore 64 (codec a64_multi)
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libopenh264          OpenH264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
 V....D libx265              libx265 H.265 / HEVC (codec hevc)
`

func TestParseEncoders(t *testing.T) {
	descs := parseEncoders([]byte(encodersOutput))

	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
		assert.True(t, d.Encoder)
		assert.Equal(t, codec.MimeAVC, d.MIME)
	}
	assert.Equal(t, []string{"h264_nvenc", "h264_vaapi", "libx264", "libopenh264"}, names)
	assert.True(t, descs[0].Hardware)
	assert.True(t, descs[1].Hardware)
	assert.False(t, descs[2].Hardware)

	assert.Empty(t, parseEncoders([]byte("Encoders:\n V....D libx264 ...\n")))
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		minWidth  int
		maxWidth  int
		align     int
		baseline  bool
		highProfl bool
	}{
		{name: "libx264", minWidth: 2, maxWidth: 8192, align: 2, baseline: true, highProfl: true},
		{name: "h264_nvenc", minWidth: 145, maxWidth: 4096, align: 2, baseline: true, highProfl: true},
		{name: "h264_qsv", minWidth: 16, maxWidth: 4096, align: 16, baseline: true, highProfl: true},
		{name: "h264_vaapi", minWidth: 16, maxWidth: 4096, align: 16, baseline: true, highProfl: true},
		{name: "h264_amf", minWidth: 16, maxWidth: 4096, align: 2, baseline: true, highProfl: true},
		{name: "libopenh264", minWidth: 16, maxWidth: 4096, align: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := capabilities(tt.name)
			assert.Equal(t, tt.minWidth, caps.Widths.Min)
			assert.Equal(t, tt.maxWidth, caps.Widths.Max)
			assert.Equal(t, tt.align, caps.WidthAlignment)
			assert.Equal(t, tt.baseline, caps.SupportsProfile(codec.ProfileBaseline))
			assert.Equal(t, tt.highProfl, caps.SupportsProfile(codec.ProfileHigh))
		})
	}
	assert.Equal(t, codec.ProfileBaseline, codec.SelectProfile(capabilities("libopenh264")))
}

func TestEncoderArgs(t *testing.T) {
	f := codec.Format{Width: 960, Height: 540, FrameRate: 30, IFrameIntervalSec: 2, Bitrate: 2_000_000, Profile: codec.ProfileHigh}

	args := encoderArgs("libx264", f)
	assert.Subset(t, args, []string{"-s", "960x540", "-r", "30", "-c:v", "libx264", "-b:v", "2000000", "-g", "60", "-bf", "0", "-profile:v", "high", "-preset", "veryfast"})
	assert.Equal(t, []string{"-f", "h264", "pipe:1"}, args[len(args)-3:])

	vaapi := encoderArgs("h264_vaapi", f)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-vaapi_device", "/dev/dri/renderD128"}, vaapi[:5])
	assert.Contains(t, vaapi, "format=nv12,hwupload")

	f.Bitrate, f.Profile = 0, codec.ProfileBaseline
	openh264 := encoderArgs("libopenh264", f)
	assert.NotContains(t, openh264, "-b:v")
	assert.NotContains(t, openh264, "-profile:v")
}

func TestYUVRoundTrip(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 6, 4), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = byte(i)
	}
	for i := range img.Cb {
		img.Cb[i] = byte(100 + i)
		img.Cr[i] = byte(200 + i)
	}

	buf := packYUV420(img)
	require.Len(t, buf, frameSize(6, 4))
	back := unpackYUV420(buf, 6, 4)
	assert.Equal(t, img.Y, back.Y)
	assert.Equal(t, img.Cb, back.Cb)
	assert.Equal(t, img.Cr, back.Cr)
	assert.Equal(t, img.At(5, 3), back.At(5, 3))

	sub := img.SubImage(image.Rect(2, 2, 6, 4)).(*image.YCbCr)
	assert.Len(t, packYUV420(sub), frameSize(4, 2))
}

func TestQueuePop(t *testing.T) {
	q := newQueue()
	clk := clock.RealClock{}

	_, ok, closed, err := q.pop(clk, time.Millisecond)
	assert.False(t, ok)
	assert.False(t, closed)
	assert.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push(output{pts: 7})
	}()
	o, ok, _, _ := q.pop(clk, time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(7), o.pts)

	q.push(output{pts: 8})
	q.close(assert.AnError)
	o, ok, _, _ = q.pop(clk, 0)
	require.True(t, ok)
	assert.Equal(t, int64(8), o.pts)
	_, ok, closed, err = q.pop(clk, 0)
	assert.False(t, ok)
	assert.True(t, closed)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPTSHeap(t *testing.T) {
	d := newDecoder(codec.Descriptor{Name: DecoderName}, "ffmpeg", slog.New(slog.DiscardHandler), clock.RealClock{})
	for _, pts := range []int64{0, 80, 40, 120, 160} {
		d.pushPTS(pts)
	}
	var got []int64
	for i := 0; i < 5; i++ {
		got = append(got, d.nextPTS())
	}
	assert.Equal(t, []int64{0, 40, 80, 120, 160}, got)
	assert.Equal(t, int64(161), d.nextPTS())
}

type collectingSurface struct {
	frames []int64
	luma   []byte
}

func (s *collectingSurface) Render(img *image.YCbCr, ptsUs int64) error {
	s.frames = append(s.frames, ptsUs)
	s.luma = append(s.luma, img.Y[0])
	return nil
}

// TestEncodeDecode runs real ffmpeg processes through sessions and skips
// when no usable binary is installed.
func TestEncodeDecode(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	r, err := NewRegistry(ctx, "ffmpeg", logger)
	require.NoError(t, err)

	var enc codec.Descriptor
	for _, d := range r.Encoders(codec.MimeAVC) {
		if d.Name == "libx264" || d.Name == "libopenh264" {
			enc = d
			break
		}
	}
	if enc.Name == "" {
		t.Skip("no software H.264 encoder in this ffmpeg build")
	}

	const frames = 10
	ec, err := r.New(enc)
	require.NoError(t, err)
	es := codec.NewSession(ec, "encoder", logger)
	defer es.Release()
	format, err := codec.EncoderFormat(enc, codec.Format{Width: 128, Height: 96, Bitrate: 500_000}, codec.Format{FrameRate: 25}, true)
	require.NoError(t, err)
	require.NoError(t, es.Configure(format, nil))
	input, err := es.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, es.Start())

	for i := 0; i < frames; i++ {
		img := image.NewYCbCr(image.Rect(0, 0, 128, 96), image.YCbCrSubsampleRatio420)
		for p := range img.Y {
			img.Y[p] = byte(40 + 16*i)
		}
		for p := range img.Cb {
			img.Cb[p], img.Cr[p] = 128, 128
		}
		require.NoError(t, input.Queue(img, int64(i)*40_000))
	}
	require.NoError(t, es.SignalEndOfInput())

	var aus [][]byte
	var pts []int64
	var outFormat codec.Format
	deadline := time.Now().Add(30 * time.Second)
	for es.Phase() != codec.PhaseEndOfStream {
		require.True(t, time.Now().Before(deadline), "encoder did not finish")
		out, err := es.DequeueOutput(50 * time.Millisecond)
		require.NoError(t, err)
		switch out.Kind {
		case codec.OutputFormatChanged:
			outFormat = out.Format
		case codec.OutputPayload:
			if !out.IsEndOfStream() {
				aus = append(aus, append([]byte(nil), es.OutputBuffer(out)...))
				pts = append(pts, out.Info.PTS)
			}
			require.NoError(t, es.ReleaseOutput(false))
		}
	}
	require.NotEmpty(t, outFormat.SPS)
	require.NotEmpty(t, outFormat.PPS)
	info, err := h264.ParseSPS(outFormat.SPS)
	require.NoError(t, err)
	assert.Equal(t, 128, info.Width)
	assert.Equal(t, 96, info.Height)
	require.Len(t, aus, frames)
	assert.Equal(t, int64(0), pts[0])
	assert.Equal(t, int64(9*40_000), pts[frames-1])
	first, err := h264.SplitAnnexB(aus[0])
	require.NoError(t, err)
	assert.True(t, h264.IsKeyFrame(first))

	dc, err := r.New(r.Decoders(codec.MimeAVC)[0])
	require.NoError(t, err)
	ds := codec.NewSession(dc, "decoder", logger)
	defer ds.Release()
	surface := &collectingSurface{}
	require.NoError(t, ds.Configure(outFormat, surface))
	require.NoError(t, ds.Start())

	next := 0
	deadline = time.Now().Add(30 * time.Second)
	for ds.Phase() != codec.PhaseEndOfStream {
		require.True(t, time.Now().Before(deadline), "decoder did not finish")
		if ds.Phase() == codec.PhaseStarted {
			idx, ok, err := ds.DequeueInput(10 * time.Millisecond)
			require.NoError(t, err)
			if ok {
				if next < len(aus) {
					require.NoError(t, ds.QueueInput(idx, aus[next], pts[next], 0))
					next++
				} else {
					require.NoError(t, ds.QueueInput(idx, nil, 0, codec.FlagEndOfStream))
				}
			}
		}
		out, err := ds.DequeueOutput(10 * time.Millisecond)
		require.NoError(t, err)
		if out.Kind == codec.OutputPayload {
			require.NoError(t, ds.ReleaseOutput(!out.IsEndOfStream()))
		}
	}
	require.Len(t, surface.frames, frames)
	assert.Equal(t, pts, surface.frames)
	assert.InDelta(t, 40, int(surface.luma[0]), 8)
	assert.InDelta(t, 40+16*9, int(surface.luma[frames-1]), 8)
}
