package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/frame"
	"github.com/babelcloud/shrink/internal/h264"
	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/mp4"
)

// videoPipeline moves the source video through decoder, frame channel and
// encoder into the writer. Everything runs on the calling goroutine.
type videoPipeline struct {
	attempt *attempt
	logger  *slog.Logger
	src     *demux.Source
	track   *demux.Track
	writer  *mp4.Writer

	dec      *codec.Session
	enc      *codec.Session
	channel  *frame.Channel
	input    codec.InputSurface
	renderer *frame.Renderer

	next        int // next source sample to submit
	inputDone   bool
	decoderDone bool
	encoderDone bool

	outFormat  codec.Format
	trackIndex uint16
	trackAdded bool
	sampleBuf  []byte
	bytes      uint64
	lastActive time.Time
}

func (a *attempt) newVideoPipeline(src *demux.Source, track *demux.Track, w *mp4.Writer) (_ *videoPipeline, err error) {
	r := a.runner
	vp := &videoPipeline{
		attempt:  a,
		logger:   a.logger,
		src:      src,
		track:    track,
		writer:   w,
		channel:  frame.NewChannel(r.clock),
		renderer: frame.NewRenderer(nil),
	}
	defer func() {
		if err != nil {
			vp.release()
		}
	}()

	encFormat, err := codec.EncoderFormat(a.encoder, codec.Format{
		Width:             a.settings.Width,
		Height:            a.settings.Height,
		Bitrate:           a.settings.Bitrate,
		FrameRate:         a.settings.FrameRate,
		IFrameIntervalSec: a.settings.IFrameIntervalSec,
	}, codec.Format{FrameRate: a.sourceFrameRate()}, a.settings.AllowSizeAdjust)
	if err != nil {
		return nil, err
	}
	if encFormat.Width != a.settings.Width || encFormat.Height != a.settings.Height {
		vp.logger.Info("output size adjusted",
			"requested", fmt.Sprintf("%dx%d", a.settings.Width, a.settings.Height),
			"actual", fmt.Sprintf("%dx%d", encFormat.Width, encFormat.Height))
	}

	encCodec, err := r.registry.New(a.encoder)
	if err != nil {
		return nil, &codec.ConfigurationError{Codec: a.encoder.Name, Err: err}
	}
	vp.enc = codec.NewSession(encCodec, "encoder", a.logger)
	if err := vp.enc.Configure(encFormat, nil); err != nil {
		return nil, err
	}
	if vp.input, err = vp.enc.CreateInputSurface(); err != nil {
		return nil, err
	}

	decFormat := codec.Format{
		MIME:       codec.MimeAVC,
		Width:      track.Width,
		Height:     track.Height,
		FrameRate:  a.sourceFrameRate(),
		SPS:        track.SPS,
		PPS:        track.PPS,
		DurationUs: track.DurationUs(),
	}
	if err := vp.openDecoder(decFormat); err != nil {
		return nil, err
	}

	if err := vp.enc.Start(); err != nil {
		return nil, err
	}
	if err := vp.dec.Start(); err != nil {
		return nil, err
	}
	return vp, nil
}

// openDecoder configures the first decoder that accepts format.
func (vp *videoPipeline) openDecoder(format codec.Format) error {
	r := vp.attempt.runner
	var lastErr error = &codec.ConfigurationError{Codec: "decoder", Reason: "no H.264 decoder available"}
	for _, d := range r.registry.Decoders(codec.MimeAVC) {
		c, err := r.registry.New(d)
		if err != nil {
			lastErr = err
			continue
		}
		s := codec.NewSession(c, "decoder", vp.logger)
		if err := s.Configure(format, vp.channel); err != nil {
			s.Release()
			lastErr = err
			continue
		}
		vp.dec = s
		return nil
	}
	return lastErr
}

// release returns every codec and the channel. Safe to call repeatedly.
func (vp *videoPipeline) release() {
	if vp.dec != nil {
		vp.dec.Release()
	}
	if vp.enc != nil {
		vp.enc.Release()
	}
	vp.channel.Release()
}

// run interleaves input submission, encoder drain and decoder drain until
// the encoder reports end of stream.
func (vp *videoPipeline) run(ctx context.Context) error {
	clk := vp.attempt.runner.clock
	vp.lastActive = clk.Now()
	for !vp.encoderDone {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		progressed := false
		if !vp.inputDone {
			fed, err := vp.feed()
			if err != nil {
				return err
			}
			progressed = progressed || fed
		}

		drained, err := vp.drainEncoder()
		if err != nil {
			return err
		}
		progressed = progressed || drained

		if !vp.decoderDone {
			drained, err = vp.drainDecoder()
			if err != nil {
				return err
			}
			progressed = progressed || drained
		}

		if progressed {
			vp.lastActive = clk.Now()
		} else if stall := vp.attempt.runner.stallTimeout; clk.Since(vp.lastActive) > stall {
			return codec.Violation("pipeline", "no progress within "+stall.String())
		}
	}
	metrics.FramesEncodedTotal.Add(float64(vp.attempt.frames))
	metrics.BytesWrittenTotal.WithLabelValues(mp4.KindVideo.String()).Add(float64(vp.bytes))
	vp.logger.Debug("video done", "frames", vp.attempt.frames, "size", vp.bytes)
	return nil
}

// feed submits at most one source sample, or end of stream once all were
// sent.
func (vp *videoPipeline) feed() (bool, error) {
	idx, ok, err := vp.dec.DequeueInput(vp.attempt.runner.pollTimeout)
	if err != nil || !ok {
		return false, err
	}

	if vp.next >= len(vp.track.Samples) {
		if err := vp.dec.QueueInput(idx, nil, 0, codec.FlagEndOfStream); err != nil {
			return false, err
		}
		vp.inputDone = true
		return true, nil
	}

	s := vp.track.Samples[vp.next]
	vp.sampleBuf, err = vp.src.ReadSample(s, vp.sampleBuf)
	if err != nil {
		return false, &IOError{Op: "read video sample", Path: "input", Err: err}
	}
	au, err := h264.AVCCToAnnexB(vp.sampleBuf, vp.track.SPS, vp.track.PPS)
	if err != nil {
		return false, errors.Wrapf(err, "video sample %d", vp.next)
	}
	var flags codec.BufferFlags
	if s.Keyframe {
		flags |= codec.FlagKeyFrame
	}
	if err := vp.dec.QueueInput(idx, au, s.PTS, flags); err != nil {
		return false, err
	}
	vp.next++
	return true, nil
}

// drainEncoder writes every encoded access unit currently available.
func (vp *videoPipeline) drainEncoder() (bool, error) {
	progressed := false
	for !vp.encoderDone {
		out, err := vp.enc.DequeueOutput(vp.attempt.runner.pollTimeout)
		if err != nil {
			return progressed, err
		}
		switch out.Kind {
		case codec.OutputTryAgain:
			return progressed, nil
		case codec.OutputBuffersChanged:
			continue
		case codec.OutputFormatChanged:
			sps, pps := vp.outFormat.SPS, vp.outFormat.PPS
			vp.outFormat = out.Format
			if len(vp.outFormat.SPS) == 0 {
				vp.outFormat.SPS = sps
			}
			if len(vp.outFormat.PPS) == 0 {
				vp.outFormat.PPS = pps
			}
			progressed = true
			continue
		}

		progressed = true
		if err := vp.writeEncoded(out); err != nil {
			_ = vp.enc.ReleaseOutput(false)
			return progressed, err
		}
		if err := vp.enc.ReleaseOutput(false); err != nil {
			return progressed, err
		}
		if out.IsEndOfStream() {
			vp.encoderDone = true
		}
	}
	return progressed, nil
}

// writeEncoded handles one encoder payload. Codec config only updates the
// parameter sets; anything else becomes a video sample.
func (vp *videoPipeline) writeEncoded(out codec.Output) error {
	data := vp.enc.OutputBuffer(out)
	if len(data) == 0 {
		return nil
	}
	nalus, err := h264.SplitAnnexB(data)
	if err != nil {
		return errors.Wrap(err, "split encoder output")
	}
	vp.captureParameterSets(nalus)
	if out.IsConfig() {
		return nil
	}

	if !vp.trackAdded {
		if err := vp.addTrack(); err != nil {
			return err
		}
	}
	sample, err := h264.AccessUnitToAVCC(nalus)
	if err != nil {
		return errors.Wrap(err, "convert encoder output")
	}
	if sample == nil {
		return nil
	}
	key := out.Info.Flags.Has(codec.FlagKeyFrame) || h264.IsKeyFrame(nalus)
	if err := vp.writer.WriteSample(vp.trackIndex, sample, out.Info.PTS, key); err != nil {
		return &IOError{Op: "write video sample", Path: vp.writer.Path(), Err: err}
	}
	vp.bytes += uint64(len(sample))
	vp.attempt.frames++
	if p := vp.attempt.progress; p != nil {
		p(Progress{
			Attempt: vp.attempt.number,
			Encoder: vp.attempt.encoder.Name,
			Frames:  vp.attempt.frames,
			Total:   len(vp.track.Samples),
		})
	}
	return nil
}

func (vp *videoPipeline) captureParameterSets(nalus [][]byte) {
	sps, pps := h264.ParameterSets(nalus)
	if sps != nil && vp.outFormat.SPS == nil {
		vp.outFormat.SPS = sps
	}
	if pps != nil && vp.outFormat.PPS == nil {
		vp.outFormat.PPS = pps
	}
}

// addTrack registers the video track once the encoder's format and
// parameter sets are known.
func (vp *videoPipeline) addTrack() error {
	f := vp.outFormat
	if len(f.SPS) == 0 || len(f.PPS) == 0 {
		return codec.Violation("encoder.dequeueOutput", "payload before parameter sets")
	}
	if info, err := h264.ParseSPS(f.SPS); err == nil && (f.Width == 0 || f.Height == 0) {
		f.Width, f.Height = info.Width, info.Height
	}
	idx, err := vp.writer.AddTrack(mp4.Format{
		Kind:      mp4.KindVideo,
		Width:     f.Width,
		Height:    f.Height,
		FrameRate: firstPositive(f.FrameRate, vp.attempt.sourceFrameRate()),
		SPS:       f.SPS,
		PPS:       f.PPS,
	})
	if err != nil {
		return errors.Wrap(err, "add video track")
	}
	vp.trackIndex, vp.trackAdded = idx, true
	vp.logger.Debug("video track added", "track", idx, "width", f.Width, "height", f.Height)
	return nil
}

// drainDecoder renders every decoded frame currently available through the
// channel into the encoder.
func (vp *videoPipeline) drainDecoder() (bool, error) {
	progressed := false
	for !vp.decoderDone {
		out, err := vp.dec.DequeueOutput(vp.attempt.runner.pollTimeout)
		if err != nil {
			return progressed, err
		}
		switch out.Kind {
		case codec.OutputTryAgain:
			return progressed, nil
		case codec.OutputBuffersChanged, codec.OutputFormatChanged:
			continue
		}

		progressed = true
		if out.IsEndOfStream() {
			if err := vp.dec.ReleaseOutput(false); err != nil {
				return progressed, err
			}
			vp.decoderDone = true
			if err := vp.enc.SignalEndOfInput(); err != nil {
				return progressed, err
			}
			return progressed, nil
		}

		render := out.Info.Size > 0
		if err := vp.dec.ReleaseOutput(render); err != nil {
			return progressed, err
		}
		if render {
			if err := vp.handOff(); err != nil {
				return progressed, err
			}
		}
	}
	return progressed, nil
}

// handOff waits for the rendered frame, scales it and queues it to the
// encoder.
func (vp *videoPipeline) handOff() error {
	if err := vp.channel.Await(vp.attempt.runner.frameTimeout); err != nil {
		return err
	}
	f, err := vp.channel.Consume()
	if err != nil {
		return err
	}
	w, h := vp.input.Size()
	return errors.Wrap(vp.input.Queue(vp.renderer.Draw(f.Image, w, h), f.PTSUs), "queue frame")
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
