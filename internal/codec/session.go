package codec

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/babelcloud/shrink/internal/util"
)

// Phase is the lifecycle position of a Session.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseConfigured
	PhaseStarted
	PhaseDraining
	PhaseEndOfStream
	PhaseStopped
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseConfigured:
		return "configured"
	case PhaseStarted:
		return "started"
	case PhaseDraining:
		return "draining"
	case PhaseEndOfStream:
		return "end-of-stream"
	case PhaseStopped:
		return "stopped"
	case PhaseReleased:
		return "released"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// OutputKind classifies the result of Session.DequeueOutput.
type OutputKind int

const (
	OutputTryAgain OutputKind = iota
	OutputFormatChanged
	OutputBuffersChanged
	OutputPayload
)

// Output is one poll result of a Session's output side.
type Output struct {
	Kind   OutputKind
	Index  int
	Info   BufferInfo
	Format Format // set for OutputFormatChanged
}

// IsConfig reports whether the payload only carries codec configuration.
func (o Output) IsConfig() bool {
	return o.Kind == OutputPayload && o.Info.Flags.Has(FlagCodecConfig)
}

// IsEndOfStream reports whether the payload closes the stream.
func (o Output) IsEndOfStream() bool {
	return o.Kind == OutputPayload && o.Info.Flags.Has(FlagEndOfStream)
}

// Session drives one Codec through its lifecycle and enforces the
// buffer-queue protocol. Any contract breach surfaces as a
// ProtocolViolation. A Session is owned by a single goroutine.
type Session struct {
	codec  Codec
	role   string
	logger *slog.Logger

	phase         Phase
	pendingInput  int
	pendingOutput int
	formatSeen    bool
	format        Format
}

// NewSession wraps c. role ("decoder" or "encoder") only labels logs and
// errors.
func NewSession(c Codec, role string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Session{
		codec:         c,
		role:          role,
		logger:        logger.With("component", role, "codec", c.Name()),
		pendingInput:  -1,
		pendingOutput: -1,
	}
}

// Name returns the wrapped codec's name.
func (s *Session) Name() string { return s.codec.Name() }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// OutputFormat is the format announced by the codec's format-changed signal.
func (s *Session) OutputFormat() Format { return s.format }

func (s *Session) op(name string) string { return s.role + "." + name }

func (s *Session) expect(name string, phases ...Phase) error {
	for _, p := range phases {
		if s.phase == p {
			return nil
		}
	}
	return Violation(s.op(name), "called in phase "+s.phase.String())
}

// Configure moves Created to Configured. Any failure is reported as a
// ConfigurationError so the caller can try another implementation.
func (s *Session) Configure(format Format, surface Surface) error {
	if err := s.expect("configure", PhaseCreated); err != nil {
		return err
	}
	if err := s.codec.Configure(format, surface); err != nil {
		if IsConfigurationError(err) {
			return err
		}
		return &ConfigurationError{Codec: s.codec.Name(), Err: err}
	}
	s.phase = PhaseConfigured
	s.logger.Debug("configured", "mime", format.MIME, "width", format.Width, "height", format.Height)
	return nil
}

// CreateInputSurface returns the encoder's raw frame sink. Only valid
// between Configure and Start.
func (s *Session) CreateInputSurface() (InputSurface, error) {
	if err := s.expect("createInputSurface", PhaseConfigured); err != nil {
		return nil, err
	}
	in, err := s.codec.CreateInputSurface()
	if err != nil {
		return nil, &ConfigurationError{Codec: s.codec.Name(), Reason: "input surface", Err: err}
	}
	return in, nil
}

// Start moves Configured to Started.
func (s *Session) Start() error {
	if err := s.expect("start", PhaseConfigured); err != nil {
		return err
	}
	if err := s.codec.Start(); err != nil {
		return &ProtocolViolation{Op: s.op("start"), Err: err}
	}
	s.phase = PhaseStarted
	return nil
}

// DequeueInput polls for a free input buffer. ok is false when none became
// available within timeout.
func (s *Session) DequeueInput(timeout time.Duration) (index int, ok bool, err error) {
	if err := s.expect("dequeueInput", PhaseStarted); err != nil {
		return -1, false, err
	}
	if s.pendingInput >= 0 {
		return s.pendingInput, true, nil
	}
	idx, err := s.codec.DequeueInputBuffer(timeout)
	if err != nil {
		return -1, false, &ProtocolViolation{Op: s.op("dequeueInput"), Err: err}
	}
	switch {
	case idx == InfoTryAgainLater:
		return -1, false, nil
	case idx < 0:
		return -1, false, &ProtocolViolation{Op: s.op("dequeueInput"), Status: idx, Detail: "unexpected status"}
	}
	s.pendingInput = idx
	return idx, true, nil
}

// QueueInput copies data into the pending input buffer and submits it.
// Submitting with FlagEndOfStream moves the session to Draining.
func (s *Session) QueueInput(index int, data []byte, ptsUs int64, flags BufferFlags) error {
	if err := s.expect("queueInput", PhaseStarted); err != nil {
		return err
	}
	if index != s.pendingInput || index < 0 {
		return Violation(s.op("queueInput"), fmt.Sprintf("buffer %d was not dequeued", index))
	}
	buf := s.codec.InputBuffer(index)
	if len(data) > len(buf) {
		return Violation(s.op("queueInput"), fmt.Sprintf("%d bytes do not fit input buffer of %d", len(data), len(buf)))
	}
	n := copy(buf, data)
	if err := s.codec.QueueInputBuffer(index, 0, n, ptsUs, flags); err != nil {
		return &ProtocolViolation{Op: s.op("queueInput"), Err: err}
	}
	s.pendingInput = -1
	if flags.Has(FlagEndOfStream) {
		s.phase = PhaseDraining
		s.logger.Debug("end of input queued")
	}
	return nil
}

// SignalEndOfInput tells a surface-fed encoder that no more frames follow.
func (s *Session) SignalEndOfInput() error {
	if err := s.expect("signalEndOfInput", PhaseStarted); err != nil {
		return err
	}
	if err := s.codec.SignalEndOfInputStream(); err != nil {
		return &ProtocolViolation{Op: s.op("signalEndOfInput"), Err: err}
	}
	s.phase = PhaseDraining
	s.logger.Debug("end of input signalled")
	return nil
}

// DequeueOutput polls the output side once. A payload must be handed back
// with ReleaseOutput before the next poll.
func (s *Session) DequeueOutput(timeout time.Duration) (Output, error) {
	if err := s.expect("dequeueOutput", PhaseStarted, PhaseDraining); err != nil {
		return Output{}, err
	}
	if s.pendingOutput >= 0 {
		return Output{}, Violation(s.op("dequeueOutput"), fmt.Sprintf("buffer %d not released", s.pendingOutput))
	}
	var info BufferInfo
	idx, err := s.codec.DequeueOutputBuffer(&info, timeout)
	if err != nil {
		return Output{}, &ProtocolViolation{Op: s.op("dequeueOutput"), Err: err}
	}
	switch idx {
	case InfoTryAgainLater:
		return Output{Kind: OutputTryAgain, Index: idx}, nil
	case InfoOutputBuffersChanged:
		return Output{Kind: OutputBuffersChanged, Index: idx}, nil
	case InfoOutputFormatChanged:
		if s.formatSeen {
			return Output{}, &ProtocolViolation{Op: s.op("dequeueOutput"), Status: idx, Detail: "format changed twice"}
		}
		s.formatSeen = true
		s.format = s.codec.OutputFormat()
		s.logger.Debug("output format changed", "width", s.format.Width, "height", s.format.Height)
		return Output{Kind: OutputFormatChanged, Index: idx, Format: s.format}, nil
	}
	if idx < 0 {
		return Output{}, &ProtocolViolation{Op: s.op("dequeueOutput"), Status: idx, Detail: "unexpected status"}
	}

	out := Output{Kind: OutputPayload, Index: idx, Info: info}
	if !s.formatSeen && !out.IsConfig() && info.Size > 0 {
		return Output{}, &ProtocolViolation{Op: s.op("dequeueOutput"), Status: idx, Detail: "payload before format change"}
	}
	s.pendingOutput = idx
	if out.IsEndOfStream() {
		s.phase = PhaseEndOfStream
		s.logger.Debug("end of stream reached")
	}
	return out, nil
}

// OutputBuffer returns the bytes of a dequeued payload, sliced to its
// offset and size.
func (s *Session) OutputBuffer(out Output) []byte {
	buf := s.codec.OutputBuffer(out.Index)
	end := out.Info.Offset + out.Info.Size
	if out.Info.Offset < 0 || end > len(buf) {
		return nil
	}
	return buf[out.Info.Offset:end]
}

// ReleaseOutput returns the pending output buffer. render forwards a
// decoded frame to the configured surface.
func (s *Session) ReleaseOutput(render bool) error {
	if s.pendingOutput < 0 {
		return Violation(s.op("releaseOutput"), "no buffer pending")
	}
	idx := s.pendingOutput
	s.pendingOutput = -1
	if err := s.codec.ReleaseOutputBuffer(idx, render); err != nil {
		return &ProtocolViolation{Op: s.op("releaseOutput"), Err: err}
	}
	return nil
}

// Stop halts the codec. Safe to call in any phase and more than once.
func (s *Session) Stop() error {
	switch s.phase {
	case PhaseStarted, PhaseDraining, PhaseEndOfStream:
		s.phase = PhaseStopped
		s.pendingInput, s.pendingOutput = -1, -1
		if err := s.codec.Stop(); err != nil {
			s.logger.Warn("stop failed", "error", err)
			return &ProtocolViolation{Op: s.op("stop"), Err: err}
		}
	case PhaseCreated, PhaseConfigured:
		s.phase = PhaseStopped
	}
	return nil
}

// Release stops the codec if needed and frees its resources. Idempotent.
func (s *Session) Release() {
	if s.phase == PhaseReleased {
		return
	}
	_ = s.Stop()
	s.codec.Release()
	s.phase = PhaseReleased
	s.logger.Debug("released")
}
