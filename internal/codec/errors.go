package codec

import (
	"errors"
	"fmt"
)

// ConfigurationError reports that a codec implementation cannot be
// configured for the requested format. Another implementation may succeed.
type ConfigurationError struct {
	Codec  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("codec %s: cannot configure", e.Codec)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProtocolViolation reports a broken buffer-queue or frame handoff contract:
// an unexpected status code, a frame signalled out of turn or a wait that
// timed out. It is fatal for the current attempt.
type ProtocolViolation struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	msg := "protocol violation in " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// Violation builds a ProtocolViolation for op.
func Violation(op, detail string) *ProtocolViolation {
	return &ProtocolViolation{Op: op, Detail: detail}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsProtocolViolation reports whether err carries a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}
