package transcode

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled reports cooperative cancellation. It is an outcome, not a
// failure.
var ErrCancelled = errors.New("transcode cancelled")

// IOError reports a failure to write, copy or relocate a file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Status is the terminal state of an invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is exactly one of success with the output path, cancellation or an
// error with its cause.
type Result struct {
	Status   Status
	Path     string
	Err      error
	Encoder  string
	Attempts int
	Frames   int
	Elapsed  time.Duration
}

// Success reports whether the output was produced.
func (r Result) Success() bool { return r.Status == StatusSuccess }

func (r Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("success: %s (%s, %d frames)", r.Path, r.Encoder, r.Frames)
	case StatusError:
		return fmt.Sprintf("error: %v", r.Err)
	default:
		return r.Status.String()
	}
}

// Progress is reported after every video frame written.
type Progress struct {
	Attempt int
	Encoder string
	Frames  int
	Total   int
}

// Fraction is the share of source frames processed, in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Frames) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}
