package transcode

import (
	"fmt"
	"math"
	"strings"

	"github.com/babelcloud/shrink/internal/demux"
)

// Policy selects which encoder candidates an invocation may use.
type Policy int

const (
	// PolicyDefault runs the best ranked encoder only.
	PolicyDefault Policy = iota
	// PolicyTryAll falls back through every candidate in rank order.
	PolicyTryAll
)

func (p Policy) String() string {
	switch p {
	case PolicyDefault:
		return "default"
	case PolicyTryAll:
		return "try-all"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "default" and "try-all".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PolicyDefault, nil
	case "try-all", "tryall", "all":
		return PolicyTryAll, nil
	default:
		return 0, fmt.Errorf("unknown encoder policy %q", s)
	}
}

// Settings are the knobs of one transcode. Width and Height are in coded
// orientation; the source rotation is carried over to the output.
type Settings struct {
	Width             int
	Height            int
	Bitrate           int
	FrameRate         int // zero keeps the source rate
	IFrameIntervalSec int
	Streamable        bool
	AllowSizeAdjust   bool
	Policy            Policy
	Encoder           string // restrict candidates to this name
}

// Decider chooses settings once the source metadata is known. Returning
// ErrCancelled aborts the invocation without an error.
type Decider func(md *demux.Metadata) (Settings, error)

// MinBitrate is the floor applied by ScaledSettings.
const MinBitrate = 250_000

// ScaledSettings scales the source picture by factor, keeping even
// dimensions, and picks bitrate or, when zero, the source bitrate scaled by
// the pixel ratio.
func ScaledSettings(md *demux.Metadata, factor float64, bitrate int) Settings {
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	w := even(float64(md.Width) * factor)
	h := even(float64(md.Height) * factor)
	if bitrate <= 0 {
		bitrate = int(math.Round(float64(md.Bitrate) * factor * factor))
		if bitrate < MinBitrate {
			bitrate = MinBitrate
		}
	}
	return Settings{
		Width:           w,
		Height:          h,
		Bitrate:         bitrate,
		Streamable:      true,
		AllowSizeAdjust: true,
	}
}

func even(v float64) int {
	n := int(math.Round(v))
	return n - n%2
}
