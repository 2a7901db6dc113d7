// Package metrics provides Prometheus instrumentation for transcodes. All
// metrics are prefixed with "shrink_" and live in a dedicated registry that
// the CLI dumps in the node-exporter textfile format after a run.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Transcode metrics
var (
	AttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shrink_attempts_total",
			Help: "Transcode attempts by encoder and outcome",
		},
		[]string{"encoder", "outcome"},
	)

	AttemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shrink_attempt_duration_seconds",
			Help:    "Duration of transcode attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"encoder"},
	)

	FallbacksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "shrink_encoder_fallbacks_total",
			Help: "Times a failed encoder was replaced by the next candidate",
		},
	)

	FramesEncodedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "shrink_frames_encoded_total",
			Help: "Video frames written to output containers",
		},
	)

	BytesWrittenTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shrink_sample_bytes_written_total",
			Help: "Sample bytes written to output containers by track kind",
		},
		[]string{"kind"},
	)

	RelocationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "shrink_relocations_total",
			Help: "Containers rewritten with moov ahead of mdat",
		},
	)
)

// WriteTextfile writes the registry to path in the text exposition format.
// An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return errors.Wrap(prometheus.WriteToTextfile(path, Registry), "write metrics textfile")
}
