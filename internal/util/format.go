package util

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
)

// HumanSize formats a byte count with binary units, e.g. "1.5KiB".
func HumanSize(n int64) string {
	return units.BytesSize(float64(n))
}

// HumanBitrate formats bits per second.
func HumanBitrate(bps int) string {
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.2f Mb/s", float64(bps)/1e6)
	case bps >= 1_000:
		return fmt.Sprintf("%.0f kb/s", float64(bps)/1e3)
	default:
		return fmt.Sprintf("%d b/s", bps)
	}
}

// HumanDuration formats microseconds as h:mm:ss.mmm, dropping empty hours.
func HumanDuration(us int64) string {
	d := time.Duration(us) * time.Microsecond
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	ms := int(d/time.Millisecond) % 1000
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms)
	}
	return fmt.Sprintf("%d:%02d.%03d", m, s, ms)
}
