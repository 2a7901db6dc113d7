package transcode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/shrink/internal/demux"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicyDefault},
		{in: "default", want: PolicyDefault},
		{in: " Try-All ", want: PolicyTryAll},
		{in: "all", want: PolicyTryAll},
		{in: "fastest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "try-all", PolicyTryAll.String())
}

func TestScaledSettings(t *testing.T) {
	md := &demux.Metadata{Width: 1920, Height: 1080, Bitrate: 8_000_000}

	tests := []struct {
		name    string
		factor  float64
		bitrate int
		wantW   int
		wantH   int
		wantBR  int
	}{
		{name: "half", factor: 0.5, wantW: 960, wantH: 540, wantBR: 2_000_000},
		{name: "explicit bitrate", factor: 0.5, bitrate: 1_500_000, wantW: 960, wantH: 540, wantBR: 1_500_000},
		{name: "odd result made even", factor: 0.3, wantW: 576, wantH: 324, wantBR: 720_000},
		{name: "bitrate floor", factor: 0.1, wantW: 192, wantH: 108, wantBR: MinBitrate},
		{name: "invalid factor keeps size", factor: 2, wantW: 1920, wantH: 1080, wantBR: 8_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScaledSettings(md, tt.factor, tt.bitrate)
			assert.Equal(t, tt.wantW, s.Width)
			assert.Equal(t, tt.wantH, s.Height)
			assert.Equal(t, tt.wantBR, s.Bitrate)
			assert.True(t, s.Streamable)
			assert.True(t, s.AllowSizeAdjust)
			assert.Equal(t, PolicyDefault, s.Policy)
		})
	}
}

func TestResult(t *testing.T) {
	ok := Result{Status: StatusSuccess, Path: "out.mp4", Encoder: "x", Frames: 3}
	assert.True(t, ok.Success())
	assert.Equal(t, "success: out.mp4 (x, 3 frames)", ok.String())

	failed := Result{Status: StatusError, Err: &IOError{Op: "copy", Path: "out.mp4", Err: errors.New("disk full")}}
	assert.False(t, failed.Success())
	assert.Equal(t, "error: copy out.mp4: disk full", failed.String())

	assert.Equal(t, "status(9)", Status(9).String())
}

func TestProgressFraction(t *testing.T) {
	assert.Zero(t, Progress{Frames: 3}.Fraction())
	assert.InDelta(t, 0.25, Progress{Frames: 1, Total: 4}.Fraction(), 1e-9)
	assert.Equal(t, 1.0, Progress{Frames: 5, Total: 4}.Fraction())
}
