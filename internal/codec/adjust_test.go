package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignDown(t *testing.T) {
	r := Range{Min: 16, Max: 4096}
	tests := []struct {
		name  string
		v     int
		align int
		want  int
	}{
		{name: "aligned", v: 960, align: 16, want: 960},
		{name: "rounds down", v: 1000, align: 16, want: 992},
		{name: "below min clamps", v: 2, align: 16, want: 16},
		{name: "above max clamps", v: 5000, align: 16, want: 4096},
		{name: "no alignment", v: 999, align: 1, want: 999},
		{name: "zero alignment", v: 999, align: 0, want: 999},
		{name: "odd height", v: 541, align: 2, want: 540},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AlignDown(tt.v, r, tt.align))
		})
	}
}

// The adjusted value is the largest multiple of the alignment not above the
// clamped request.
func TestAlignDownProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		align := 1 + rng.Intn(32)
		lo := align * (1 + rng.Intn(8))
		r := Range{Min: lo, Max: lo + rng.Intn(5000)}
		v := rng.Intn(8000) - 100

		got := AlignDown(v, r, align)
		clamped := r.Clamp(v)
		require.Zero(t, got%align, "v=%d range=%v align=%d", v, r, align)
		require.LessOrEqual(t, got, clamped)
		require.Greater(t, got+align, clamped)
	}
}

func TestAdjustSize(t *testing.T) {
	d := Descriptor{Name: "enc", Caps: Capabilities{
		Widths:          Range{Min: 32, Max: 1920},
		Heights:         Range{Min: 32, Max: 1088},
		WidthAlignment:  16,
		HeightAlignment: 2,
	}}

	tests := []struct {
		name    string
		w, h    int
		allow   bool
		wantW   int
		wantH   int
		wantErr bool
	}{
		{name: "fits", w: 960, h: 540, allow: true, wantW: 960, wantH: 540},
		{name: "adjusted", w: 3840, h: 2161, allow: true, wantW: 1920, wantH: 1088},
		{name: "aligned down", w: 1000, h: 563, allow: true, wantW: 992, wantH: 562},
		{name: "strict fits", w: 960, h: 540, wantW: 960, wantH: 540},
		{name: "strict out of range", w: 3840, h: 2160, wantErr: true},
		{name: "strict misaligned", w: 1000, h: 540, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := AdjustSize(d, tt.w, tt.h, tt.allow)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestSelectProfile(t *testing.T) {
	tests := []struct {
		name     string
		profiles []Profile
		want     Profile
	}{
		{name: "high wins", profiles: []Profile{ProfileBaseline, ProfileMain, ProfileHigh}, want: ProfileHigh},
		{name: "main", profiles: []Profile{ProfileBaseline, ProfileMain}, want: ProfileMain},
		{name: "constrained high ignored", profiles: []Profile{ProfileConstrainedHigh, ProfileMain}, want: ProfileMain},
		{name: "constrained only", profiles: []Profile{ProfileConstrainedBaseline, ProfileConstrainedHigh}, want: ProfileBaseline},
		{name: "none", want: ProfileBaseline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectProfile(Capabilities{Profiles: tt.profiles}))
		})
	}
}

func TestEncoderFormat(t *testing.T) {
	d := Descriptor{Name: "enc", Caps: Capabilities{
		Widths:          Range{Min: 16, Max: 4096},
		Heights:         Range{Min: 16, Max: 4096},
		WidthAlignment:  2,
		HeightAlignment: 2,
		Profiles:        []Profile{ProfileMain},
	}}

	f, err := EncoderFormat(d, Format{Width: 961, Height: 541, Bitrate: 2_000_000}, Format{FrameRate: 25}, true)
	require.NoError(t, err)
	assert.Equal(t, MimeAVC, f.MIME)
	assert.Equal(t, 960, f.Width)
	assert.Equal(t, 540, f.Height)
	assert.Equal(t, 2_000_000, f.Bitrate)
	assert.Equal(t, 25, f.FrameRate)
	assert.Equal(t, DefaultIFrameIntervalSec, f.IFrameIntervalSec)
	assert.Equal(t, ProfileMain, f.Profile)

	f, err = EncoderFormat(d, Format{Width: 640, Height: 360}, Format{}, true)
	require.NoError(t, err)
	assert.Equal(t, DefaultFrameRate, f.FrameRate)
}

func TestErrors(t *testing.T) {
	ce := &ConfigurationError{Codec: "x264", Reason: "too big"}
	assert.Equal(t, "codec x264: cannot configure: too big", ce.Error())

	pv := &ProtocolViolation{Op: "decoder.dequeueOutput", Status: -7, Detail: "unexpected status"}
	assert.Equal(t, "protocol violation in decoder.dequeueOutput (status -7): unexpected status", pv.Error())
	assert.False(t, IsConfigurationError(pv))
	assert.True(t, IsProtocolViolation(pv))
}
