package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	if v.ConfigFileUsed() != "" {
		t.Skipf("config file %s overrides defaults", v.ConfigFileUsed())
	}
	t.Setenv("SHRINK_CACHE_DIR", "")

	assert.Equal(t, "ffmpeg", GetFFmpegPath())
	assert.Equal(t, 10*time.Millisecond, GetPollTimeout())
	assert.Equal(t, 2500*time.Millisecond, GetFrameTimeout())
	assert.Equal(t, 30*time.Second, GetStallTimeout())
	assert.Equal(t, "default", GetEncoderPolicy())
	assert.Empty(t, GetMetricsTextfile())
	assert.True(t, GetStreamable())
	assert.Equal(t, filepath.Join(xdg.CacheHome, "shrink"), GetCacheDir())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SHRINK_CACHE_DIR", "/tmp/shrink-test")
	t.Setenv("SHRINK_ENCODER_POLICY", "try-all")
	t.Setenv("SHRINK_FRAME_TIMEOUT", "5s")

	assert.Equal(t, "/tmp/shrink-test", GetCacheDir())
	assert.Equal(t, "try-all", GetEncoderPolicy())
	assert.Equal(t, 5*time.Second, GetFrameTimeout())
}

func TestSet(t *testing.T) {
	old := GetFFmpegPath()
	t.Cleanup(func() { Set("ffmpeg.path", old) })

	Set("ffmpeg.path", "/opt/ffmpeg/bin/ffmpeg")
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", GetFFmpegPath())
}
