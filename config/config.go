package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("cache.dir", filepath.Join(xdg.CacheHome, "shrink"))
	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("codec.poll_timeout", 10*time.Millisecond)
	v.SetDefault("frame.timeout", 2500*time.Millisecond)
	v.SetDefault("pipeline.stall_timeout", 30*time.Second)
	v.SetDefault("encoder.policy", "default")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("transcode.streamable", true)

	// Environment variables
	v.SetEnvPrefix("SHRINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("cache.dir", "SHRINK_CACHE_DIR")
	v.BindEnv("ffmpeg.path", "SHRINK_FFMPEG", "FFMPEG_PATH")
	v.BindEnv("encoder.policy", "SHRINK_ENCODER_POLICY")
	v.BindEnv("metrics.textfile", "SHRINK_METRICS_TEXTFILE")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.shrink",
		"/etc/shrink",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetCacheDir returns where in-progress containers are written
func GetCacheDir() string {
	return v.GetString("cache.dir")
}

// GetFFmpegPath returns the ffmpeg binary used by the codec backend
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// GetPollTimeout returns how long a single codec poll may wait
func GetPollTimeout() time.Duration {
	return v.GetDuration("codec.poll_timeout")
}

// GetFrameTimeout returns how long the pipeline waits for a rendered frame
func GetFrameTimeout() time.Duration {
	return v.GetDuration("frame.timeout")
}

// GetStallTimeout returns how long the pipeline may go without progress
func GetStallTimeout() time.Duration {
	return v.GetDuration("pipeline.stall_timeout")
}

// GetEncoderPolicy returns the configured encoder policy name
func GetEncoderPolicy() string {
	return v.GetString("encoder.policy")
}

// GetMetricsTextfile returns the path metrics are written to, or empty
func GetMetricsTextfile() string {
	return v.GetString("metrics.textfile")
}

// GetStreamable reports whether outputs are relocated for streaming by default
func GetStreamable() bool {
	return v.GetBool("transcode.streamable")
}

// Set overrides a configuration value for the running process
func Set(key string, value interface{}) {
	v.Set(key, value)
}
