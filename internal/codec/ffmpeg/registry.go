// Package ffmpeg implements the codec contract on top of ffmpeg
// subprocesses: raw frames and Annex-B access units travel through pipes
// while the caller sees the usual buffer-queue protocol.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/util"
)

// DecoderName is the software H.264 decoder every ffmpeg build ships.
const DecoderName = "h264"

// encoderRank lists the supported H.264 encoders, best first. Hardware
// encoders come before the software ones.
var encoderRank = []string{
	"h264_nvenc",
	"h264_qsv",
	"h264_videotoolbox",
	"h264_amf",
	"h264_vaapi",
	"libx264",
	"libopenh264",
}

var allProfiles = []codec.Profile{codec.ProfileBaseline, codec.ProfileMain, codec.ProfileHigh}

// capabilities returns the input constraints known for an encoder.
func capabilities(name string) codec.Capabilities {
	caps := codec.Capabilities{
		Widths:          codec.Range{Min: 16, Max: 4096},
		Heights:         codec.Range{Min: 16, Max: 4096},
		WidthAlignment:  2,
		HeightAlignment: 2,
		Profiles:        allProfiles,
	}
	switch name {
	case "libx264":
		caps.Widths = codec.Range{Min: 2, Max: 8192}
		caps.Heights = codec.Range{Min: 2, Max: 8192}
	case "h264_nvenc":
		caps.Widths = codec.Range{Min: 145, Max: 4096}
		caps.Heights = codec.Range{Min: 49, Max: 4096}
	case "h264_qsv", "h264_vaapi":
		caps.WidthAlignment, caps.HeightAlignment = 16, 16
	case "libopenh264":
		caps.Profiles = []codec.Profile{codec.ProfileConstrainedBaseline}
	}
	return caps
}

func isHardware(name string) bool {
	return !strings.HasPrefix(name, "lib")
}

func rank(name string) int {
	for i, n := range encoderRank {
		if n == name {
			return i
		}
	}
	return len(encoderRank)
}

// parseEncoders reads the output of "ffmpeg -encoders" and returns the
// supported H.264 encoders it lists, ranked.
func parseEncoders(out []byte) []codec.Descriptor {
	var descs []codec.Descriptor
	listing := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "---") {
			listing = true
			continue
		}
		fields := strings.Fields(line)
		if !listing || len(fields) < 2 || !strings.HasPrefix(fields[0], "V") {
			continue
		}
		name := fields[1]
		if rank(name) == len(encoderRank) {
			continue
		}
		descs = append(descs, codec.Descriptor{
			Name:     name,
			MIME:     codec.MimeAVC,
			Encoder:  true,
			Hardware: isHardware(name),
			Caps:     capabilities(name),
		})
	}
	sort.SliceStable(descs, func(i, j int) bool { return rank(descs[i].Name) < rank(descs[j].Name) })
	return descs
}

// Registry is a codec.Registry backed by one ffmpeg binary.
type Registry struct {
	path     string
	logger   *slog.Logger
	clock    clock.Clock
	encoders []codec.Descriptor
}

// NewRegistry asks the ffmpeg at path which encoders it was built with. A
// nil logger uses util.GetLogger().
func NewRegistry(ctx context.Context, path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = util.GetLogger()
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "ffmpeg not found at %q", path)
	}
	out, err := exec.CommandContext(ctx, resolved, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, errors.Wrap(err, "list ffmpeg encoders")
	}
	r := &Registry{
		path:     resolved,
		logger:   logger.With("component", "ffmpeg"),
		clock:    clock.RealClock{},
		encoders: parseEncoders(out),
	}
	r.logger.Debug("ffmpeg encoders", "path", resolved, "count", len(r.encoders))
	return r, nil
}

// Path is the resolved ffmpeg binary.
func (r *Registry) Path() string { return r.path }

func (r *Registry) Encoders(mime string) []codec.Descriptor {
	if mime != codec.MimeAVC {
		return nil
	}
	return append([]codec.Descriptor(nil), r.encoders...)
}

func (r *Registry) Decoders(mime string) []codec.Descriptor {
	if mime != codec.MimeAVC {
		return nil
	}
	return []codec.Descriptor{{
		Name: DecoderName,
		MIME: codec.MimeAVC,
		Caps: capabilities("libx264"),
	}}
}

func (r *Registry) New(d codec.Descriptor) (codec.Codec, error) {
	if !d.Encoder {
		if d.Name != DecoderName {
			return nil, errors.Errorf("unknown decoder %q", d.Name)
		}
		return newDecoder(d, r.path, r.logger, r.clock), nil
	}
	for _, e := range r.encoders {
		if e.Name == d.Name {
			return newEncoder(e, r.path, r.logger, r.clock), nil
		}
	}
	return nil, errors.Errorf("unknown encoder %q", d.Name)
}
