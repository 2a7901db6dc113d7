package ffmpeg

import (
	"image"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/h264"
)

const readChunk = 64 << 10

// encoder feeds raw yuv420p frames to ffmpeg and cuts its Annex-B output
// into access units. B-frames are disabled so outputs leave in input order.
type encoder struct {
	base
	cfg   codec.Format
	input *inputSurface

	ptsMu sync.Mutex
	ptsQ  []int64
}

func newEncoder(d codec.Descriptor, path string, logger *slog.Logger, clk clock.Clock) *encoder {
	return &encoder{base: newBase(d, path, logger, clk)}
}

func (e *encoder) Configure(format codec.Format, _ codec.Surface) error {
	caps := e.desc.Caps
	if !caps.Widths.Contains(format.Width) || !caps.Heights.Contains(format.Height) {
		return errors.Errorf("size %dx%d not supported", format.Width, format.Height)
	}
	if (caps.WidthAlignment > 1 && format.Width%caps.WidthAlignment != 0) ||
		(caps.HeightAlignment > 1 && format.Height%caps.HeightAlignment != 0) {
		return errors.Errorf("size %dx%d not aligned to %dx%d", format.Width, format.Height, caps.WidthAlignment, caps.HeightAlignment)
	}
	if format.FrameRate <= 0 {
		format.FrameRate = codec.DefaultFrameRate
	}
	if format.IFrameIntervalSec <= 0 {
		format.IFrameIntervalSec = codec.DefaultIFrameIntervalSec
	}
	e.cfg = format
	return nil
}

func (e *encoder) CreateInputSurface() (codec.InputSurface, error) {
	if e.cfg.Width == 0 {
		return nil, errors.New("not configured")
	}
	e.input = &inputSurface{e: e}
	return e.input, nil
}

func (e *encoder) Start() error {
	if e.cfg.Width == 0 {
		return errors.New("not configured")
	}
	p, err := startProcess(e.path, encoderArgs(e.desc.Name, e.cfg), e.logger, e.read)
	if err != nil {
		return err
	}
	e.proc = p
	return nil
}

func (e *encoder) DequeueInputBuffer(time.Duration) (int, error) {
	return 0, errors.New("encoder is fed through its input surface")
}

func (e *encoder) InputBuffer(int) []byte { return nil }

func (e *encoder) QueueInputBuffer(int, int, int, int64, codec.BufferFlags) error {
	return errors.New("encoder is fed through its input surface")
}

func (e *encoder) SignalEndOfInputStream() error {
	if e.proc == nil {
		return errors.New("not started")
	}
	e.proc.closeInput()
	return nil
}

func (e *encoder) ReleaseOutputBuffer(index int, _ bool) error {
	_, err := e.release(index)
	return err
}

func (e *encoder) nextPTS() int64 {
	e.ptsMu.Lock()
	defer e.ptsMu.Unlock()
	if len(e.ptsQ) == 0 {
		return 0
	}
	v := e.ptsQ[0]
	e.ptsQ = e.ptsQ[1:]
	return v
}

// read splits the elementary stream into access units. The first SPS and
// PPS seen complete the output format.
func (e *encoder) read(stdout io.Reader, emit func(output)) error {
	var splitter h264.AccessUnitSplitter
	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if perr := e.publish(splitter.Write(buf[:n]), emit); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			if perr := e.publish(splitter.Flush(), emit); perr != nil {
				return perr
			}
			emit(output{flags: codec.FlagEndOfStream})
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (e *encoder) publish(aus [][][]byte, emit func(output)) error {
	for _, au := range aus {
		if !e.ready() {
			sps, pps := h264.ParameterSets(au)
			if sps != nil && pps != nil {
				f := e.cfg
				f.MIME = codec.MimeAVC
				f.SPS, f.PPS = sps, pps
				if info, err := h264.ParseSPS(sps); err == nil {
					f.Width, f.Height = info.Width, info.Height
				}
				e.setFormat(f)
			}
		}
		if !hasSlice(au) {
			continue
		}
		if !e.ready() {
			return errors.New("access unit before parameter sets")
		}
		data, err := mch264.AnnexB(au).Marshal()
		if err != nil {
			return errors.Wrap(err, "marshal access unit")
		}
		o := output{data: data, pts: e.nextPTS()}
		if h264.IsKeyFrame(au) {
			o.flags |= codec.FlagKeyFrame
		}
		emit(o)
	}
	return nil
}

func hasSlice(au [][]byte) bool {
	for _, nalu := range au {
		switch h264.Type(nalu) {
		case mch264.NALUTypeIDR, mch264.NALUTypeNonIDR:
			return true
		}
	}
	return false
}

type inputSurface struct {
	e *encoder
}

func (s *inputSurface) Queue(img *image.YCbCr, ptsUs int64) error {
	e := s.e
	if e.proc == nil {
		return errors.New("encoder not started")
	}
	if b := img.Bounds(); b.Dx() != e.cfg.Width || b.Dy() != e.cfg.Height {
		return errors.Errorf("frame %dx%d does not match %dx%d", b.Dx(), b.Dy(), e.cfg.Width, e.cfg.Height)
	}
	e.ptsMu.Lock()
	e.ptsQ = append(e.ptsQ, ptsUs)
	e.ptsMu.Unlock()
	return e.proc.send(packYUV420(img))
}

func (s *inputSurface) Size() (int, int) {
	return s.e.cfg.Width, s.e.cfg.Height
}

// encoderArgs builds the command line for encoding raw frames of format
// with the named ffmpeg encoder.
func encoderArgs(name string, f codec.Format) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasSuffix(name, "_vaapi") {
		args = append(args, "-vaapi_device", "/dev/dri/renderD128")
	}
	args = append(args,
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", strconv.Itoa(f.Width)+"x"+strconv.Itoa(f.Height),
		"-r", strconv.Itoa(f.FrameRate),
		"-i", "pipe:0", "-an",
	)
	switch {
	case strings.HasSuffix(name, "_vaapi"):
		args = append(args, "-vf", "format=nv12,hwupload")
	case strings.HasSuffix(name, "_qsv"):
		args = append(args, "-pix_fmt", "nv12")
	}
	args = append(args, "-c:v", name)
	if f.Bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(f.Bitrate))
	}
	args = append(args,
		"-g", strconv.Itoa(f.FrameRate*f.IFrameIntervalSec),
		"-bf", "0",
	)
	if p := profileName(name, f.Profile); p != "" {
		args = append(args, "-profile:v", p)
	}
	switch name {
	case "libx264":
		args = append(args, "-preset", "veryfast")
	case "h264_nvenc":
		args = append(args, "-preset", "p4")
	}
	return append(args, "-f", "h264", "pipe:1")
}

func profileName(encoder string, p codec.Profile) string {
	if encoder == "libopenh264" {
		return ""
	}
	switch p {
	case codec.ProfileHigh:
		return "high"
	case codec.ProfileMain:
		return "main"
	case codec.ProfileBaseline:
		if encoder == "libx264" {
			return "baseline"
		}
		return ""
	default:
		return ""
	}
}
