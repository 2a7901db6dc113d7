// Package codec defines the buffer-queue contract every codec implementation
// honours, the session state machine that drives one codec instance, and the
// registry used to enumerate implementations.
package codec

import (
	"image"
	"time"
)

// MIME types understood by the pipeline.
const (
	MimeAVC = "video/avc"
	MimeAAC = "audio/mp4a-latm"
)

// Status codes returned by DequeueInputBuffer and DequeueOutputBuffer in
// place of a buffer index.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// BufferFlags annotate an input or output buffer.
type BufferFlags uint32

const (
	FlagKeyFrame BufferFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool { return b&f == f }

// BufferInfo describes the payload of a dequeued output buffer.
type BufferInfo struct {
	Offset int
	Size   int
	PTS    int64 // microseconds
	Flags  BufferFlags
}

// Profile is an H.264 profile bit as advertised by an implementation.
type Profile int

const (
	ProfileBaseline            Profile = 0x01
	ProfileMain                Profile = 0x02
	ProfileExtended            Profile = 0x04
	ProfileHigh                Profile = 0x08
	ProfileConstrainedBaseline Profile = 0x10000
	ProfileConstrainedHigh     Profile = 0x80000
)

func (p Profile) String() string {
	switch p {
	case ProfileBaseline:
		return "baseline"
	case ProfileMain:
		return "main"
	case ProfileExtended:
		return "extended"
	case ProfileHigh:
		return "high"
	case ProfileConstrainedBaseline:
		return "constrained-baseline"
	case ProfileConstrainedHigh:
		return "constrained-high"
	default:
		return "unknown"
	}
}

// Format is the negotiated media format of a codec's input or output.
type Format struct {
	MIME string

	// Video
	Width             int
	Height            int
	FrameRate         int
	IFrameIntervalSec int
	Bitrate           int
	Profile           Profile
	SPS               []byte
	PPS               []byte

	// Audio
	SampleRate  int
	Channels    int
	AudioConfig []byte

	DurationUs int64
}

// Surface receives decoded frames rendered by a decoder.
type Surface interface {
	Render(img *image.YCbCr, ptsUs int64) error
}

// InputSurface accepts raw frames on behalf of an encoder.
type InputSurface interface {
	Queue(img *image.YCbCr, ptsUs int64) error
	Size() (width, height int)
}

// Codec is the buffer-queue protocol of one codec instance. Index-returning
// calls give a buffer index >= 0 or one of the Info* status codes.
// Implementations are not safe for concurrent use.
type Codec interface {
	Name() string

	// Configure prepares the codec. Decoders render to surface; encoders are
	// passed a nil surface and expose CreateInputSurface instead.
	Configure(format Format, surface Surface) error
	CreateInputSurface() (InputSurface, error)
	Start() error

	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) []byte
	QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlags) error
	SignalEndOfInputStream() error

	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	OutputFormat() Format
	OutputBuffer(index int) []byte
	ReleaseOutputBuffer(index int, render bool) error

	Stop() error
	Release()
}
