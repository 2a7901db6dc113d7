package mp4

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/util"
)

type writerState int

const (
	stateOpen writerState = iota
	stateFinalized
	stateAborted
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithVideoTimescale sets the media timescale of video tracks.
func WithVideoTimescale(ts uint32) WriterOption {
	return func(w *Writer) {
		if ts > 0 {
			w.videoTimescale = ts
		}
	}
}

// WithCreationTime stamps the movie and track headers.
func WithCreationTime(t time.Time) WriterOption {
	return func(w *Writer) { w.created = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// Writer streams samples of several tracks into one MP4 file. It is owned
// by a single goroutine for its whole life.
type Writer struct {
	path   string
	file   *os.File
	blob   *DataBlob
	header int64 // offset of the reserved mdat header area

	tracks         []*track
	rotation       int
	videoTimescale uint32
	created        time.Time
	state          writerState
	logger         *slog.Logger
}

// NewWriter creates path and writes the file type box followed by a
// placeholder for the mdat header.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		path:           path,
		videoTimescale: DefaultVideoTimescale,
		created:        time.Now(),
		logger:         util.GetLogger(),
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("component", "mp4-writer", "path", path)

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create container file")
	}
	w.file = f

	bw := newBoxWriter(f)
	if _, err := bw.writeBox(&gomp4.Ftyp{ // <ftyp/>
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 512,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'a', 'v', 'c', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}); err != nil {
		w.closeAndRemove()
		return nil, errors.Wrap(err, "write ftyp")
	}

	w.header, err = f.Seek(0, io.SeekCurrent)
	if err != nil {
		w.closeAndRemove()
		return nil, errors.Wrap(err, "locate mdat")
	}
	if _, err := f.Write(placeholderHeader()); err != nil {
		w.closeAndRemove()
		return nil, errors.Wrap(err, "reserve mdat header")
	}
	w.blob = newDataBlob(f, uint64(w.header)+mdatReserve)
	return w, nil
}

// Path is the file being written.
func (w *Writer) Path() string { return w.path }

// BytesWritten is the number of sample bytes in the blob so far.
func (w *Writer) BytesWritten() uint64 { return w.blob.Size() }

// AddTrack registers a track and returns its index. Tracks must be added
// before the first sample of that track; boxes follow index order.
func (w *Writer) AddTrack(format Format) (uint16, error) {
	if w.state != stateOpen {
		return 0, ErrFinalized
	}
	if err := format.validate(); err != nil {
		return 0, err
	}
	for _, t := range w.tracks {
		if t.format.Kind == format.Kind {
			return 0, fmt.Errorf("mp4: %s track already added", format.Kind)
		}
	}
	t := &track{
		index:  uint16(len(w.tracks)),
		format: format,
	}
	switch {
	case format.Timescale > 0:
		t.timescale = format.Timescale
	case format.Kind == KindAudio:
		t.timescale = uint32(format.SampleRate)
	default:
		t.timescale = w.videoTimescale
	}
	w.tracks = append(w.tracks, t)
	w.logger.Debug("track added", "track", t.index, "kind", format.Kind.String(), "timescale", t.timescale)
	return t.index, nil
}

// WriteSample appends data to the blob and records it in the track. A
// sample must hold between 1 byte and 4 GiB - 1 so that sample offsets
// strictly increase and sizes fit stsz.
func (w *Writer) WriteSample(trackIndex uint16, data []byte, ptsUs int64, keyframe bool) error {
	if w.state != stateOpen {
		return ErrFinalized
	}
	if int(trackIndex) >= len(w.tracks) {
		return errors.Wrapf(ErrUnknownTrack, "track %d", trackIndex)
	}
	if len(data) == 0 || uint64(len(data)) > math.MaxUint32 {
		return errors.Wrapf(ErrSampleSize, "track %d: %d bytes", trackIndex, len(data))
	}
	off, err := w.blob.Append(data)
	if err != nil {
		return errors.Wrap(err, "append sample")
	}
	return w.tracks[trackIndex].table.Append(Sample{
		Offset:   off,
		Size:     uint32(len(data)),
		PTS:      ptsUs,
		Keyframe: keyframe,
	})
}

// SetRotation records the display rotation of the video track.
func (w *Writer) SetRotation(deg int) error {
	if w.state != stateOpen {
		return ErrFinalized
	}
	if _, ok := RotationMatrix(deg); !ok {
		return fmt.Errorf("mp4: unsupported rotation %d", deg)
	}
	w.rotation = deg
	return nil
}

// Tracks returns the sample tables in index order.
func (w *Writer) Tracks() []*SampleTable {
	out := make([]*SampleTable, len(w.tracks))
	for i, t := range w.tracks {
		out[i] = &t.table
	}
	return out
}

// Finalize patches the mdat size, appends moov and closes the file. It
// returns the file path. The writer cannot be used afterwards.
func (w *Writer) Finalize() (string, error) {
	if w.state != stateOpen {
		return "", ErrFinalized
	}
	w.state = stateFinalized

	if err := w.blob.seal(); err != nil {
		w.closeAndRemove()
		return "", errors.Wrap(err, "flush samples")
	}
	for _, t := range w.tracks {
		t.table.seal()
	}

	if _, err := w.file.WriteAt(mdatHeader(w.blob.Size()), w.header); err != nil {
		w.closeAndRemove()
		return "", errors.Wrap(err, "patch mdat header")
	}

	moov, err := marshalMoov(movie{created: w.created, rotation: w.rotation, tracks: w.tracks})
	if err != nil {
		w.closeAndRemove()
		return "", errors.Wrap(err, "marshal moov")
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		w.closeAndRemove()
		return "", errors.Wrap(err, "seek end")
	}
	if _, err := w.file.Write(moov); err != nil {
		w.closeAndRemove()
		return "", errors.Wrap(err, "write moov")
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path)
		return "", errors.Wrap(err, "close container file")
	}

	w.logger.Debug("finalized", "size", w.blob.Size(), "moov", len(moov), "tracks", len(w.tracks))
	return w.path, nil
}

// Abort closes and removes the file. Safe to call in any state; after a
// successful Finalize the file is kept.
func (w *Writer) Abort() {
	if w.state != stateOpen {
		return
	}
	w.state = stateAborted
	w.closeAndRemove()
}

func (w *Writer) closeAndRemove() {
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove container file", "error", err)
	}
}
