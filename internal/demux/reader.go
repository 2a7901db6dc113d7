// Package demux reads the tracks and samples of an MP4 source file.
package demux

import (
	"fmt"
	"io"
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/mp4"
)

// Track is one demuxed track with its sample index.
type Track struct {
	ID        uint32
	Kind      mp4.Kind
	Codec     string // sample entry fourcc
	Timescale uint32
	Duration  uint64 // media timescale units

	// Video
	Width    int
	Height   int
	Rotation int
	SPS      []byte
	PPS      []byte

	// Audio
	SampleRate  int
	Channels    int
	AudioConfig []byte

	// Samples in decode order with absolute file offsets and
	// presentation times in microseconds.
	Samples []mp4.Sample
}

// DurationUs is the track duration in microseconds.
func (t *Track) DurationUs() int64 {
	if t.Timescale == 0 {
		return 0
	}
	return int64(t.Duration * 1_000_000 / uint64(t.Timescale))
}

// Bytes is the total payload size of the track.
func (t *Track) Bytes() uint64 {
	var n uint64
	for _, s := range t.Samples {
		n += uint64(s.Size)
	}
	return n
}

// Source is an open MP4 file.
type Source struct {
	file   *os.File
	Tracks []*Track
}

// Open parses the moov of path and indexes every track.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	tracks, err := readTracks(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return &Source{file: f, Tracks: tracks}, nil
}

// Video returns the first video track, or nil.
func (s *Source) Video() *Track { return s.first(mp4.KindVideo) }

// Audio returns the first audio track, or nil.
func (s *Source) Audio() *Track { return s.first(mp4.KindAudio) }

func (s *Source) first(k mp4.Kind) *Track {
	for _, t := range s.Tracks {
		if t.Kind == k {
			return t
		}
	}
	return nil
}

// ReadSample reads the payload of smp into buf, growing it when needed.
func (s *Source) ReadSample(smp mp4.Sample, buf []byte) ([]byte, error) {
	if cap(buf) < int(smp.Size) {
		buf = make([]byte, smp.Size)
	}
	buf = buf[:smp.Size]
	if _, err := s.file.ReadAt(buf, int64(smp.Offset)); err != nil {
		return nil, errors.Wrapf(err, "read sample at %d", smp.Offset)
	}
	return buf, nil
}

// Close releases the file.
func (s *Source) Close() error { return s.file.Close() }

func stblPath(t ...gomp4.BoxType) gomp4.BoxPath {
	p := gomp4.BoxPath{gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl()}
	return append(p, t...)
}

func stsdPath(t ...gomp4.BoxType) gomp4.BoxPath {
	return stblPath(append([]gomp4.BoxType{gomp4.BoxTypeStsd()}, t...)...)
}

func readTracks(r io.ReadSeeker) ([]*Track, error) {
	var movieTimescale uint32
	mvhds, err := gomp4.ExtractBoxWithPayload(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeMvhd()})
	if err != nil {
		return nil, err
	}
	if len(mvhds) > 0 {
		movieTimescale = mvhds[0].Payload.(*gomp4.Mvhd).Timescale
	}

	traks, err := gomp4.ExtractBoxes(r, nil, []gomp4.BoxPath{{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak()}})
	if err != nil {
		return nil, err
	}
	if len(traks) == 0 {
		return nil, fmt.Errorf("no tracks")
	}
	var tracks []*Track
	for _, bi := range traks {
		t, err := readTrak(r, bi, movieTimescale)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks, nil
}

// readTrak returns nil for tracks that are neither video nor audio.
func readTrak(r io.ReadSeeker, bi *gomp4.BoxInfo, movieTimescale uint32) (*Track, error) {
	bips, err := gomp4.ExtractBoxesWithPayload(r, bi, []gomp4.BoxPath{
		{gomp4.BoxTypeTkhd()},
		{gomp4.BoxTypeEdts(), gomp4.BoxTypeElst()},
		{gomp4.BoxTypeMdia(), gomp4.BoxTypeMdhd()},
		{gomp4.BoxTypeMdia(), gomp4.BoxTypeHdlr()},
		stsdPath(gomp4.BoxTypeAvc1()),
		stsdPath(gomp4.BoxTypeAvc1(), gomp4.BoxTypeAvcC()),
		stsdPath(gomp4.BoxTypeMp4a()),
		stsdPath(gomp4.BoxTypeMp4a(), gomp4.BoxTypeEsds()),
		stsdPath(gomp4.BoxTypeMp4a(), gomp4.BoxTypeWave(), gomp4.BoxTypeEsds()),
		stblPath(gomp4.BoxTypeStts()),
		stblPath(gomp4.BoxTypeCtts()),
		stblPath(gomp4.BoxTypeStss()),
		stblPath(gomp4.BoxTypeStsc()),
		stblPath(gomp4.BoxTypeStsz()),
		stblPath(gomp4.BoxTypeStco()),
		stblPath(gomp4.BoxTypeCo64()),
	})
	if err != nil {
		return nil, err
	}

	var (
		tkhd *gomp4.Tkhd
		elst *gomp4.Elst
		mdhd *gomp4.Mdhd
		hdlr *gomp4.Hdlr
		avc1 *gomp4.VisualSampleEntry
		avcC *gomp4.AVCDecoderConfiguration
		mp4a *gomp4.AudioSampleEntry
		esds *gomp4.Esds
		stts *gomp4.Stts
		ctts *gomp4.Ctts
		stss *gomp4.Stss
		stsc *gomp4.Stsc
		stsz *gomp4.Stsz
		stco *gomp4.Stco
		co64 *gomp4.Co64
	)
	for _, bip := range bips {
		switch bip.Info.Type {
		case gomp4.BoxTypeTkhd():
			tkhd = bip.Payload.(*gomp4.Tkhd)
		case gomp4.BoxTypeElst():
			elst = bip.Payload.(*gomp4.Elst)
		case gomp4.BoxTypeMdhd():
			mdhd = bip.Payload.(*gomp4.Mdhd)
		case gomp4.BoxTypeHdlr():
			hdlr = bip.Payload.(*gomp4.Hdlr)
		case gomp4.BoxTypeAvc1():
			avc1 = bip.Payload.(*gomp4.VisualSampleEntry)
		case gomp4.BoxTypeAvcC():
			avcC = bip.Payload.(*gomp4.AVCDecoderConfiguration)
		case gomp4.BoxTypeMp4a():
			mp4a = bip.Payload.(*gomp4.AudioSampleEntry)
		case gomp4.BoxTypeEsds():
			esds = bip.Payload.(*gomp4.Esds)
		case gomp4.BoxTypeStts():
			stts = bip.Payload.(*gomp4.Stts)
		case gomp4.BoxTypeCtts():
			ctts = bip.Payload.(*gomp4.Ctts)
		case gomp4.BoxTypeStss():
			stss = bip.Payload.(*gomp4.Stss)
		case gomp4.BoxTypeStsc():
			stsc = bip.Payload.(*gomp4.Stsc)
		case gomp4.BoxTypeStsz():
			stsz = bip.Payload.(*gomp4.Stsz)
		case gomp4.BoxTypeStco():
			stco = bip.Payload.(*gomp4.Stco)
		case gomp4.BoxTypeCo64():
			co64 = bip.Payload.(*gomp4.Co64)
		}
	}

	if tkhd == nil || mdhd == nil || hdlr == nil {
		return nil, fmt.Errorf("trak at %d: missing tkhd, mdhd or hdlr", bi.Offset)
	}

	t := &Track{
		ID:        tkhd.TrackID,
		Timescale: mdhd.Timescale,
		Duration:  mdhd.GetDuration(),
	}
	switch string(hdlr.HandlerType[:]) {
	case "vide":
		t.Kind = mp4.KindVideo
		t.Width = int(tkhd.GetWidthInt())
		t.Height = int(tkhd.GetHeightInt())
		t.Rotation = mp4.RotationFromMatrix(tkhd.Matrix)
		if avc1 != nil {
			t.Codec = "avc1"
			t.Width, t.Height = int(avc1.Width), int(avc1.Height)
		}
		if avcC != nil {
			if len(avcC.SequenceParameterSets) > 0 {
				t.SPS = avcC.SequenceParameterSets[0].NALUnit
			}
			if len(avcC.PictureParameterSets) > 0 {
				t.PPS = avcC.PictureParameterSets[0].NALUnit
			}
		}
	case "soun":
		t.Kind = mp4.KindAudio
		if mp4a != nil {
			t.Codec = "mp4a"
			t.Channels = int(mp4a.ChannelCount)
			t.SampleRate = int(mp4a.GetSampleRateInt())
		}
		if esds != nil {
			if err := t.readAudioConfig(esds); err != nil {
				return nil, err
			}
		}
	default:
		return nil, nil
	}

	if stts == nil || stsc == nil || stsz == nil || (stco == nil && co64 == nil) {
		return nil, fmt.Errorf("track %d: incomplete sample table", t.ID)
	}
	mediaTime, delayUs := presentationShift(elst, movieTimescale)
	samples, err := buildSamples(t.Timescale, mediaTime, delayUs, stts, ctts, stss, stsc, stsz, chunkOffsets(stco, co64))
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}
	t.Samples = samples
	return t, nil
}

func (t *Track) readAudioConfig(esds *gomp4.Esds) error {
	for _, d := range esds.Descriptors {
		if d.Tag != gomp4.DecSpecificInfoTag {
			continue
		}
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(d.Data); err != nil {
			return fmt.Errorf("track %d: audio specific config: %w", t.ID, err)
		}
		t.AudioConfig = d.Data
		t.SampleRate = asc.SampleRate
		t.Channels = asc.ChannelCount
		return nil
	}
	return nil
}

func chunkOffsets(stco *gomp4.Stco, co64 *gomp4.Co64) []uint64 {
	if co64 != nil {
		return co64.ChunkOffset
	}
	out := make([]uint64, len(stco.ChunkOffset))
	for i, o := range stco.ChunkOffset {
		out[i] = uint64(o)
	}
	return out
}

// presentationShift reads an edit list: the media time presentation starts
// at, and the empty edits before it in microseconds. Only the first media
// edit is honoured.
func presentationShift(elst *gomp4.Elst, movieTimescale uint32) (mediaTime int64, delayUs int64) {
	if elst == nil {
		return 0, 0
	}
	for i := range elst.Entries {
		if mt := elst.GetMediaTime(i); mt != -1 {
			return mt, delayUs
		}
		if movieTimescale > 0 {
			delayUs += int64(elst.GetSegmentDuration(i) * 1_000_000 / uint64(movieTimescale))
		}
	}
	return 0, delayUs
}

func buildSamples(
	timescale uint32,
	mediaTime int64,
	delayUs int64,
	stts *gomp4.Stts,
	ctts *gomp4.Ctts,
	stss *gomp4.Stss,
	stsc *gomp4.Stsc,
	stsz *gomp4.Stsz,
	chunks []uint64,
) ([]mp4.Sample, error) {
	n := int(stsz.SampleCount)
	samples := make([]mp4.Sample, n)
	if timescale == 0 {
		return nil, fmt.Errorf("zero timescale")
	}

	for i := range samples {
		if stsz.SampleSize != 0 {
			samples[i].Size = stsz.SampleSize
		} else if i < len(stsz.EntrySize) {
			samples[i].Size = stsz.EntrySize[i]
		}
		samples[i].Keyframe = stss == nil
	}
	if stss != nil {
		for _, num := range stss.SampleNumber {
			if num >= 1 && int(num) <= n {
				samples[num-1].Keyframe = true
			}
		}
	}

	// Decode times, then composition offsets.
	ts := make([]int64, n)
	var dts int64
	i := 0
	for _, e := range stts.Entries {
		for k := uint32(0); k < e.SampleCount && i < n; k++ {
			ts[i] = dts
			dts += int64(e.SampleDelta)
			i++
		}
	}
	if ctts != nil {
		i = 0
		for ci, e := range ctts.Entries {
			for k := uint32(0); k < e.SampleCount && i < n; k++ {
				ts[i] += ctts.GetSampleOffset(ci)
				i++
			}
		}
	}
	for i := range samples {
		samples[i].PTS = (ts[i]-mediaTime)*1_000_000/int64(timescale) + delayUs
	}

	// Chunk offsets.
	i = 0
	for ci, off := range chunks {
		per := samplesPerChunk(stsc, uint32(ci+1))
		for k := uint32(0); k < per && i < n; k++ {
			samples[i].Offset = off
			off += uint64(samples[i].Size)
			i++
		}
	}
	if i != n {
		return nil, fmt.Errorf("chunk table covers %d of %d samples", i, n)
	}
	return samples, nil
}

// samplesPerChunk looks up the stsc run that covers 1-based chunk.
func samplesPerChunk(stsc *gomp4.Stsc, chunk uint32) uint32 {
	var per uint32
	for _, e := range stsc.Entries {
		if e.FirstChunk > chunk {
			break
		}
		per = e.SamplesPerChunk
	}
	return per
}
