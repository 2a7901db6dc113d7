package mp4

import (
	"math"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"
)

const (
	objectTypeIndicationAudioISO14496part3 = 0x40
	streamTypeAudioStream                  = 0x05

	// AAC frames carry 1024 samples.
	aacFrameSamples = 1024
)

var mp4Epoch = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

func mp4Time(t time.Time) uint32 {
	s := t.Sub(mp4Epoch) / time.Second
	if s < 0 || s > math.MaxUint32 {
		return 0
	}
	return uint32(s)
}

// track is one output track while the writer is open.
type track struct {
	index     uint16
	format    Format
	timescale uint32
	table     SampleTable
}

func (t *track) id() uint32 { return uint32(t.index) + 1 }

// defaultDelta is the duration given to a lone sample.
func (t *track) defaultDelta() uint32 {
	if t.format.Kind == KindAudio {
		return aacFrameSamples
	}
	fps := t.format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return t.timescale / uint32(fps)
}

// timeline is the timing of a track as marshalled: its sample timing plus
// the edit list that puts the earliest sample at its presentation time.
type timeline struct {
	Timing
	timescale uint32
	// delay is the empty edit in movie timescale units.
	delay uint64
	// mediaTime is the first presented media time.
	mediaTime int64
}

func (t *track) timeline() (timeline, error) {
	tm, err := t.table.Timing(t.timescale, t.defaultDelta())
	if err != nil {
		return timeline{}, errors.WithMessagef(err, "track %d", t.id())
	}
	tl := timeline{Timing: tm, timescale: t.timescale}
	switch {
	case tm.Start > 0:
		// The empty edit has movie precision; the media edit skips what it
		// overshoots.
		ts := uint64(t.timescale)
		tl.delay = (uint64(tm.Start)*movieTimescale + ts - 1) / ts
		back := int64(math.Round(float64(tl.delay) * float64(ts) / movieTimescale))
		tl.mediaTime = max(back-tm.Start, 0)
	case tm.Start < 0:
		tl.mediaTime = -tm.Start
	}
	return tl, nil
}

// edited reports whether the track needs an edit list.
func (tl timeline) edited() bool { return tl.Start != 0 }

// segmentDuration is the presented part of the media in movie units.
func (tl timeline) segmentDuration() uint64 {
	d := tl.Duration()
	if m := uint64(tl.mediaTime); m < d {
		d -= m
	} else {
		d = 0
	}
	return d * movieTimescale / uint64(tl.timescale)
}

// movieDuration is the track duration in movie units, empty edit included.
func (tl timeline) movieDuration() uint64 {
	return tl.delay + tl.segmentDuration()
}

type movie struct {
	created  time.Time
	rotation int
	tracks   []*track
}

// marshalMoov serializes the complete moov box. Tracks without samples are
// left out.
func marshalMoov(m movie) ([]byte, error) {
	/*
		|moov|
		|    |mvhd|
		|    |trak| ...
	*/
	var buf seekablebuffer.Buffer
	w := newBoxWriter(&buf)

	var tracks []*track
	var timelines []timeline
	var duration uint64
	var nextID uint32 = 1
	for _, t := range m.tracks {
		if t.table.Len() == 0 {
			continue
		}
		tl, err := t.timeline()
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		timelines = append(timelines, tl)
		if d := tl.movieDuration(); d > duration {
			duration = d
		}
		if t.id() >= nextID {
			nextID = t.id() + 1
		}
	}

	if _, err := w.writeBoxStart(&gomp4.Moov{}); err != nil { // <moov>
		return nil, err
	}

	created := mp4Time(m.created)
	mvhd := &gomp4.Mvhd{
		CreationTimeV0:     created,
		ModificationTimeV0: created,
		Timescale:          movieTimescale,
		Rate:               0x10000,
		Volume:             0x100,
		Matrix:             [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		NextTrackID:        nextID,
	}
	setMvhdDuration(mvhd, duration)
	if _, err := w.writeBox(mvhd); err != nil { // <mvhd/>
		return nil, err
	}

	for i, t := range tracks {
		if err := marshalTrak(w, t, timelines[i], m.rotation, created); err != nil {
			return nil, err
		}
	}

	if err := w.writeBoxEnd(); err != nil { // </moov>
		return nil, err
	}
	return buf.Bytes(), nil
}

func setMvhdDuration(b *gomp4.Mvhd, d uint64) {
	if d > math.MaxUint32 {
		b.SetVersion(1)
		b.CreationTimeV1 = uint64(b.CreationTimeV0)
		b.ModificationTimeV1 = uint64(b.ModificationTimeV0)
		b.DurationV1 = d
		return
	}
	b.DurationV0 = uint32(d)
}

func marshalTrak(w *boxWriter, t *track, tl timeline, rotation int, created uint32) error {
	/*
		|trak|
		|    |tkhd|
		|    |edts| (when the first sample is not at zero)
		|    |    |elst|
		|    |mdia|
		|    |    |mdhd|
		|    |    |hdlr|
		|    |    |minf|
		|    |    |    |vmhd| (video)
		|    |    |    |smhd| (audio)
		|    |    |    |dinf|
		|    |    |    |    |dref|
		|    |    |    |    |    |url|
		|    |    |    |stbl|
		|    |    |    |    |stsd|
		|    |    |    |    |    |avc1|
		|    |    |    |    |    |    |avcC|
		|    |    |    |    |    |mp4a|
		|    |    |    |    |    |    |esds|
		|    |    |    |    |stts|
		|    |    |    |    |ctts| (when samples are out of decode order)
		|    |    |    |    |stss| (when not every sample is sync)
		|    |    |    |    |stsc|
		|    |    |    |    |stsz|
		|    |    |    |    |stco| or |co64|
	*/
	if _, err := w.writeBoxStart(&gomp4.Trak{}); err != nil { // <trak>
		return err
	}

	video := t.format.Kind == KindVideo
	tkhd := &gomp4.Tkhd{
		FullBox: gomp4.FullBox{
			Flags: [3]byte{0, 0, 3},
		},
		CreationTimeV0:     created,
		ModificationTimeV0: created,
		TrackID:            t.id(),
		Matrix:             rotationMatrices[0],
	}
	if d := tl.movieDuration(); d > math.MaxUint32 {
		tkhd.SetVersion(1)
		tkhd.CreationTimeV1 = uint64(created)
		tkhd.ModificationTimeV1 = uint64(created)
		tkhd.DurationV1 = d
	} else {
		tkhd.DurationV0 = uint32(d)
	}
	if video {
		tkhd.Width = uint32(t.format.Width * 65536)
		tkhd.Height = uint32(t.format.Height * 65536)
		if m, ok := RotationMatrix(rotation); ok {
			tkhd.Matrix = m
		}
	} else {
		tkhd.AlternateGroup = 1
		tkhd.Volume = 256
	}
	if _, err := w.writeBox(tkhd); err != nil { // <tkhd/>
		return err
	}

	if tl.edited() {
		if _, err := w.writeBoxStart(&gomp4.Edts{}); err != nil { // <edts>
			return err
		}
		if _, err := w.writeBox(marshalElst(tl)); err != nil { // <elst/>
			return err
		}
		if err := w.writeBoxEnd(); err != nil { // </edts>
			return err
		}
	}

	if _, err := w.writeBoxStart(&gomp4.Mdia{}); err != nil { // <mdia>
		return err
	}

	mdhd := &gomp4.Mdhd{
		CreationTimeV0:     created,
		ModificationTimeV0: created,
		Timescale:          t.timescale,
		Language:           [3]byte{'u', 'n', 'd'},
	}
	if d := tl.Duration(); d > math.MaxUint32 {
		mdhd.SetVersion(1)
		mdhd.CreationTimeV1 = uint64(created)
		mdhd.ModificationTimeV1 = uint64(created)
		mdhd.DurationV1 = d
	} else {
		mdhd.DurationV0 = uint32(d)
	}
	if _, err := w.writeBox(mdhd); err != nil { // <mdhd/>
		return err
	}

	hdlr := &gomp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandler"}
	if video {
		hdlr = &gomp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}
	}
	if _, err := w.writeBox(hdlr); err != nil { // <hdlr/>
		return err
	}

	if _, err := w.writeBoxStart(&gomp4.Minf{}); err != nil { // <minf>
		return err
	}

	var mhd gomp4.IImmutableBox = &gomp4.Smhd{}
	if video {
		mhd = &gomp4.Vmhd{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}}
	}
	if _, err := w.writeBox(mhd); err != nil { // <vmhd/> or <smhd/>
		return err
	}

	if _, err := w.writeBoxStart(&gomp4.Dinf{}); err != nil { // <dinf>
		return err
	}
	if _, err := w.writeBoxStart(&gomp4.Dref{EntryCount: 1}); err != nil { // <dref>
		return err
	}
	if _, err := w.writeBox(&gomp4.Url{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}}); err != nil { // <url/>
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </dref>
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </dinf>
		return err
	}

	if _, err := w.writeBoxStart(&gomp4.Stbl{}); err != nil { // <stbl>
		return err
	}
	if err := marshalStsd(w, t); err != nil {
		return err
	}
	if err := marshalSampleTables(w, t, tl); err != nil {
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </stbl>
		return err
	}

	if err := w.writeBoxEnd(); err != nil { // </minf>
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // </mdia>
		return err
	}
	return w.writeBoxEnd() // </trak>
}

func marshalStsd(w *boxWriter, t *track) error {
	if _, err := w.writeBoxStart(&gomp4.Stsd{EntryCount: 1}); err != nil { // <stsd>
		return err
	}

	f := t.format
	switch f.Kind {
	case KindVideo:
		_, err := w.writeBoxStart(&gomp4.VisualSampleEntry{ // <avc1>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: gomp4.BoxTypeAvc1()},
				DataReferenceIndex: 1,
			},
			Width:           uint16(f.Width),
			Height:          uint16(f.Height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})
		if err != nil {
			return err
		}
		_, err = w.writeBox(&gomp4.AVCDecoderConfiguration{ // <avcC/>
			AnyTypeBox:                 gomp4.AnyTypeBox{Type: gomp4.BoxTypeAvcC()},
			ConfigurationVersion:       1,
			Profile:                    f.SPS[1],
			ProfileCompatibility:       f.SPS[2],
			Level:                      f.SPS[3],
			LengthSizeMinusOne:         3,
			NumOfSequenceParameterSets: 1,
			SequenceParameterSets: []gomp4.AVCParameterSet{
				{Length: uint16(len(f.SPS)), NALUnit: f.SPS},
			},
			NumOfPictureParameterSets: 1,
			PictureParameterSets: []gomp4.AVCParameterSet{
				{Length: uint16(len(f.PPS)), NALUnit: f.PPS},
			},
		})
		if err != nil {
			return err
		}

	case KindAudio:
		_, err := w.writeBoxStart(&gomp4.AudioSampleEntry{ // <mp4a>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: gomp4.BoxTypeMp4a()},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(f.Channels),
			SampleSize:   16,
			SampleRate:   uint32(f.SampleRate * 65536),
		})
		if err != nil {
			return err
		}
		asc := f.AudioConfig
		_, err = w.writeBox(&gomp4.Esds{ // <esds/>
			Descriptors: []gomp4.Descriptor{
				{
					Tag:          gomp4.ESDescrTag,
					Size:         32 + uint32(len(asc)),
					ESDescriptor: &gomp4.ESDescriptor{ESID: uint16(t.id())},
				},
				{
					Tag:  gomp4.DecoderConfigDescrTag,
					Size: 18 + uint32(len(asc)),
					DecoderConfigDescriptor: &gomp4.DecoderConfigDescriptor{
						ObjectTypeIndication: objectTypeIndicationAudioISO14496part3,
						StreamType:           streamTypeAudioStream,
						Reserved:             true,
					},
				},
				{
					Tag:  gomp4.DecSpecificInfoTag,
					Size: uint32(len(asc)),
					Data: asc,
				},
				{
					Tag:  gomp4.SLConfigDescrTag,
					Size: 1,
					Data: []byte{0x02},
				},
			},
		})
		if err != nil {
			return err
		}
	}

	if err := w.writeBoxEnd(); err != nil { // </avc1> or </mp4a>
		return err
	}
	return w.writeBoxEnd() // </stsd>
}

// marshalElst builds the edit list of an edited track: an empty edit while
// the track has not started yet, then the media from mediaTime onward.
func marshalElst(tl timeline) *gomp4.Elst {
	var entries []gomp4.ElstEntry
	if tl.delay > 0 {
		entries = append(entries, gomp4.ElstEntry{ // pause
			SegmentDurationV1: tl.delay,
			MediaTimeV1:       -1,
			MediaRateInteger:  1,
		})
	}
	entries = append(entries, gomp4.ElstEntry{ // presentation
		SegmentDurationV1: tl.segmentDuration(),
		MediaTimeV1:       tl.mediaTime,
		MediaRateInteger:  1,
	})

	elst := &gomp4.Elst{EntryCount: uint32(len(entries)), Entries: entries}
	for _, e := range entries {
		if e.SegmentDurationV1 > math.MaxUint32 || e.MediaTimeV1 > math.MaxInt32 {
			elst.SetVersion(1)
			return elst
		}
	}
	for i := range entries {
		entries[i].SegmentDurationV0 = uint32(entries[i].SegmentDurationV1)
		entries[i].MediaTimeV0 = int32(entries[i].MediaTimeV1)
	}
	return elst
}

func marshalSampleTables(w *boxWriter, t *track, tl timeline) error {
	stts := tl.TimeToSample()
	if _, err := w.writeBox(&gomp4.Stts{ // <stts/>
		EntryCount: uint32(len(stts)),
		Entries:    stts,
	}); err != nil {
		return err
	}

	if ctts := tl.CompositionOffsets(); ctts != nil {
		cttsBox := &gomp4.Ctts{EntryCount: uint32(len(ctts)), Entries: ctts}
		cttsBox.SetVersion(1)
		if _, err := w.writeBox(cttsBox); err != nil { // <ctts/>
			return err
		}
	}

	if sync := t.table.SyncSamples(); sync != nil {
		if _, err := w.writeBox(&gomp4.Stss{ // <stss/>
			EntryCount:   uint32(len(sync)),
			SampleNumber: sync,
		}); err != nil {
			return err
		}
	}

	chunks := t.table.Chunks()
	stsc := SampleToChunk(chunks)
	if _, err := w.writeBox(&gomp4.Stsc{ // <stsc/>
		EntryCount: uint32(len(stsc)),
		Entries:    stsc,
	}); err != nil {
		return err
	}

	constant, sizes := t.table.Sizes()
	if _, err := w.writeBox(&gomp4.Stsz{ // <stsz/>
		SampleSize:  constant,
		SampleCount: uint32(t.table.Len()),
		EntrySize:   sizes,
	}); err != nil {
		return err
	}

	if NeedsCo64(chunks) {
		offsets := make([]uint64, len(chunks))
		for i, c := range chunks {
			offsets[i] = c.Offset
		}
		_, err := w.writeBox(&gomp4.Co64{ // <co64/>
			EntryCount:  uint32(len(offsets)),
			ChunkOffset: offsets,
		})
		return err
	}
	offsets := make([]uint32, len(chunks))
	for i, c := range chunks {
		offsets[i] = uint32(c.Offset)
	}
	_, err := w.writeBox(&gomp4.Stco{ // <stco/>
		EntryCount:  uint32(len(offsets)),
		ChunkOffset: offsets,
	})
	return err
}
