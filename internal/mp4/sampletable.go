package mp4

import (
	"math"
	"slices"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// Sample locates one access unit inside the file.
type Sample struct {
	Offset   uint64 // absolute file offset
	Size     uint32
	PTS      int64 // microseconds
	Keyframe bool
}

// Chunk is a run of samples stored back to back.
type Chunk struct {
	Offset  uint64
	Samples uint32
}

// SampleTable is the ordered list of samples of one track and the source of
// every derived stbl table.
type SampleTable struct {
	samples   []Sample
	finalized bool
}

// Append records s. Samples of a track must be appended in write order.
func (t *SampleTable) Append(s Sample) error {
	if t.finalized {
		return ErrFinalized
	}
	t.samples = append(t.samples, s)
	return nil
}

// Len is the number of recorded samples.
func (t *SampleTable) Len() int { return len(t.samples) }

// Samples returns the recorded samples. The slice must not be modified.
func (t *SampleTable) Samples() []Sample { return t.samples }

func (t *SampleTable) seal() { t.finalized = true }

// ticks converts a presentation time to the track timescale.
func ticks(ptsUs int64, timescale uint32) int64 {
	return int64(math.Round(float64(ptsUs) * float64(timescale) / 1e6))
}

// Timing is the decode timeline of a track in timescale units, derived from
// the presentation timestamps of its samples.
type Timing struct {
	// Deltas are the decode durations written to stts.
	Deltas []uint32
	// Offsets are the composition offsets written to ctts. Nil when every
	// sample is presented at its decode time.
	Offsets []int32
	// Start is the earliest presentation time. Media time zero maps to it.
	Start int64
}

// Timing derives decode times from presentation times. Decode times are the
// sorted presentation times, bumped by one tick wherever two samples would
// share one. The last sample repeats the previous delta, or lasts
// defaultDelta when it is the only one.
func (t *SampleTable) Timing(timescale uint32, defaultDelta uint32) (Timing, error) {
	n := len(t.samples)
	if n == 0 {
		return Timing{}, nil
	}
	pts := make([]int64, n)
	for i, s := range t.samples {
		pts[i] = ticks(s.PTS, timescale)
	}
	dts := slices.Clone(pts)
	slices.Sort(dts)
	for i := 1; i < n; i++ {
		if dts[i] <= dts[i-1] {
			dts[i] = dts[i-1] + 1
		}
	}

	tm := Timing{Deltas: make([]uint32, n), Start: dts[0]}
	tm.Deltas[n-1] = defaultDelta
	for i := 0; i < n-1; i++ {
		d := dts[i+1] - dts[i]
		if d > math.MaxUint32 {
			return Timing{}, errors.Wrapf(ErrTimestampRange, "gap of %d ticks after sample %d", d, i)
		}
		tm.Deltas[i] = uint32(d)
		tm.Deltas[n-1] = tm.Deltas[i]
	}

	for i := range pts {
		off := pts[i] - dts[i]
		if off == 0 && tm.Offsets == nil {
			continue
		}
		if off < math.MinInt32 || off > math.MaxInt32 {
			return Timing{}, errors.Wrapf(ErrTimestampRange, "sample %d is %d ticks out of order", i, off)
		}
		if tm.Offsets == nil {
			tm.Offsets = make([]int32, n)
		}
		tm.Offsets[i] = int32(off)
	}
	return tm, nil
}

// Duration is the media duration, the sum of Deltas.
func (tm Timing) Duration() uint64 {
	var total uint64
	for _, d := range tm.Deltas {
		total += uint64(d)
	}
	return total
}

// TimeToSample run-length encodes Deltas into stts entries.
func (tm Timing) TimeToSample() []gomp4.SttsEntry {
	var entries []gomp4.SttsEntry
	for _, d := range tm.Deltas {
		if last := len(entries) - 1; last >= 0 && entries[last].SampleDelta == d {
			entries[last].SampleCount++
			continue
		}
		entries = append(entries, gomp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	return entries
}

// CompositionOffsets run-length encodes Offsets into version 1 ctts
// entries. It returns nil when ctts is not needed.
func (tm Timing) CompositionOffsets() []gomp4.CttsEntry {
	var entries []gomp4.CttsEntry
	for _, off := range tm.Offsets {
		if last := len(entries) - 1; last >= 0 && entries[last].SampleOffsetV1 == off {
			entries[last].SampleCount++
			continue
		}
		entries = append(entries, gomp4.CttsEntry{SampleCount: 1, SampleOffsetV1: off})
	}
	return entries
}

// SyncSamples lists the 1-based numbers of keyframes. It returns nil when
// every sample is a keyframe, in which case stss is omitted.
func (t *SampleTable) SyncSamples() []uint32 {
	var sync []uint32
	for i, s := range t.samples {
		if s.Keyframe {
			sync = append(sync, uint32(i+1))
		}
	}
	if len(sync) == len(t.samples) {
		return nil
	}
	if sync == nil {
		sync = []uint32{}
	}
	return sync
}

// Chunks groups samples that are contiguous in the file.
func (t *SampleTable) Chunks() []Chunk {
	var chunks []Chunk
	var next uint64
	for i, s := range t.samples {
		if i > 0 && s.Offset == next {
			chunks[len(chunks)-1].Samples++
		} else {
			chunks = append(chunks, Chunk{Offset: s.Offset, Samples: 1})
		}
		next = s.Offset + uint64(s.Size)
	}
	return chunks
}

// SampleToChunk run-length encodes chunk sample counts into stsc entries.
func SampleToChunk(chunks []Chunk) []gomp4.StscEntry {
	var entries []gomp4.StscEntry
	for i, c := range chunks {
		if last := len(entries) - 1; last >= 0 && entries[last].SamplesPerChunk == c.Samples {
			continue
		}
		entries = append(entries, gomp4.StscEntry{
			FirstChunk:             uint32(i + 1),
			SamplesPerChunk:        c.Samples,
			SampleDescriptionIndex: 1,
		})
	}
	return entries
}

// NeedsCo64 reports whether any chunk offset exceeds the 32-bit stco range.
func NeedsCo64(chunks []Chunk) bool {
	for _, c := range chunks {
		if c.Offset > math.MaxUint32 {
			return true
		}
	}
	return false
}

// Sizes returns the stsz payload: a constant size with no entries when all
// samples have the same size, otherwise every size.
func (t *SampleTable) Sizes() (constant uint32, sizes []uint32) {
	if len(t.samples) == 0 {
		return 0, nil
	}
	first := t.samples[0].Size
	same := true
	sizes = make([]uint32, len(t.samples))
	for i, s := range t.samples {
		sizes[i] = s.Size
		if s.Size != first {
			same = false
		}
	}
	if same {
		return first, nil
	}
	return 0, sizes
}
