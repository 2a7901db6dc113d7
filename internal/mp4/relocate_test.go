package mp4_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/mp4"
)

func chunkOffsets(t *testing.T, path string) [][]uint64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	bis, err := gomp4.ExtractBoxesWithPayload(f, nil, []gomp4.BoxPath{
		{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStco()},
		{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeCo64()},
	})
	require.NoError(t, err)

	var out [][]uint64
	for _, bi := range bis {
		switch b := bi.Payload.(type) {
		case *gomp4.Stco:
			offs := make([]uint64, len(b.ChunkOffset))
			for i, o := range b.ChunkOffset {
				offs[i] = uint64(o)
			}
			out = append(out, offs)
		case *gomp4.Co64:
			out = append(out, b.ChunkOffset)
		}
	}
	return out
}

func moovSize(t *testing.T, path string) uint64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	bis, err := gomp4.ExtractBox(f, nil, gomp4.BoxPath{gomp4.BoxTypeMoov()})
	require.NoError(t, err)
	require.Len(t, bis, 1)
	return bis[0].Size
}

func TestRelocate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "progressive.mp4")
	dst := filepath.Join(dir, "streamable.mp4")
	video, audio := testVideo(), testAudio()
	writeFile(t, src, video, audio, 0)

	require.NoError(t, mp4.Relocate(context.Background(), src, dst))

	streamable, err := mp4.IsStreamable(dst)
	require.NoError(t, err)
	assert.True(t, streamable)

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, srcInfo.Size(), dstInfo.Size())

	// Every chunk moved forward by exactly the size of moov.
	shift := moovSize(t, dst)
	before, after := chunkOffsets(t, src), chunkOffsets(t, dst)
	require.Len(t, after, len(before))
	for i := range before {
		require.Len(t, after[i], len(before[i]))
		for j := range before[i] {
			assert.Equal(t, before[i][j]+shift, after[i][j])
		}
	}

	s, err := demux.Open(dst)
	require.NoError(t, err)
	defer s.Close()
	assertTrack(t, s, s.Video(), video)
	assertTrack(t, s, s.Audio(), audio)
}

func TestRelocateStreamableIsCopied(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "progressive.mp4")
	once := filepath.Join(dir, "once.mp4")
	twice := filepath.Join(dir, "twice.mp4")
	writeFile(t, src, testVideo(), nil, 0)

	require.NoError(t, mp4.Relocate(context.Background(), src, once))
	require.NoError(t, mp4.Relocate(context.Background(), once, twice))

	a, err := os.ReadFile(once)
	require.NoError(t, err)
	b, err := os.ReadFile(twice)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRelocateCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "progressive.mp4")
	dst := filepath.Join(dir, "streamable.mp4")
	writeFile(t, src, testVideo(), testAudio(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mp4.Relocate(ctx, src, dst)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dst)
	assert.FileExists(t, src)
}

func TestRelocateNotMP4(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "junk.mp4")
	dst := filepath.Join(dir, "out.mp4")

	// A lone free box: well formed, but nothing to relocate.
	require.NoError(t, os.WriteFile(src, []byte{0, 0, 0, 8, 'f', 'r', 'e', 'e'}, 0o644))

	err := mp4.Relocate(context.Background(), src, dst)
	assert.ErrorIs(t, err, mp4.ErrNotRelocatable)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))

	_, err = mp4.IsStreamable(src)
	assert.ErrorIs(t, err, mp4.ErrNotRelocatable)

	assert.Error(t, mp4.Relocate(context.Background(), filepath.Join(dir, "missing.mp4"), dst))
}
