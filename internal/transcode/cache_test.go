package transcode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanCache(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"shrink-1a2b3c4d-XyZ12345.mp4", "shrink-deadbeef-abcdefgh.mp4", "keep.mp4", "shrink-notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "shrink-dir.mp4"), 0o755))

	removed, err := CleanCache(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "shrink-1a2b3c4d-XyZ12345.mp4"),
		filepath.Join(dir, "shrink-deadbeef-abcdefgh.mp4"),
	}, removed)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, left, 3)

	removed, err = CleanCache(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, removed)
}
