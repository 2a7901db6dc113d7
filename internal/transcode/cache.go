package transcode

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const cachePrefix = "shrink-"

// CleanCache removes containers left in dir by attempts that never reached
// delivery, such as after a crash. It returns the removed paths.
func CleanCache(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read cache dir")
	}

	var removed []string
	var failed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, cachePrefix) || filepath.Ext(name) != ".mp4" {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed = append(failed, name)
			continue
		}
		removed = append(removed, path)
	}
	if len(failed) > 0 {
		return removed, errors.Errorf("could not remove %s", strings.Join(failed, ", "))
	}
	return removed, nil
}
