package transaction

import (
	"strings"

	"github.com/spf13/afero"

	"github.com/reapack/reapack-core/internal/fsroot"
)

// CleanStaleCache removes every "*.tmp" file left under ReaPack/Cache,
// the leftovers of a download that never reached its ".xml" rename
// before the process exited (spec.md §6, "On-disk layout"). Called once
// at startup, before any Transaction opens.
func CleanStaleCache(root *fsroot.Root) error {
	dir, err := root.Resolve(CacheDir)
	if err != nil {
		return err
	}

	exists, err := afero.DirExists(root.Fs(), dir)
	if err != nil || !exists {
		return err
	}

	entries, err := afero.ReadDir(root.Fs(), dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := root.Remove(CacheDir + "/" + e.Name()); err != nil {
			return err
		}
	}
	return nil
}
