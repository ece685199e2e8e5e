// Package rootfs assembles the root filesystem a run is confined to.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/minirun/lib/errkind"
)

// dirPrefix names run directories under the staging base.
const dirPrefix = "minirun-"

// Staging is the per-run directory holding the root filesystem.
// Layout: <base>/minirun-<id>/rootfs
type Staging struct {
	ID   string
	Dir  string
	Root string
}

// NewStaging creates a fresh run directory under base. The id is unique
// per run so concurrent runs never share a root.
func NewStaging(base string) (*Staging, error) {
	if base == "" {
		base = os.TempDir()
	}

	id := cuid2.Generate()
	dir := filepath.Join(base, dirPrefix+id)
	root := filepath.Join(dir, "rootfs")

	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("%w: create staging base: %w", errkind.ErrFilesystem, err)
	}
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create run dir: %w", errkind.ErrFilesystem, err)
	}
	if err := os.Mkdir(root, 0755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: create root: %w", errkind.ErrFilesystem, err)
	}

	return &Staging{ID: id, Dir: dir, Root: root}, nil
}

// Remove deletes the run directory and everything staged in it.
// Calling it again is a no-op.
func (s *Staging) Remove() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("%w: remove staging: %w", errkind.ErrFilesystem, err)
	}
	return nil
}

// Size returns the total size of regular files under the root.
func (s *Staging) Size() (int64, error) {
	return dirSize(s.Root)
}

// dirSize calculates the total size of a directory
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
