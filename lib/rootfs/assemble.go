package rootfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/minirun/lib/errkind"
)

// ErrNotFound is returned by LookupInRoot when the root has no such file.
var ErrNotFound = errors.New("not found in root")

// PrepareRoot creates the device files a confined process expects.
// dev/ may already come from the image; dev/null must not.
func PrepareRoot(root string) error {
	devDir, err := securejoin.SecureJoin(root, "dev")
	if err != nil {
		return fmt.Errorf("%w: resolve dev: %w", errkind.ErrFilesystem, err)
	}
	if err := os.MkdirAll(devDir, 0755); err != nil {
		return fmt.Errorf("%w: create dev: %w", errkind.ErrFilesystem, err)
	}

	f, err := os.OpenFile(filepath.Join(devDir, "null"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("%w: create dev/null: %w", errkind.ErrFilesystem, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: create dev/null: %w", errkind.ErrFilesystem, err)
	}
	return nil
}

// InstallBinary copies the host executable at hostPath to the top level of
// root and returns its path as seen from inside the root.
func InstallBinary(root, hostPath string) (string, error) {
	src, err := os.Open(hostPath)
	if err != nil {
		return "", fmt.Errorf("%w: open binary: %w", errkind.ErrFilesystem, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat binary: %w", errkind.ErrFilesystem, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", errkind.ErrFilesystem, hostPath)
	}

	name := filepath.Base(hostPath)
	dst := filepath.Join(root, name)

	// An image may carry an entry with the same name, possibly a symlink
	// pointing back at the host. Replace it rather than write through it.
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("%w: replace %s: %w", errkind.ErrFilesystem, name, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm()|0755)
	if err != nil {
		return "", fmt.Errorf("%w: create binary: %w", errkind.ErrFilesystem, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("%w: copy binary: %w", errkind.ErrFilesystem, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("%w: copy binary: %w", errkind.ErrFilesystem, err)
	}

	// Umask may have stripped bits from the create mode.
	if err := os.Chmod(dst, info.Mode().Perm()|0755); err != nil {
		return "", fmt.Errorf("%w: chmod binary: %w", errkind.ErrFilesystem, err)
	}

	return "/" + name, nil
}

// LookupInRoot resolves path as it would be seen after changing root to
// root and reports whether an executable regular file lives there.
// Returns the in-root path on success.
func LookupInRoot(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = "/" + path
	}
	full, err := securejoin.SecureJoin(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", errkind.ErrFilesystem, path, err)
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %w", errkind.ErrFilesystem, path, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%w: %s is not an executable file", ErrNotFound, path)
	}

	return filepath.Clean(path), nil
}
