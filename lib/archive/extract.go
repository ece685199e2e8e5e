// Package archive unpacks gzip-compressed OCI layer tarballs onto a root
// filesystem directory.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/layer"
)

var (
	// ErrArchiveTooLarge is returned when extracted content exceeds the size limit
	ErrArchiveTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidArchivePath is returned when a tar entry has a malicious path
	ErrInvalidArchivePath = errors.New("invalid archive path")
	// ErrUnsupportedEntry is returned for tar entry types that cannot be unpacked
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
)

// ExtractLayer unpacks a gzip-compressed layer tarball onto destDir,
// aborting if the extracted content exceeds maxBytes. Returns the total
// extracted bytes on success.
//
// Entries are applied with umoci's tar extractor: they replace whatever
// already exists at their path, OCI whiteouts delete paths from lower
// layers, and mode bits (setuid and sticky included) are kept. Ownership is
// mapped onto the current user.
//
// Safety measures against adversarial archives:
// - Entry and hard link names must stay local to destDir, else the
//   extraction stops with ErrInvalidArchivePath before anything is written
// - Parents are resolved inside destDir so symlinks left by earlier entries
//   cannot redirect writes outside it
// - Tracks cumulative extracted size, aborts before an entry would exceed it
func ExtractLayer(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	extractor := layer.NewTarExtractor(unpackOptions())

	var extracted int64
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}

		ok, err := accept(header)
		if err != nil {
			return extracted, err
		}
		if !ok {
			continue
		}

		if header.Typeflag == tar.TypeReg && extracted+header.Size > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrArchiveTooLarge, maxBytes)
		}
		if err := extractor.UnpackEntry(destDir, header, tr); err != nil {
			return extracted, fmt.Errorf("unpack %s: %w", header.Name, err)
		}
		if header.Typeflag == tar.TypeReg {
			extracted += header.Size
		}
	}

	return extracted, nil
}

// unpackOptions maps container root onto the current user and tolerates
// chown failures, so layers unpack the same with or without privilege.
func unpackOptions() *layer.UnpackOptions {
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	return &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}
}

// accept decides whether header is handed to the extractor. Archive
// metadata and device nodes are skipped; the root entry is left alone.
func accept(header *tar.Header) (bool, error) {
	switch header.Typeflag {
	case tar.TypeXGlobalHeader:
		return false, nil
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device nodes need privilege we do not hold while staging.
		return false, nil
	case tar.TypeReg, tar.TypeDir, tar.TypeSymlink:
	case tar.TypeLink:
		if _, err := localName(header.Linkname); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: %s has type %q", ErrUnsupportedEntry, header.Name, header.Typeflag)
	}

	name, err := localName(header.Name)
	if err != nil {
		return false, err
	}
	return name != ".", nil
}

// localName cleans a tar entry name and rejects absolute or escaping paths.
func localName(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "." {
		return cleaned, nil
	}
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: absolute path %s", ErrInvalidArchivePath, name)
	}
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: path traversal in %s", ErrInvalidArchivePath, name)
	}
	return cleaned, nil
}
