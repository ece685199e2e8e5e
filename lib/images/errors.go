package images

import "errors"

var (
	ErrInvalidName          = errors.New("invalid image name")
	ErrNoMatchingManifest   = errors.New("no manifest for architecture")
	ErrAmbiguousManifest    = errors.New("multiple manifests for architecture")
	ErrNotManifestList      = errors.New("not a manifest list")
	ErrDigestMismatch       = errors.New("digest mismatch")
	ErrLayerTooLarge        = errors.New("layer exceeds size limit")
	ErrUnsupportedMediaType = errors.New("unsupported layer media type")
)
