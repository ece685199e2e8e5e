package images

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer is one filesystem layer of an architecture-specific manifest
type Layer struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// supported reports whether the layer can be unpacked as a gzip tarball.
// Foreign layers point outside the registry and are refused with the rest.
func (l Layer) supported() error {
	switch l.MediaType {
	case "", ocispec.MediaTypeImageLayerGzip, string(types.DockerLayer):
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnsupportedMediaType, l.Digest, l.MediaType)
	}
}

// PullResult describes an image materialized into a staging root
type PullResult struct {
	Reference      string
	ManifestDigest digest.Digest
	Layers         []Layer
	Bytes          int64 // Total bytes extracted
}
