package images

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/onkernel/minirun/lib/errkind"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// TargetOS is the only platform OS a staged root can run.
const TargetOS = "linux"

var (
	// manifestListAccept asks for the architecture index. Without it the
	// registry answers with a single-platform manifest and there are no
	// per-architecture entries to choose from.
	manifestListAccept = []string{
		string(types.DockerManifestList),
		ocispec.MediaTypeImageIndex,
	}

	manifestAccept = []string{
		ocispec.MediaTypeImageManifest,
		string(types.DockerManifestSchema2),
	}
)

// ResolveDigest fetches the manifest list for ref and returns the digest of
// the single entry whose architecture equals arch exactly.
// Zero or several matches are errors; there is no fallback architecture.
func (c *Client) ResolveDigest(ctx context.Context, ref *Reference, token, arch string) (digest.Digest, error) {
	resp, err := c.get(ctx, c.repoURL(ref, "manifests", ref.Tag()), token, manifestListAccept...)
	if err != nil {
		return "", fmt.Errorf("%w: fetch manifest list: %w", errkind.ErrManifest, err)
	}
	defer resp.Body.Close()

	var index ocispec.Index
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return "", fmt.Errorf("%w: decode manifest list: %v", errkind.ErrManifest, err)
	}

	return selectManifest(index, arch)
}

// selectManifest picks the unique descriptor for arch out of index.
func selectManifest(index ocispec.Index, arch string) (digest.Digest, error) {
	if index.Manifests == nil {
		return "", fmt.Errorf("%w: %w (media type %q)", errkind.ErrManifest, ErrNotManifestList, index.MediaType)
	}

	matches := lo.Filter(index.Manifests, func(desc ocispec.Descriptor, _ int) bool {
		if desc.Platform == nil {
			return false
		}
		if desc.Platform.OS != "" && desc.Platform.OS != TargetOS {
			return false
		}
		return desc.Platform.Architecture == arch
	})

	switch len(matches) {
	case 0:
		available := lo.FilterMap(index.Manifests, func(desc ocispec.Descriptor, _ int) (string, bool) {
			if desc.Platform == nil {
				return "", false
			}
			return desc.Platform.Architecture, true
		})
		return "", fmt.Errorf("%w: %w %q (available: %v)", errkind.ErrManifest, ErrNoMatchingManifest, arch, available)
	case 1:
		d := matches[0].Digest
		if err := d.Validate(); err != nil {
			return "", fmt.Errorf("%w: manifest digest %q: %v", errkind.ErrManifest, d, err)
		}
		return d, nil
	default:
		digests := lo.Map(matches, func(desc ocispec.Descriptor, _ int) string {
			return desc.Digest.String()
		})
		return "", fmt.Errorf("%w: %w %q: %v", errkind.ErrManifest, ErrAmbiguousManifest, arch, digests)
	}
}

// ListLayers fetches the architecture-specific manifest by digest and
// returns its layers in manifest order, lowest first.
func (c *Client) ListLayers(ctx context.Context, ref *Reference, manifestDigest digest.Digest, token string) ([]Layer, error) {
	resp, err := c.get(ctx, c.repoURL(ref, "manifests", manifestDigest.String()), token, manifestAccept...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch manifest: %w", errkind.ErrManifest, err)
	}
	defer resp.Body.Close()

	var manifest ocispec.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", errkind.ErrManifest, err)
	}

	layers := make([]Layer, 0, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		if err := desc.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: layer %d digest %q: %v", errkind.ErrManifest, i, desc.Digest, err)
		}
		layers = append(layers, Layer{
			Digest:    desc.Digest,
			MediaType: desc.MediaType,
			Size:      desc.Size,
		})
	}

	return layers, nil
}
