package images

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/onkernel/minirun/lib/archive"
	"github.com/onkernel/minirun/lib/errkind"
)

// FetchLayer downloads a layer blob in full and verifies it against the
// layer digest. Nothing is returned unless the bytes match.
func (c *Client) FetchLayer(ctx context.Context, ref *Reference, layer Layer, token string, maxBytes int64) ([]byte, error) {
	if layer.Size > maxBytes {
		return nil, fmt.Errorf("%w: %w: %s is %d bytes, limit %d", errkind.ErrLayer, ErrLayerTooLarge, layer.Digest, layer.Size, maxBytes)
	}

	resp, err := c.get(ctx, c.repoURL(ref, "blobs", layer.Digest.String()), token)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", errkind.ErrLayer, layer.Digest, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %w: %s is %d bytes, limit %d", errkind.ErrLayer, ErrLayerTooLarge, layer.Digest, resp.ContentLength, maxBytes)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	verifier := layer.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(&buf, verifier), io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errkind.ErrLayer, layer.Digest, err)
	}
	if n > maxBytes {
		return nil, fmt.Errorf("%w: %w: %s exceeds %d bytes", errkind.ErrLayer, ErrLayerTooLarge, layer.Digest, maxBytes)
	}

	if layer.Size > 0 && n != layer.Size {
		return nil, fmt.Errorf("%w: %w: %s is %d bytes, manifest says %d", errkind.ErrLayer, ErrDigestMismatch, layer.Digest, n, layer.Size)
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("%w: %w: content of %s does not hash to its digest", errkind.ErrLayer, ErrDigestMismatch, layer.Digest)
	}

	return buf.Bytes(), nil
}

// unpackLayer applies one verified layer blob onto destDir.
func unpackLayer(blob []byte, layer Layer, destDir string, maxBytes int64) (int64, error) {
	n, err := archive.ExtractLayer(bytes.NewReader(blob), destDir, maxBytes)
	if err != nil {
		return n, fmt.Errorf("%w: unpack %s: %w", errkind.ErrLayer, layer.Digest, err)
	}
	return n, nil
}
