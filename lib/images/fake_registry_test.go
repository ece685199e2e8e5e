package images

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// fakeRegistry serves the token, manifest and blob endpoints of a registry
// from memory and records what clients asked for.
type fakeRegistry struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	index        ocispec.Index
	rawIndex     []byte // served instead of index when set
	manifests    map[string][]byte
	blobs        map[string][]byte
	tokenQuery   url.Values
	tokenAuth    string
	accept       map[string]string // path -> Accept header
	blobRequests int
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()

	r := &fakeRegistry{
		t:         t,
		index:     ocispec.Index{MediaType: ocispec.MediaTypeImageIndex, Manifests: []ocispec.Descriptor{}},
		manifests: make(map[string][]byte),
		blobs:     make(map[string][]byte),
		accept:    make(map[string]string),
	}
	r.index.SchemaVersion = 2

	mux := http.NewServeMux()
	mux.HandleFunc("/token", r.serveToken)
	mux.HandleFunc("/v2/", r.serveV2)
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)

	return r
}

func (r *fakeRegistry) client() *Client {
	return NewClient(ClientOptions{
		RegistryURL: r.server.URL,
		AuthURL:     r.server.URL + "/token",
		AuthService: "test-registry",
	})
}

func (r *fakeRegistry) serveToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.tokenQuery = req.URL.Query()
	r.tokenAuth = req.Header.Get("Authorization")
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": testToken})
}

func (r *fakeRegistry) serveV2(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accept[req.URL.Path] = req.Header.Get("Accept")

	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/v2/"), "/")
	if len(parts) < 3 {
		http.NotFound(w, req)
		return
	}
	kind, target := parts[len(parts)-2], parts[len(parts)-1]

	switch kind {
	case "manifests":
		if strings.HasPrefix(target, "sha256:") {
			body, ok := r.manifests[target]
			if !ok {
				http.NotFound(w, req)
				return
			}
			w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
			_, _ = w.Write(body)
			return
		}
		body := r.rawIndex
		if body == nil {
			var err error
			body, err = json.Marshal(r.index)
			require.NoError(r.t, err)
		}
		w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
		_, _ = w.Write(body)

	case "blobs":
		r.blobRequests++
		body, ok := r.blobs[target]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write(body)

	default:
		http.NotFound(w, req)
	}
}

// addImage registers an architecture-specific manifest made of layers and
// lists it in the index. Returns the manifest digest.
func (r *fakeRegistry) addImage(arch string, layers ...[]byte) digest.Digest {
	descs := make([]ocispec.Descriptor, 0, len(layers))
	for _, layer := range layers {
		descs = append(descs, r.addBlob(layer, ocispec.MediaTypeImageLayerGzip))
	}
	return r.addManifest(ocispec.Platform{OS: "linux", Architecture: arch}, descs)
}

func (r *fakeRegistry) addBlob(blob []byte, mediaType string) ocispec.Descriptor {
	d := digest.FromBytes(blob)

	r.mu.Lock()
	r.blobs[d.String()] = blob
	r.mu.Unlock()

	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(blob))}
}

func (r *fakeRegistry) addManifest(platform ocispec.Platform, layers []ocispec.Descriptor) digest.Digest {
	manifest := ocispec.Manifest{
		MediaType: string(types.OCIManifestSchema1),
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.FromString("{}"), Size: 2},
		Layers:    layers,
	}
	manifest.SchemaVersion = 2

	body, err := json.Marshal(manifest)
	require.NoError(r.t, err)
	d := digest.FromBytes(body)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[d.String()] = body
	r.index.Manifests = append(r.index.Manifests, ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    d,
		Size:      int64(len(body)),
		Platform:  &platform,
	})
	return d
}

// setBlob replaces the bytes served for a digest.
func (r *fakeRegistry) setBlob(d digest.Digest, blob []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[d.String()] = blob
}

func (r *fakeRegistry) acceptFor(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accept[path]
}

func (r *fakeRegistry) tokenRequest() (url.Values, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenQuery, r.tokenAuth
}

func (r *fakeRegistry) blobRequestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobRequests
}

// gzipLayer builds a gzip-compressed tar layer holding files.
func gzipLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	return buf.Bytes()
}
