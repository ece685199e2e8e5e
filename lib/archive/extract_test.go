package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entry is one tar member of a test layer
type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
	pax      map[string]string
}

func file(name, body string) entry {
	return entry{name: name, typeflag: tar.TypeReg, body: body, mode: 0644}
}

func dir(name string) entry {
	return entry{name: name, typeflag: tar.TypeDir, mode: 0755}
}

func symlink(name, target string) entry {
	return entry{name: name, typeflag: tar.TypeSymlink, linkname: target, mode: 0777}
}

// createTestLayer creates a tar.gz layer with the given entries, in order
func createTestLayer(t *testing.T, entries ...entry) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Linkname: e.linkname,
			Size:     int64(len(e.body)),
		}
		if e.pax != nil {
			hdr.PAXRecords = e.pax
			hdr.Format = tar.FormatPAX
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	return &buf
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestExtractLayer_Basic(t *testing.T) {
	layer := createTestLayer(t,
		dir("etc/"),
		file("etc/hostname", "minirun"),
		file("usr/bin/hello", "#!/bin/sh\necho hello\n"),
	)

	destDir := t.TempDir()
	extracted, err := ExtractLayer(layer, destDir, 1024*1024)

	require.NoError(t, err)
	assert.Equal(t, int64(len("minirun")+len("#!/bin/sh\necho hello\n")), extracted)
	assert.Equal(t, "minirun", readFile(t, filepath.Join(destDir, "etc/hostname")))
	assert.Equal(t, "#!/bin/sh\necho hello\n", readFile(t, filepath.Join(destDir, "usr/bin/hello")))
}

func TestExtractLayer_PreservesMode(t *testing.T) {
	layer := createTestLayer(t, entry{name: "bin/tool", typeflag: tar.TypeReg, body: "x", mode: 0755})

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(destDir, "bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestExtractLayer_PreservesSpecialModeBits(t *testing.T) {
	layer := createTestLayer(t,
		entry{name: "tmp/", typeflag: tar.TypeDir, mode: 01777},
		entry{name: "bin/su", typeflag: tar.TypeReg, body: "x", mode: 04755},
	)

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)

	tmp, err := os.Stat(filepath.Join(destDir, "tmp"))
	require.NoError(t, err)
	assert.True(t, tmp.IsDir())
	assert.NotZero(t, tmp.Mode()&os.ModeSticky, "sticky bit on %s", tmp.Mode())
	assert.Equal(t, os.FileMode(0777), tmp.Mode().Perm())

	su, err := os.Stat(filepath.Join(destDir, "bin/su"))
	require.NoError(t, err)
	assert.NotZero(t, su.Mode()&os.ModeSetuid, "setuid bit on %s", su.Mode())
	assert.Equal(t, os.FileMode(0755), su.Mode().Perm())
}

func TestExtractLayer_SkipsGlobalHeader(t *testing.T) {
	layer := createTestLayer(t,
		entry{name: "pax_global_header", typeflag: tar.TypeXGlobalHeader, pax: map[string]string{"comment": "built by test"}},
		file("etc/hostname", "minirun"),
	)

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)

	assert.Equal(t, "minirun", readFile(t, filepath.Join(destDir, "etc/hostname")))
	assert.NoFileExists(t, filepath.Join(destDir, "pax_global_header"))
}

func TestExtractLayer_OrderIsSignificant(t *testing.T) {
	layerA := func() *bytes.Buffer { return createTestLayer(t, file("etc/motd", "from A")) }
	layerB := func() *bytes.Buffer { return createTestLayer(t, file("etc/motd", "from B")) }

	ab := t.TempDir()
	for _, layer := range []*bytes.Buffer{layerA(), layerB()} {
		_, err := ExtractLayer(layer, ab, 1024)
		require.NoError(t, err)
	}
	assert.Equal(t, "from B", readFile(t, filepath.Join(ab, "etc/motd")))

	ba := t.TempDir()
	for _, layer := range []*bytes.Buffer{layerB(), layerA()} {
		_, err := ExtractLayer(layer, ba, 1024)
		require.NoError(t, err)
	}
	assert.Equal(t, "from A", readFile(t, filepath.Join(ba, "etc/motd")))
}

func TestExtractLayer_Idempotent(t *testing.T) {
	destDir := t.TempDir()
	for i := 0; i < 2; i++ {
		layer := createTestLayer(t,
			dir("data/"),
			file("data/a.txt", "a"),
			symlink("data/link", "a.txt"),
		)
		_, err := ExtractLayer(layer, destDir, 1024)
		require.NoError(t, err)
	}

	assert.Equal(t, "a", readFile(t, filepath.Join(destDir, "data/link")))
}

func TestExtractLayer_ReplacesDirectoryWithFile(t *testing.T) {
	destDir := t.TempDir()
	_, err := ExtractLayer(createTestLayer(t, dir("thing/"), file("thing/inner", "x")), destDir, 1024)
	require.NoError(t, err)

	_, err = ExtractLayer(createTestLayer(t, file("thing", "now a file")), destDir, 1024)
	require.NoError(t, err)
	assert.Equal(t, "now a file", readFile(t, filepath.Join(destDir, "thing")))
}

func TestExtractLayer_SizeLimitExceeded(t *testing.T) {
	layer := createTestLayer(t, file("large.txt", string(bytes.Repeat([]byte("x"), 1000))))

	_, err := ExtractLayer(layer, t.TempDir(), 500)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestExtractLayer_PreventsTarBomb(t *testing.T) {
	// Many small files that together exceed the limit
	var entries []entry
	for i := 0; i < 100; i++ {
		entries = append(entries, file(fmt.Sprintf("dir/file_%03d.txt", i), string(bytes.Repeat([]byte("x"), 100))))
	}

	_, err := ExtractLayer(createTestLayer(t, entries...), t.TempDir(), 5000)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestExtractLayer_PathTraversal(t *testing.T) {
	parent := t.TempDir()
	destDir := filepath.Join(parent, "rootfs")

	layer := createTestLayer(t, file("../../etc/passwd", "evil"), file("../escaped", "evil"))
	_, err := ExtractLayer(layer, destDir, 1024*1024)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArchivePath)
	assert.NoFileExists(t, filepath.Join(parent, "escaped"))
}

func TestExtractLayer_AbsolutePath(t *testing.T) {
	_, err := ExtractLayer(createTestLayer(t, file("/etc/passwd", "evil")), t.TempDir(), 1024*1024)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArchivePath)
}

func TestExtractLayer_HardlinkTraversal(t *testing.T) {
	layer := createTestLayer(t, entry{name: "stolen", typeflag: tar.TypeLink, linkname: "../../etc/shadow"})

	_, err := ExtractLayer(layer, t.TempDir(), 1024)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArchivePath)
}

func TestExtractLayer_Hardlink(t *testing.T) {
	layer := createTestLayer(t,
		file("bin/busybox", "bb"),
		entry{name: "bin/sh", typeflag: tar.TypeLink, linkname: "bin/busybox"},
	)

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)
	assert.Equal(t, "bb", readFile(t, filepath.Join(destDir, "bin/sh")))
}

func TestExtractLayer_AbsoluteSymlinkKeptVerbatim(t *testing.T) {
	layer := createTestLayer(t, symlink("bin/sh", "/bin/busybox"))

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(destDir, "bin/sh"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/busybox", target)
}

func TestExtractLayer_SymlinkCannotRedirectWrites(t *testing.T) {
	outside := t.TempDir()
	destDir := t.TempDir()

	// A lower layer plants a link to a host directory, the next layer writes
	// through it. The write must land inside destDir.
	_, err := ExtractLayer(createTestLayer(t, symlink("escape", outside)), destDir, 1024)
	require.NoError(t, err)

	_, err = ExtractLayer(createTestLayer(t, file("escape/pwned", "evil")), destDir, 1024)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(outside, "pwned"))
	assert.FileExists(t, filepath.Join(destDir, outside, "pwned"))
}

func TestExtractLayer_Whiteout(t *testing.T) {
	destDir := t.TempDir()
	_, err := ExtractLayer(createTestLayer(t, file("etc/keep", "k"), file("etc/drop", "d")), destDir, 1024)
	require.NoError(t, err)

	_, err = ExtractLayer(createTestLayer(t, file("etc/.wh.drop", "")), destDir, 1024)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(destDir, "etc/keep"))
	assert.NoFileExists(t, filepath.Join(destDir, "etc/drop"))
	assert.NoFileExists(t, filepath.Join(destDir, "etc/.wh.drop"))
}

func TestExtractLayer_OpaqueWhiteout(t *testing.T) {
	destDir := t.TempDir()
	_, err := ExtractLayer(createTestLayer(t, file("var/cache/old1", "1"), file("var/cache/sub/old2", "2")), destDir, 1024)
	require.NoError(t, err)

	_, err = ExtractLayer(createTestLayer(t,
		dir("var/cache/"),
		file("var/cache/new", "n"),
		file("var/cache/.wh..wh..opq", ""),
	), destDir, 1024)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(destDir, "var/cache/old1"))
	assert.NoDirExists(t, filepath.Join(destDir, "var/cache/sub"))
	assert.Equal(t, "n", readFile(t, filepath.Join(destDir, "var/cache/new")))
}

func TestExtractLayer_SkipsDeviceNodes(t *testing.T) {
	layer := createTestLayer(t,
		entry{name: "dev/null", typeflag: tar.TypeChar, mode: 0666},
		file("etc/ok", "ok"),
	)

	destDir := t.TempDir()
	_, err := ExtractLayer(layer, destDir, 1024)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(destDir, "dev/null"))
	assert.FileExists(t, filepath.Join(destDir, "etc/ok"))
}

func TestExtractLayer_CorruptGzip(t *testing.T) {
	_, err := ExtractLayer(bytes.NewReader([]byte("definitely not gzip")), t.TempDir(), 1024)
	require.Error(t, err)
}
