package infrastructure

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/pkgforge/soar-dl/internal/domain"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func buildTar(t *testing.T, entries []*tar.Header, contents map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, header := range entries {
		require.NoError(t, tw.WriteHeader(header))
		if content, ok := contents[header.Name]; ok {
			_, err := tw.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractArchive_TarGz(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"dir/nested.txt": "nested content",
		"top.txt":        "top content",
	})
	path := writeTempFile(t, "bundle.tar.gz", archive)
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, ExtractArchive(path, dest))

	nested, err := os.ReadFile(filepath.Join(dest, "dir", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(nested))

	top, err := os.ReadFile(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top content", string(top))
}

func TestExtractArchive_TarXz(t *testing.T) {
	plain := buildTar(t,
		[]*tar.Header{{Name: "a.txt", Mode: 0644, Size: 5, Typeflag: tar.TypeReg}},
		map[string]string{"a.txt": "hello"})

	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	path := writeTempFile(t, "bundle.tar.xz", buf.Bytes())
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, ExtractArchive(path, dest))
	content, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestExtractArchive_TarZst(t *testing.T) {
	plain := buildTar(t,
		[]*tar.Header{{Name: "b.txt", Mode: 0644, Size: 4, Typeflag: tar.TypeReg}},
		map[string]string{"b.txt": "zstd"})

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := writeTempFile(t, "bundle.tar.zst", buf.Bytes())
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, ExtractArchive(path, dest))
	assert.FileExists(t, filepath.Join(dest, "b.txt"))
}

func TestExtractArchive_Zip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("inner/file.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("zipped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := writeTempFile(t, "bundle.zip", buf.Bytes())
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, ExtractArchive(path, dest))
	content, err := os.ReadFile(filepath.Join(dest, "inner", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "zipped", string(content))
}

func TestExtractArchive_UnsupportedFormat(t *testing.T) {
	path := writeTempFile(t, "file.rar", []byte("not an archive"))
	err := ExtractArchive(path, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrUnsupportedArchive)
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	plain := buildTar(t,
		[]*tar.Header{{Name: "../escape.txt", Mode: 0644, Size: 3, Typeflag: tar.TypeReg}},
		map[string]string{"../escape.txt": "bad"})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	path := writeTempFile(t, "evil.tar.gz", buf.Bytes())

	err = ExtractArchive(path, dest)
	var unsafeErr *domain.UnsafeArchivePathError
	require.True(t, errors.As(err, &unsafeErr))
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
}

func TestExtractArchive_RejectsAbsolutePath(t *testing.T) {
	plain := buildTar(t,
		[]*tar.Header{{Name: "/etc/evil", Mode: 0644, Size: 3, Typeflag: tar.TypeReg}},
		map[string]string{"/etc/evil": "bad"})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(plain)
	require.NoError(t, gz.Close())

	path := writeTempFile(t, "evil.tar.gz", buf.Bytes())
	err := ExtractArchive(path, filepath.Join(t.TempDir(), "out"))

	var unsafeErr *domain.UnsafeArchivePathError
	require.True(t, errors.As(err, &unsafeErr))
}

func TestExtractArchive_RejectsSymlinkEscape(t *testing.T) {
	plain := buildTar(t, []*tar.Header{
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"},
	}, nil)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(plain)
	require.NoError(t, gz.Close())

	path := writeTempFile(t, "evil.tar.gz", buf.Bytes())
	err := ExtractArchive(path, filepath.Join(t.TempDir(), "out"))

	var unsafeErr *domain.UnsafeArchivePathError
	require.True(t, errors.As(err, &unsafeErr))
}

func TestExtractArchive_SafeSymlink(t *testing.T) {
	plain := buildTar(t, []*tar.Header{
		{Name: "data.txt", Mode: 0644, Size: 4, Typeflag: tar.TypeReg},
		{Name: "alias", Typeflag: tar.TypeSymlink, Linkname: "data.txt"},
	}, map[string]string{"data.txt": "real"})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(plain)
	require.NoError(t, gz.Close())

	path := writeTempFile(t, "ok.tar.gz", buf.Bytes())
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, ExtractArchive(path, dest))

	content, err := os.ReadFile(filepath.Join(dest, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "real", string(content))
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]archiveFormat{
		"a.tar.gz":  formatTarGz,
		"a.tgz":     formatTarGz,
		"a.tar.xz":  formatTarXz,
		"a.tar.zst": formatTarZst,
		"a.tar.bz2": formatTarBz2,
		"a.tar":     formatTar,
		"a.zip":     formatZip,
		"a.bin":     formatUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, detectFormat(name), "name %s", name)
	}
}

func TestArchiveStem(t *testing.T) {
	assert.Equal(t, "tool-1.2", archiveStem("tool-1.2.tar.gz"))
	assert.Equal(t, "tool", archiveStem("tool.zip"))
	assert.Equal(t, "tool", archiveStem("tool.tgz"))
}
