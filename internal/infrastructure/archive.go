package infrastructure

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/pkgforge/soar-dl/internal/domain"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatTar
	formatTarGz
	formatTarXz
	formatTarZst
	formatTarBz2
	formatZip
)

// ExtractArchive unpacks an archive under dir, detecting the format from
// the filename suffix. Entries that would escape dir are rejected.
func ExtractArchive(path, dir string) error {
	format := detectFormat(filepath.Base(path))
	if format == formatUnknown {
		return domain.ErrUnsupportedArchive
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	if format == formatZip {
		return extractZip(path, dir)
	}
	return extractTar(path, dir, format)
}

func detectFormat(name string) archiveFormat {
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(name, ".tar.xz") || strings.HasSuffix(name, ".txz"):
		return formatTarXz
	case strings.HasSuffix(name, ".tar.zst") || strings.HasSuffix(name, ".tzst"):
		return formatTarZst
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return formatTarBz2
	case strings.HasSuffix(name, ".tar"):
		return formatTar
	case strings.HasSuffix(name, ".zip"):
		return formatZip
	default:
		return formatUnknown
	}
}

func extractTar(path, dir string, format archiveFormat) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var reader io.Reader
	switch format {
	case formatTar:
		reader = file
	case formatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to read gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	case formatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to read xz stream: %w", err)
		}
		reader = xzr
	case formatTarZst:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to read zstd stream: %w", err)
		}
		defer zr.Close()
		reader = zr
	case formatTarBz2:
		reader = bzip2.NewReader(file)
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if err := writeTarEntry(dir, header, tr); err != nil {
			return err
		}
	}
}

func writeTarEntry(dir string, header *tar.Header, r io.Reader) error {
	target, err := safeJoin(dir, header.Name)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, permOf(header, 0755))
	case tar.TypeSymlink:
		if err := checkLinkTarget(dir, header.Name, header.Linkname); err != nil {
			return err
		}
		os.Remove(target)
		if err := ensureParent(dir, target); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := ensureParent(dir, target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, permOf(header, 0644))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		return out.Close()
	default:
		// Hard links, devices and the like are skipped.
		return nil
	}
}

func extractZip(path, dir string) error {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer archive.Close()

	for _, entry := range archive.File {
		target, err := safeJoin(dir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			continue
		}

		if err := ensureParent(dir, target); err != nil {
			return err
		}

		src, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name, err)
		}
		mode := entry.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			src.Close()
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		_, copyErr := io.Copy(out, src)
		src.Close()
		if err := out.Close(); copyErr == nil {
			copyErr = err
		}
		if copyErr != nil {
			return fmt.Errorf("failed to write %s: %w", target, copyErr)
		}
	}
	return nil
}

// safeJoin joins an archive entry name onto root, rejecting absolute
// paths and any `..` traversal.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &domain.UnsafeArchivePathError{Entry: name}
	}
	return filepath.Join(root, cleaned), nil
}

// checkLinkTarget rejects symlink targets that resolve outside the
// extraction root.
func checkLinkTarget(root, entry, linkname string) error {
	if filepath.IsAbs(linkname) {
		return &domain.UnsafeArchivePathError{Entry: entry}
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(entry)), filepath.FromSlash(linkname)))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return &domain.UnsafeArchivePathError{Entry: entry}
	}
	return nil
}

// ensureParent creates the target's parent directory and verifies that
// no symlink planted earlier in the archive redirects it outside root.
func ensureParent(root, target string) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", parent, err)
	}
	if resolvedParent != resolvedRoot && !strings.HasPrefix(resolvedParent, resolvedRoot+string(filepath.Separator)) {
		return &domain.UnsafeArchivePathError{Entry: target}
	}
	return nil
}

func permOf(header *tar.Header, fallback os.FileMode) os.FileMode {
	mode := header.FileInfo().Mode().Perm()
	if mode == 0 {
		return fallback
	}
	return mode
}
