// Package packager packs and unpacks artifact bundles as
// zstd-compressed tar archives.
package packager

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extension is the file extension for packed bundles.
const Extension = ".tar.zst"

// Packager packs a directory tree into an archive and fully
// materializes an archive back into a directory. The zero value is
// ready to use.
type Packager struct{}

// New returns a ready Packager.
func New() *Packager {
	return &Packager{}
}

// Pack archives the contents of dir into archivePath. File modes are
// preserved so unpacked executables remain executable.
func (p *Packager) Pack(dir, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive %q: %w", archivePath, err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		zw.Close()
		return fmt.Errorf("failed to pack %q: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression: %w", err)
	}
	return nil
}

// Unpack materializes the archive at archivePath into destDir. Entries
// that would escape destDir are rejected.
func (p *Packager) Unpack(archivePath, destDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %q: %w", archivePath, err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %q: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %q: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to extract %q: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to finalize %q: %w", target, err)
			}
		default:
			// Symlinks, devices etc. have no place in an artifact bundle.
			return fmt.Errorf("unsupported archive entry type %q for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || cleaned == ".." {
		return "", fmt.Errorf("archive entry %q escapes the destination directory", name)
	}
	return filepath.Join(destDir, cleaned), nil
}
