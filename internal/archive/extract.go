// Package archive extracts gzip-compressed tar archives without trusting
// their contents: entry sizes are capped, link targets must stay inside the
// destination, and special file types are rejected.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Extractor applies the archive safety policy during extraction.
type Extractor struct {
	// MaxEntrySize is the maximum declared size of a single entry; larger
	// entries abort extraction.
	MaxEntrySize int64
}

// ExtractPackage extracts a package archive into dest, requiring every entry
// path to begin with rootPrefix and stripping it. dest must not exist yet; it
// is created here and removed again if extraction fails, so a rejected
// archive leaves no files behind.
func (e *Extractor) ExtractPackage(archive, dest, rootPrefix string) (err error) {
	if err := os.Mkdir(dest, 0o755); err != nil {
		return fmt.Errorf("creating plugin directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dest)
		}
	}()

	return e.walk(archive, func(tr *tar.Reader, hdr *tar.Header) error {
		switch hdr.Typeflag {
		case tar.TypeDir:
			// Directories are implied by file paths.
			log.Debug().Str("entry", hdr.Name).Msg("skipping directory entry")
			return nil

		case tar.TypeReg:
			if !strings.HasPrefix(hdr.Name, rootPrefix) {
				return fmt.Errorf(
					"package archive entry does not start with %q as it should: %s",
					rootPrefix, hdr.Name,
				)
			}
			if err := e.checkSize(hdr); err != nil {
				return err
			}
			target := filepath.Join(dest, strings.TrimPrefix(hdr.Name, rootPrefix))
			if !insideDir(target, dest) {
				return fmt.Errorf("archive entry escapes the destination: %s", hdr.Name)
			}

			return writeFile(tr, hdr, target)

		case tar.TypeSymlink, tar.TypeLink:
			if !strings.HasPrefix(hdr.Name, rootPrefix) ||
				!strings.HasPrefix(hdr.Linkname, rootPrefix) {
				return fmt.Errorf(
					"package archive contains a link outside of the archive: %s -> %s",
					hdr.Name, hdr.Linkname,
				)
			}
			name := strings.TrimPrefix(hdr.Name, rootPrefix)
			linkname := strings.TrimPrefix(hdr.Linkname, rootPrefix)

			return writeLink(hdr.Typeflag, dest, name, linkname)

		default:
			return fmt.Errorf(
				"package archive contains a non regular file: %s - %s",
				hdr.Name, typeName(hdr.Typeflag),
			)
		}
	})
}

// ExtractPrefix extracts only the entries whose path begins with pathPrefix,
// writing them directly under dest without stripping. Entries outside the
// prefix are ignored. On failure the directory at dest/pathPrefix is removed.
func (e *Extractor) ExtractPrefix(archive, dest, pathPrefix string) (err error) {
	defer func() {
		if err != nil {
			os.RemoveAll(filepath.Join(dest, pathPrefix))
		}
	}()

	return e.walk(archive, func(tr *tar.Reader, hdr *tar.Header) error {
		if !strings.HasPrefix(hdr.Name, pathPrefix) {
			return nil
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target := filepath.Join(dest, hdr.Name)
			if !insideDir(target, dest) {
				return fmt.Errorf("archive entry escapes the destination: %s", hdr.Name)
			}

			return os.MkdirAll(target, 0o755)

		case tar.TypeReg:
			if err := e.checkSize(hdr); err != nil {
				return err
			}
			target := filepath.Join(dest, hdr.Name)
			if !insideDir(target, dest) {
				return fmt.Errorf("archive entry escapes the destination: %s", hdr.Name)
			}

			return writeFile(tr, hdr, target)

		case tar.TypeSymlink, tar.TypeLink:
			return writeLink(hdr.Typeflag, dest, hdr.Name, hdr.Linkname)

		default:
			return fmt.Errorf(
				"archive contains a non regular file: %s - %s",
				hdr.Name, typeName(hdr.Typeflag),
			)
		}
	})
}

// walk opens the compressed archive and feeds every entry to fn, stopping on
// the first error.
func (e *Extractor) walk(archive string, fn func(*tar.Reader, *tar.Header) error) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading archive compression: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive entry: %w", err)
		}
		if err := fn(tr, hdr); err != nil {
			return err
		}
	}
}

func (e *Extractor) checkSize(hdr *tar.Header) error {
	if hdr.Size > e.MaxEntrySize {
		return fmt.Errorf("zip bomb detected in %s", hdr.Name)
	}

	return nil
}

// writeFile writes one regular entry to target, creating parent directories.
func writeFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
	}

	mode := fs.FileMode(hdr.Mode).Perm()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", hdr.Name, err)
	}

	return out.Close()
}

// writeLink creates a symbolic or hard link after checking that the link
// target resolves inside dest.
func writeLink(typeflag byte, dest, name, linkname string) error {
	resolved := filepath.Join(dest, linkname)
	if !insideDir(resolved, dest) {
		return fmt.Errorf(
			"archive contains a link outside of the archive: %s -> %s", name, linkname,
		)
	}

	target := filepath.Join(dest, name)
	if !insideDir(target, dest) {
		return fmt.Errorf("archive entry escapes the destination: %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}

	if typeflag == tar.TypeLink {
		if err := os.Link(resolved, target); err != nil {
			return fmt.Errorf("creating hard link %s: %w", name, err)
		}

		return nil
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("creating symlink %s: %w", name, err)
	}

	return nil
}

// insideDir reports whether path stays within dir after lexical resolution.
func insideDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func typeName(typeflag byte) string {
	switch typeflag {
	case tar.TypeChar:
		return "character device"
	case tar.TypeBlock:
		return "block device"
	case tar.TypeFifo:
		return "FIFO"
	default:
		return "unknown"
	}
}
