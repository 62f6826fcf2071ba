package gem

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Sidecar markers written next to an unpacked tree so the environment
// composer never reparses the YAML gemspec at dispatch time.
const (
	RequirePathsMarker = ".require_paths"
	ExecutablesMarker  = ".executables"
)

// ErrEntryNotFound is returned when the outer archive lacks the requested
// entry.
var ErrEntryNotFound = errors.New("entry not found in gem archive")

// ErrUnsafePath marks an archive entry that would escape the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Entry describes one member of the outer archive.
type Entry struct {
	Name string
	Size int64
}

// List iterates the outer archive and reports entry names and sizes.
func List(gemPath string) ([]Entry, error) {
	f, err := os.Open(gemPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading gem archive %s: %w", gemPath, err)
		}
		out = append(out, Entry{Name: hdr.Name, Size: hdr.Size})
	}
}

// openEntry positions a tar reader at the named outer entry.
func openEntry(f *os.File, name string) (*tar.Reader, int64, error) {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, 0, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
		}
		if err != nil {
			return nil, 0, err
		}
		if hdr.Name == name {
			return tr, hdr.Size, nil
		}
	}
}

// ReadEntry extracts a single outer entry into memory, failing if it
// exceeds limit bytes.
func ReadEntry(gemPath, name string, limit int64) ([]byte, error) {
	f, err := os.Open(gemPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr, _, err := openEntry(f, name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(tr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", name, gemPath, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry %s larger than %d bytes", name, limit)
	}
	return data, nil
}

// StreamEntry copies a single outer entry to w with no size cap.
func StreamEntry(gemPath, name string, w io.Writer) error {
	f, err := os.Open(gemPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr, _, err := openEntry(f, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, tr); err != nil {
		return fmt.Errorf("streaming %s from %s: %w", name, gemPath, err)
	}
	return nil
}

// ReadMetadata extracts and parses the gemspec from metadata.gz.
func ReadMetadata(gemPath string) (*Metadata, error) {
	compressed, err := ReadEntry(gemPath, "metadata.gz", 10<<20)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompressing metadata of %s: %w", gemPath, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompressing metadata of %s: %w", gemPath, err)
	}
	return ParseMetadata(raw)
}

// Unpack extracts a gem's file tree into destDir and writes the
// .require_paths and .executables sidecar markers. The inner archive is
// staged to a temporary file first; the temp file is always unlinked.
func Unpack(gemPath, destDir string) (*Metadata, error) {
	meta, err := ReadMetadata(gemPath)
	if err != nil {
		return nil, err
	}

	payload, compression, err := findPayload(gemPath)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "twine-data-*.tar")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := StreamEntry(gemPath, payload, tmp); err != nil {
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var inner io.Reader
	switch compression {
	case "gz":
		gz, err := gzip.NewReader(tmp)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s of %s: %w", payload, gemPath, err)
		}
		defer gz.Close()
		inner = gz
	case "xz":
		xzr, err := xz.NewReader(tmp)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s of %s: %w", payload, gemPath, err)
		}
		inner = xzr
	}

	if err := extractTree(inner, destDir); err != nil {
		return nil, err
	}
	if err := writeSidecars(destDir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// findPayload locates the inner archive entry, preferring data.tar.gz and
// accepting the xz variant.
func findPayload(gemPath string) (name, compression string, err error) {
	entries, err := List(gemPath)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		switch e.Name {
		case "data.tar.gz":
			return e.Name, "gz", nil
		case "data.tar.xz":
			name, compression = e.Name, "xz"
		}
	}
	if name != "" {
		return name, compression, nil
	}
	return "", "", fmt.Errorf("%w: data.tar.gz", ErrEntryNotFound)
}

func extractTree(r io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading gem payload: %w", err)
		}

		if err := checkPath(hdr.Name, 0); err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			mode := hdr.FileInfo().Mode().Perm()
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// Link targets are validated from the entry's own directory so
			// relative targets cannot climb out of the tree.
			if err := checkPath(hdr.Linkname, pathDepth(hdr.Name)-1); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// checkPath validates an archive path: absolute paths are rejected and
// ".." components must never take the depth counter below the starting
// point.
func checkPath(name string, startDepth int) error {
	if name == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}

	depth := startDepth
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: %q", ErrUnsafePath, name)
			}
		default:
			depth++
		}
	}
	return nil
}

// pathDepth counts real components, so a/b/c has depth 3.
func pathDepth(name string) int {
	depth := 0
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".", "..":
		default:
			depth++
		}
	}
	return depth
}

func writeSidecars(destDir string, meta *Metadata) error {
	requirePaths := strings.Join(meta.RequirePaths, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(destDir, RequirePathsMarker), []byte(requirePaths), 0o644); err != nil {
		return err
	}

	executables := ""
	if len(meta.Executables) > 0 {
		executables = strings.Join(meta.Executables, "\n") + "\n"
	}
	return os.WriteFile(filepath.Join(destDir, ExecutablesMarker), []byte(executables), 0o644)
}

// ReadSidecar returns the newline-separated values of a marker file.
func ReadSidecar(dir, marker string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, marker))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
