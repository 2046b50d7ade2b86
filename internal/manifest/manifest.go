// Package manifest writes the input list handed to the masking pipeline: one
// diffusion image path per line, re-read after writing to confirm the file on
// disk matches what was intended.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"maskbatch/internal/fileutil"
)

// ErrMismatch is returned when the written manifest does not read back as
// expected.
var ErrMismatch = errors.New("manifest mismatch")

// Entry is one subject listed in the manifest.
type Entry struct {
	Subject string
	// Image is the absolute path of the diffusion volume.
	Image string
	// Dir is the directory the pipeline writes the subject's outputs into.
	Dir string
	// Outputs names the files in Dir whose presence marks success.
	Outputs []string
}

// Manifest is a written input list.
type Manifest struct {
	Path    string
	Entries []Entry
}

// Subjects returns the subject ids in manifest order.
func (m Manifest) Subjects() []string {
	ids := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		ids = append(ids, e.Subject)
	}
	return ids
}

// Empty reports whether the manifest lists no subjects.
func (m Manifest) Empty() bool { return len(m.Entries) == 0 }

// Write stores entries at path and verifies the result.
func Write(path string, entries []Entry) (Manifest, error) {
	var b strings.Builder
	for _, e := range entries {
		if strings.ContainsAny(e.Image, "\r\n") {
			return Manifest{}, fmt.Errorf("manifest path for %s contains a line break", e.Subject)
		}
		b.WriteString(e.Image)
		b.WriteByte('\n')
	}
	if err := fileutil.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	m := Manifest{Path: path, Entries: entries}
	if err := Verify(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Read returns the image paths listed at path.
func Read(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return lines, nil
}

// Verify re-reads m.Path and compares it line by line with m.Entries.
func Verify(m Manifest) error {
	lines, err := Read(m.Path)
	if err != nil {
		return err
	}
	if len(lines) != len(m.Entries) {
		return fmt.Errorf("%w: %s lists %d paths, expected %d", ErrMismatch, m.Path, len(lines), len(m.Entries))
	}
	for i, e := range m.Entries {
		if lines[i] != e.Image {
			return fmt.Errorf("%w: %s line %d is %q, expected %q", ErrMismatch, m.Path, i+1, lines[i], e.Image)
		}
	}
	return nil
}

// MissingFiles returns the names that are absent from dir or are not regular
// files.
func MissingFiles(dir string, names []string) []string {
	var missing []string
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, name+" ("+err.Error()+")")
				continue
			}
			missing = append(missing, name)
		}
	}
	return missing
}
