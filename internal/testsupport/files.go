package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"maskbatch/internal/config"
	"maskbatch/internal/subject"
)

// WriteFile creates path, and any missing parents, holding size filler
// bytes. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte{'m'}, int(size)), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// SeedSubject writes a subject's three diffusion inputs, plus an unrelated
// file that the download filter must skip, under the config's file:// remote.
// It returns the subject as the controller will see it.
func SeedSubject(t testing.TB, cfg *config.Config, entry string) *subject.Subject {
	t.Helper()

	s := subject.New(entry, cfg.Appendage)
	dir := filepath.Join(RemoteDir(cfg), cfg.GroupName, s.ID, filepath.FromSlash(cfg.SourceSubpath))
	prefix := s.Base + cfg.FileSubstring
	for _, suffix := range []string{".bval", ".bvec", ".nii.gz"} {
		WriteFile(t, filepath.Join(dir, prefix+suffix), 64)
	}
	WriteFile(t, filepath.Join(dir, s.Base+"_T1w.nii.gz"), 16)
	return s
}

// RemoteOutputDir returns where a subject's uploaded outputs land on the
// file:// remote.
func RemoteOutputDir(cfg *config.Config, s *subject.Subject) string {
	return filepath.Join(RemoteDir(cfg), cfg.GroupName, s.ID, cfg.OutputFileName)
}
