package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"maskbatch/internal/fileutil"
	"maskbatch/internal/subject"
)

// processIDFile is a scratch file left behind by the masking pipeline.
const processIDFile = "process_id.txt"

// OrganizeResult describes what Organize moved.
type OrganizeResult struct {
	ProcessedDir string
	// Additional lists files moved out of the output set, by destination path.
	Additional []string
}

// Organize moves the subject from staging to the processed tree, deletes the
// pipeline's process id file, and moves any file that is not part of the
// subject's output set into the subject's additional-files directory.
// A processed directory left by an earlier attempt is replaced.
func Organize(layout subject.Layout, s *subject.Subject) (OrganizeResult, error) {
	src := layout.StagingSubjectDir(s)
	dst := layout.ProcessedSubjectDir(s)
	if _, err := os.Stat(src); err != nil {
		return OrganizeResult{}, fmt.Errorf("staging directory: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return OrganizeResult{}, fmt.Errorf("clear previous processed directory: %w", err)
	}
	if err := fileutil.MovePath(src, dst); err != nil {
		return OrganizeResult{}, fmt.Errorf("move to processed: %w", err)
	}

	result := OrganizeResult{ProcessedDir: layout.ProcessedDir(s)}
	entries, err := os.ReadDir(result.ProcessedDir)
	if err != nil {
		return result, fmt.Errorf("read processed directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(result.ProcessedDir, name)
		if name == processIDFile {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return result, fmt.Errorf("remove %s: %w", processIDFile, err)
			}
			continue
		}
		if !entry.IsDir() && layout.IsExpected(s, name) {
			continue
		}
		target := filepath.Join(layout.AdditionalDir(s), name)
		if err := os.RemoveAll(target); err != nil {
			return result, fmt.Errorf("clear additional file %s: %w", name, err)
		}
		if err := fileutil.MovePath(path, target); err != nil {
			return result, fmt.Errorf("move additional file %s: %w", name, err)
		}
		result.Additional = append(result.Additional, target)
	}
	return result, nil
}
