package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maskbatch/internal/fileutil"
	"maskbatch/internal/logging"
	"maskbatch/internal/subject"
)

// CleanResult contains the outcome of a directory cleanup operation.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Merge appends other's removals and errors to r.
func (r *CleanResult) Merge(other CleanResult) {
	r.Removed = append(r.Removed, other.Removed...)
	r.Errors = append(r.Errors, other.Errors...)
}

// RemoveSubject deletes the subject's staging, processed, and (when
// includeAdditional is set) additional-files directories.
func RemoveSubject(layout subject.Layout, s *subject.Subject, includeAdditional bool, logger *slog.Logger) CleanResult {
	paths := []string{layout.StagingSubjectDir(s), layout.ProcessedSubjectDir(s)}
	if includeAdditional {
		paths = append(paths, layout.AdditionalDir(s))
	}
	result := CleanResult{}
	for _, dirPath := range paths {
		if _, err := os.Lstat(dirPath); os.IsNotExist(err) {
			continue
		}
		removeDir(&result, dirPath, logger, "subject_cleanup",
			logging.String(logging.FieldSubject, s.ID))
	}
	return result
}

// Clean removes every directory in dir for which remove returns true.
func Clean(ctx context.Context, dir string, remove func(DirInfo) bool, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	dirs, err := ListDirectories(dir)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		return result
	}
	for _, info := range dirs {
		if ctx.Err() != nil {
			break
		}
		if remove != nil && !remove(info) {
			continue
		}
		removeDir(&result, info.Path, logger, "staging_cleanup",
			logging.Duration("age", time.Since(info.ModTime)))
	}
	return result
}

// CleanStale removes directories in dir older than maxAge.
func CleanStale(ctx context.Context, dir string, maxAge time.Duration, logger *slog.Logger) CleanResult {
	cutoff := time.Now().Add(-maxAge)
	return Clean(ctx, dir, func(info DirInfo) bool {
		return info.ModTime.Before(cutoff)
	}, logger)
}

func removeDir(result *CleanResult, dirPath string, logger *slog.Logger, eventType string, attrs ...logging.Attr) {
	if err := os.RemoveAll(dirPath); err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
		if logger != nil {
			logging.WarnWithContext(logger, "failed to remove directory", eventType+"_failed",
				append(attrs,
					logging.String("path", dirPath),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check local_data_root permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)...,
			)
		}
		return
	}
	result.Removed = append(result.Removed, dirPath)
	if logger != nil {
		logger.Info("removed directory",
			logging.Args(append(attrs,
				logging.String("path", dirPath),
				logging.String(logging.FieldEventType, eventType),
			)...)...,
		)
	}
}

// ListDirectories returns all directories in dir with their metadata.
func ListDirectories(dir string) ([]DirInfo, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(dir, entry.Name())
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    fileutil.DirSize(dirPath),
		})
	}

	return dirs, nil
}

// DirInfo contains metadata about a local subject directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}
