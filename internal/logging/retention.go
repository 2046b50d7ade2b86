package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PruneRunLogs deletes per-run log files in dir whose modification time is
// older than keepDays. The log of the current run (keep) is never removed,
// and files that do not follow the run log naming are left alone. It returns
// the number of files removed. keepDays <= 0 disables pruning.
func PruneRunLogs(logger *slog.Logger, dir string, keepDays int, keep string) int {
	dir = strings.TrimSpace(dir)
	if keepDays <= 0 || dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	keep = filepath.Clean(keep)

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, RunLogPrefix) || filepath.Ext(name) != ".log" {
			continue
		}
		path := filepath.Join(dir, name)
		if path == keep {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "run log not pruned", "run_log_prune_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check ownership of logging.dir"),
				String(FieldImpact, "expired run log stays on disk"),
			)
			continue
		}
		removed++
	}
	if removed > 0 && logger != nil {
		logger.Info("expired run logs pruned",
			Int("removed", removed),
			Int("retention_days", keepDays),
			String(FieldEventType, "run_logs_pruned"),
		)
	}
	return removed
}
