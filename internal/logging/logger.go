package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"maskbatch/internal/config"
)

// RunLogPrefix starts every per-run log file name.
const RunLogPrefix = "maskbatch-"

// Options describes logger construction parameters.
//
// Sinks name the destinations every record is written to: "stdout",
// "stderr", or a file path opened for append. An empty list means stdout.
type Options struct {
	Level  string
	Format string
	Sinks  []string
	// Source adds file:line to each record. Debug level implies it.
	Source bool
}

// New constructs a slog logger. The returned closer releases any log files
// opened for the sinks and must be called once the logger is no longer used.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))
	source := opts.Source || level.Level() <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != "" && format != "console" && format != "json" {
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	out, err := openSinks(opts.Sinks)
	if err != nil {
		return nil, nil, err
	}

	var handler slog.Handler
	if format == "json" {
		handler = newJSONHandler(out, level, source)
	} else {
		handler = newConsoleHandler(out, level, source)
	}
	return slog.New(handler), out, nil
}

// NewFromConfig builds the logger described by cfg.Logging. runLog, when set,
// receives a copy of everything written to stdout.
func NewFromConfig(cfg *config.Config, runLog string) (*slog.Logger, io.Closer, error) {
	opts := Options{Level: "info", Format: "console", Sinks: []string{"stdout"}}
	if cfg != nil {
		opts.Level = cfg.Logging.Level
		opts.Format = cfg.Logging.Format
	}
	if path := strings.TrimSpace(runLog); path != "" {
		opts.Sinks = append(opts.Sinks, path)
	}
	return New(opts)
}

// RunLogPath returns the per-run log file for runID inside the configured log
// directory, or "" when run logs are disabled.
func RunLogPath(cfg *config.Config, runID string) string {
	if cfg == nil || strings.TrimSpace(cfg.Logging.Dir) == "" {
		return ""
	}
	return filepath.Join(cfg.Logging.Dir, RunLogPrefix+runID+".log")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sinkSet fans writes out to every sink and owns the files it opened.
type sinkSet struct {
	io.Writer
	files []*os.File
}

func openSinks(names []string) (*sinkSet, error) {
	set := &sinkSet{}
	var writers []io.Writer
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
				_ = set.Close()
				return nil, fmt.Errorf("create log directory for %s: %w", name, err)
			}
			file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				_ = set.Close()
				return nil, fmt.Errorf("open log file %s: %w", name, err)
			}
			set.files = append(set.files, file)
			writers = append(writers, file)
		}
	}
	switch len(writers) {
	case 0:
		set.Writer = os.Stdout
	case 1:
		set.Writer = writers[0]
	default:
		set.Writer = io.MultiWriter(writers...)
	}
	return set, nil
}

func (s *sinkSet) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}
