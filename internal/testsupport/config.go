package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"maskbatch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a live-run config rooted in a per-test temp directory,
// with a file:// remote so no network is involved. It defaults common fields,
// applies opts, and creates the local directories.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.RemoteRoot = "file://" + filepath.ToSlash(filepath.Join(base, "remote"))
	cfgVal.CaselistFile = filepath.Join(base, "caselist.txt")
	cfgVal.GroupName = "HCP"
	cfgVal.LocalDataRoot = filepath.Join(base, "data")
	cfgVal.AdditionalFilesLoc = filepath.Join(base, "additional")
	cfgVal.LogLoc = filepath.Join(base, "state", "processed.log")
	cfgVal.TempLogLoc = filepath.Join(base, "state", "temp.log")
	cfgVal.InputText = filepath.Join(base, "state", "input.txt")
	cfgVal.ModelFolder = filepath.Join(base, "model")
	cfgVal.FileSubstring = "_dwi"
	cfgVal.BatchSize = 2
	cfgVal.DryRun = false
	cfgVal.UploadLogs = false
	cfgVal.MinFreeGiB = 0
	cfgVal.Processing.MaskingScript = filepath.Join(base, "pipeline", "masking.py")
	cfgVal.Logging.Dir = filepath.Join(base, "logs")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := os.MkdirAll(builder.cfg.ModelFolder, 0o755); err != nil {
		t.Fatalf("mkdir model folder: %v", err)
	}
	if _, err := os.Stat(builder.cfg.CaselistFile); os.IsNotExist(err) {
		if err := os.WriteFile(builder.cfg.CaselistFile, nil, 0o644); err != nil {
			t.Fatalf("write caselist: %v", err)
		}
	}
	return builder.cfg
}

// WithCaselist writes ids, one per line, to the config's case list file.
func WithCaselist(ids ...string) ConfigOption {
	return func(b *configBuilder) {
		data := strings.Join(ids, "\n") + "\n"
		if err := os.WriteFile(b.cfg.CaselistFile, []byte(data), 0o644); err != nil {
			b.t.Fatalf("write caselist: %v", err)
		}
	}
}

// WithBatchSize overrides batch_size.
func WithBatchSize(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.BatchSize = n
	}
}

// WithDryRun toggles dry_run.
func WithDryRun(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.DryRun = enabled
	}
}

// WithAppendage sets the appendage added to case list ids.
func WithAppendage(appendage string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Appendage = appendage
	}
}

// WithSQLiteLedger switches the processed log to the SQLite backend.
func WithSQLiteLedger() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ledger.Backend = "sqlite"
		b.cfg.LogLoc = filepath.Join(b.baseDir, "state", "processed.db")
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default interpreter is
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{b.cfg.Processing.Interpreter}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.LocalDataRoot)
}

// RemoteDir returns the filesystem directory behind the config's file:// remote.
func RemoteDir(cfg *config.Config) string {
	return filepath.FromSlash(strings.TrimPrefix(cfg.RemoteRoot, "file://"))
}
