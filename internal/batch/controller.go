package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"maskbatch/internal/caselist"
	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/notifications"
	"maskbatch/internal/processing"
	"maskbatch/internal/remote"
	"maskbatch/internal/subject"
)

// ErrRemoteUnavailable aborts a run when every subject of a batch failed to
// stage with a transient remote error.
var ErrRemoteUnavailable = errors.New("remote storage unavailable")

// Options is the explicit run configuration handed to the controller.
type Options struct {
	RunID        string
	Layout       subject.Layout
	Appendage    string
	BatchSize    int
	StartIndex   int
	EndIndex     int
	DryRun       bool
	Workers      int
	MaxAttempts  int
	ManifestPath string
	ModelFolder  string
	UploadLogs   bool
}

// LayoutFromConfig derives the subject path layout from cfg.
func LayoutFromConfig(cfg *config.Config) subject.Layout {
	return subject.Layout{
		RemoteRoot:         cfg.RemoteRoot,
		Group:              cfg.GroupName,
		SourceSubpath:      cfg.SourceSubpath,
		OutputName:         cfg.OutputFileName,
		LocalDataRoot:      cfg.LocalDataRoot,
		AdditionalFilesDir: cfg.AdditionalFilesLoc,
		FileSubstring:      cfg.FileSubstring,
	}
}

// OptionsFromConfig maps a validated config onto Options.
func OptionsFromConfig(cfg *config.Config, runID string) Options {
	return Options{
		RunID:        runID,
		Layout:       LayoutFromConfig(cfg),
		Appendage:    cfg.Appendage,
		BatchSize:    cfg.BatchSize,
		StartIndex:   cfg.StartIndex,
		EndIndex:     cfg.EndIndex,
		DryRun:       cfg.DryRun,
		Workers:      cfg.EffectiveWorkers(),
		MaxAttempts:  cfg.MaxAttempts,
		ManifestPath: cfg.InputText,
		ModelFolder:  cfg.ModelFolder,
		UploadLogs:   cfg.UploadLogs,
	}
}

// Dependencies are the collaborators injected into the controller.
type Dependencies struct {
	Remote   remote.Store
	Cases    caselist.Provider
	Invoker  processing.Invoker
	Ledger   ledger.Store
	TempLog  ledger.TempLog
	Notifier notifications.Service
	Logger   *slog.Logger
}

// Controller runs the batch lifecycle.
type Controller struct {
	opts   Options
	deps   Dependencies
	logger *slog.Logger

	state     *ledger.State
	nextIndex int
	selected  map[string]bool
	reported  map[string]bool
	report    *Report

	mu         sync.Mutex
	additional map[string]bool
}

// New validates opts and deps and returns a controller.
func New(opts Options, deps Dependencies) (*Controller, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", opts.MaxAttempts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ManifestPath == "" {
		return nil, errors.New("manifest path required")
	}
	switch {
	case deps.Remote == nil:
		return nil, errors.New("remote store required")
	case deps.Cases == nil:
		return nil, errors.New("case list required")
	case deps.Invoker == nil:
		return nil, errors.New("processing invoker required")
	case deps.Ledger == nil:
		return nil, errors.New("processed log required")
	case deps.TempLog == nil:
		return nil, errors.New("temp log required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewNoop()
	}
	logger := logging.NewComponentLogger(deps.Logger, "batch")
	if opts.RunID != "" {
		logger = logger.With(logging.String(logging.FieldRunID, opts.RunID))
	}
	if opts.DryRun {
		logger = logger.With(logging.Bool(logging.FieldDryRun, true))
	}
	return &Controller{
		opts:       opts,
		deps:       deps,
		logger:     logger,
		selected:   make(map[string]bool),
		reported:   make(map[string]bool),
		report:     newReport(opts),
		additional: make(map[string]bool),
	}, nil
}

// Report returns the running totals collected so far.
func (c *Controller) Report() Report {
	return *c.report
}
