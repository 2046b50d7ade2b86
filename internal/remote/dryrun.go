package remote

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"maskbatch/internal/logging"
)

// Operation records a mutation that a DryRunStore skipped.
type Operation struct {
	Kind   string
	Source string
	Target string
}

// DryRunStore passes reads to the wrapped store and records every download,
// upload, and delete instead of performing it.
type DryRunStore struct {
	inner  Store
	logger *slog.Logger

	mu      sync.Mutex
	skipped []Operation
}

// NewDryRunStore wraps inner.
func NewDryRunStore(inner Store, logger *slog.Logger) *DryRunStore {
	return &DryRunStore{inner: inner, logger: logging.NewComponentLogger(logger, "remote")}
}

func (d *DryRunStore) Exists(ctx context.Context, uri string) (bool, error) {
	return d.inner.Exists(ctx, uri)
}

func (d *DryRunStore) List(ctx context.Context, uri string) ([]Object, error) {
	return d.inner.List(ctx, uri)
}

func (d *DryRunStore) DownloadPrefix(_ context.Context, uri, localDir string, _ Filter) error {
	d.record(Operation{Kind: "download", Source: uri, Target: localDir})
	return nil
}

func (d *DryRunStore) UploadPrefix(_ context.Context, localDir, uri string, _ Filter) error {
	d.record(Operation{Kind: "upload", Source: localDir, Target: uri})
	return nil
}

func (d *DryRunStore) Delete(_ context.Context, uri string) error {
	d.record(Operation{Kind: "delete", Target: uri})
	return nil
}

// Close closes the wrapped store when it holds resources.
func (d *DryRunStore) Close() error {
	if closer, ok := d.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Skipped returns the mutations suppressed so far.
func (d *DryRunStore) Skipped() []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Operation, len(d.skipped))
	copy(out, d.skipped)
	return out
}

func (d *DryRunStore) record(op Operation) {
	d.mu.Lock()
	d.skipped = append(d.skipped, op)
	d.mu.Unlock()
	d.logger.Info("dry run: skipped remote "+op.Kind,
		logging.String("source", op.Source),
		logging.String("target", op.Target),
		logging.Bool(logging.FieldDryRun, true),
	)
}
