package batch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"maskbatch/internal/batch"
	"maskbatch/internal/caselist"
	"maskbatch/internal/config"
	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/manifest"
	"maskbatch/internal/notifications"
	"maskbatch/internal/processing"
	"maskbatch/internal/remote"
	"maskbatch/internal/testsupport"
)

// recordingStore counts mutating calls and can inject Exists failures or
// hide objects that were written.
type recordingStore struct {
	inner remote.Store

	mu        sync.Mutex
	downloads int
	uploads   int
	deletes   int
	existsErr func(uri string) error
	hidden    map[string]bool
}

func (r *recordingStore) Exists(ctx context.Context, uri string) (bool, error) {
	r.mu.Lock()
	hook := r.existsErr
	hide := r.hidden[uri]
	r.mu.Unlock()
	if hook != nil {
		if err := hook(uri); err != nil {
			return false, err
		}
	}
	if hide {
		return false, nil
	}
	return r.inner.Exists(ctx, uri)
}

func (r *recordingStore) List(ctx context.Context, uri string) ([]remote.Object, error) {
	return r.inner.List(ctx, uri)
}

func (r *recordingStore) DownloadPrefix(ctx context.Context, uri, localDir string, filter remote.Filter) error {
	r.mu.Lock()
	r.downloads++
	r.mu.Unlock()
	return r.inner.DownloadPrefix(ctx, uri, localDir, filter)
}

func (r *recordingStore) UploadPrefix(ctx context.Context, localDir, uri string, filter remote.Filter) error {
	r.mu.Lock()
	r.uploads++
	r.mu.Unlock()
	return r.inner.UploadPrefix(ctx, localDir, uri, filter)
}

func (r *recordingStore) Delete(ctx context.Context, uri string) error {
	r.mu.Lock()
	r.deletes++
	r.mu.Unlock()
	return r.inner.Delete(ctx, uri)
}

func (r *recordingStore) mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads + r.uploads + r.deletes
}

func (r *recordingStore) hide(uri string) {
	r.mu.Lock()
	if r.hidden == nil {
		r.hidden = make(map[string]bool)
	}
	r.hidden[uri] = true
	r.mu.Unlock()
}

func (r *recordingStore) setExistsErr(hook func(uri string) error) {
	r.mu.Lock()
	r.existsErr = hook
	r.mu.Unlock()
}

// pipelineExecutor stands in for the masking script: it reads the manifest
// and writes the two mask outputs, a scratch process id file, and a QC file
// next to each listed image, except for subjects listed in fail.
type pipelineExecutor struct {
	substring string
	fail      map[string]bool
	calls     int
}

func (p *pipelineExecutor) Run(_ context.Context, _ string, _ string, args []string, onOutput func(string)) error {
	p.calls++
	images, err := manifest.Read(manifestArg(args))
	if err != nil {
		return err
	}
	failed := false
	for _, image := range images {
		prefix := strings.TrimSuffix(filepath.Base(image), ".nii.gz")
		base := strings.TrimSuffix(prefix, p.substring)
		if p.fail[base] {
			onOutput("masking failed for " + base)
			failed = true
			continue
		}
		dir := filepath.Dir(image)
		for _, name := range []string{prefix + "_bse-multi_BrainMask.nii.gz", prefix + "_bse.nii.gz", "process_id.txt", prefix + "_qc.txt"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("mask"), 0o644); err != nil {
				return err
			}
		}
	}
	if failed {
		return errors.New("exit status 1")
	}
	return nil
}

func manifestArg(args []string) string {
	for i, arg := range args {
		if arg == "-i" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type recordingNotifier struct {
	mu      sync.Mutex
	events  []notifications.Message
	onEvent func(notifications.Message)
}

func (r *recordingNotifier) Publish(_ context.Context, msg notifications.Message) error {
	r.mu.Lock()
	r.events = append(r.events, msg)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) kinds() []notifications.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifications.Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

type harness struct {
	cfg      *config.Config
	store    *recordingStore
	exec     *pipelineExecutor
	notifier *recordingNotifier
	ledger   ledger.Store
	temp     *ledger.FileTempLog
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	return &harness{
		cfg:      cfg,
		store:    &recordingStore{inner: remote.NewLocalStore()},
		exec:     &pipelineExecutor{substring: cfg.FileSubstring, fail: map[string]bool{}},
		notifier: &recordingNotifier{},
		ledger:   testsupport.MustOpenLedger(t, cfg),
		temp:     ledger.NewFileTempLog(cfg.TempLogLoc),
	}
}

func (h *harness) controller(t *testing.T, runID string) *batch.Controller {
	t.Helper()
	cases, err := caselist.Load(h.cfg.CaselistFile, h.cfg.StartIndex, h.cfg.EndIndex)
	if err != nil {
		t.Fatalf("load caselist: %v", err)
	}
	inv, err := processing.New(processing.OptionsFromConfig(h.cfg), logging.NewNop(), processing.WithExecutor(h.exec))
	if err != nil {
		t.Fatalf("processing.New: %v", err)
	}
	var store remote.Store = h.store
	if h.cfg.DryRun {
		store = remote.NewDryRunStore(h.store, logging.NewNop())
	}
	ctrl, err := batch.New(batch.OptionsFromConfig(h.cfg, runID), batch.Dependencies{
		Remote:   store,
		Cases:    cases,
		Invoker:  inv,
		Ledger:   h.ledger,
		TempLog:  h.temp,
		Notifier: h.notifier,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	return ctrl
}

func entriesFor(entries []ledger.Entry, id string) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range entries {
		if e.Subject == id {
			out = append(out, e)
		}
	}
	return out
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
