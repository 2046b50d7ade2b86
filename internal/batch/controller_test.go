package batch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"maskbatch/internal/batch"
	"maskbatch/internal/ledger"
	"maskbatch/internal/notifications"
	"maskbatch/internal/services"
	"maskbatch/internal/subject"
	"maskbatch/internal/testsupport"
)

func TestRunPartialFailureScenario(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithCaselist("100307", "100408", "101107"),
		testsupport.WithBatchSize(2),
	)
	a := testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408")
	c := testsupport.SeedSubject(t, cfg, "101107")

	h := newHarness(t, cfg)
	h.exec.fail[b.Base] = true

	report, err := h.controller(t, "run-1").Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := testsupport.LatestOutcomes(t, h.ledger)
	want := map[string]ledger.Outcome{
		a.ID: ledger.OutcomeUploaded,
		b.ID: ledger.OutcomeFailed,
		c.ID: ledger.OutcomeUploaded,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if len(report.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(report.Batches))
	}
	if ids := []string{report.Batches[0].Subjects[0].ID, report.Batches[0].Subjects[1].ID}; !reflect.DeepEqual(ids, []string{a.ID, b.ID}) {
		t.Fatalf("batch 1 = %v", ids)
	}
	if report.Uploaded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected totals %+v", report)
	}
	if h.exec.calls != 2 {
		t.Fatalf("expected one pipeline call per batch, got %d", h.exec.calls)
	}

	entries := testsupport.LedgerEntries(t, h.ledger)
	failed := entriesFor(entries, b.ID)
	if len(failed) != 1 || failed[0].Attempts != 1 || !strings.Contains(failed[0].Reason, "missing outputs") {
		t.Fatalf("unexpected entry for failed subject: %+v", failed)
	}
	if failed[0].RunID != "run-1" {
		t.Fatalf("expected run id on entry, got %q", failed[0].RunID)
	}

	for _, s := range []*subject.Subject{a, c} {
		out := testsupport.RemoteOutputDir(cfg, s)
		names := dirNames(t, out)
		if len(names) != 5 {
			t.Fatalf("remote outputs for %s = %v, want the 5 expected files", s.ID, names)
		}
		for _, name := range names {
			if strings.HasSuffix(name, "_qc.txt") || name == "process_id.txt" || strings.Contains(name, "T1w") {
				t.Fatalf("unexpected file %s uploaded for %s", name, s.ID)
			}
		}
		extra := filepath.Join(testsupport.RemoteDir(cfg), cfg.GroupName, "AdditionalFiles", s.ID, s.Base+"_dwi_qc.txt")
		if !exists(extra) {
			t.Fatalf("expected additional file uploaded at %s", extra)
		}
	}

	// Only the failed subject keeps local state.
	layout := batch.LayoutFromConfig(cfg)
	if names := dirNames(t, layout.StagingRoot()); !reflect.DeepEqual(names, []string{b.ID}) {
		t.Fatalf("staging root = %v, want only %s", names, b.ID)
	}
	if names := dirNames(t, layout.ProcessedRoot()); len(names) != 0 {
		t.Fatalf("processed root should be empty, got %v", names)
	}
	if names := dirNames(t, cfg.AdditionalFilesLoc); len(names) != 0 {
		t.Fatalf("additional files should be cleaned, got %v", names)
	}

	snapshot, err := h.temp.Load()
	if err != nil || snapshot != nil {
		t.Fatalf("expected empty temp log after run, got %+v, %v", snapshot, err)
	}

	wantEvents := []notifications.Event{
		notifications.EventRunStarted,
		notifications.EventBatchCompleted,
		notifications.EventBatchCompleted,
		notifications.EventRunCompleted,
	}
	if got := h.notifier.kinds(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408", "101107"))
	for _, id := range []string{"100307", "100408", "101107"} {
		testsupport.SeedSubject(t, cfg, id)
	}
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := testsupport.LedgerEntries(t, h.ledger)
	uploads := h.store.uploads

	report, err := h.controller(t, "run-2").Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	after := testsupport.LedgerEntries(t, h.ledger)
	if len(after) != len(before) {
		t.Fatalf("second run appended entries: %d -> %d", len(before), len(after))
	}
	if report.Skipped != 3 || len(report.Batches) != 0 {
		t.Fatalf("expected every subject skipped, got %+v", report)
	}
	if h.store.uploads != uploads || h.exec.calls != 2 {
		t.Fatalf("second run touched remote or pipeline: uploads %d -> %d, calls %d", uploads, h.store.uploads, h.exec.calls)
	}
}

func TestDryRunPlansWithoutSideEffects(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithCaselist("100307", "100408", "999999"),
		testsupport.WithDryRun(true),
	)
	testsupport.SeedSubject(t, cfg, "100307")
	testsupport.SeedSubject(t, cfg, "100408")
	h := newHarness(t, cfg)

	report, err := h.controller(t, "dry").Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.DryRun || len(report.Plan) != 3 {
		t.Fatalf("expected a 3-subject plan, got %+v", report.Plan)
	}
	actions := map[string]string{}
	for _, p := range report.Plan {
		actions[p.Subject] = p.Action
	}
	want := map[string]string{
		"100307": batch.PlanProcess,
		"100408": batch.PlanProcess,
		"999999": batch.PlanMissingRemote,
	}
	if !reflect.DeepEqual(actions, want) {
		t.Fatalf("plan actions = %v, want %v", actions, want)
	}
	if report.Plan[2].Batch != 2 {
		t.Fatalf("expected third subject in batch 2, got %d", report.Plan[2].Batch)
	}

	if h.store.mutations() != 0 {
		t.Fatalf("dry run reached the remote store with %d mutations", h.store.mutations())
	}
	if h.exec.calls != 0 {
		t.Fatalf("dry run invoked the pipeline %d times", h.exec.calls)
	}
	if exists(cfg.LogLoc) || exists(cfg.TempLogLoc) || exists(cfg.InputText) {
		t.Fatal("dry run wrote local state")
	}
	if names := dirNames(t, batch.LayoutFromConfig(cfg).StagingRoot()); len(names) != 0 {
		t.Fatalf("dry run staged directories: %v", names)
	}
	if events := h.notifier.kinds(); len(events) != 0 {
		t.Fatalf("dry run published events: %v", events)
	}
}

func TestMissingRemoteFailsOnlyThatSubject(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "999999"))
	a := testsupport.SeedSubject(t, cfg, "100307")
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	missing := entriesFor(entries, "999999")
	if len(missing) != 1 || missing[0].Status != ledger.OutcomeFailed || !strings.Contains(missing[0].Reason, "missing remote prefix") {
		t.Fatalf("unexpected entry for missing subject: %+v", missing)
	}
	if missing[0].Attempts != 1 {
		t.Fatalf("missing input should count toward retries, got %d", missing[0].Attempts)
	}
	if got := entriesFor(entries, a.ID); len(got) != 1 || got[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("unexpected entry for healthy subject: %+v", got)
	}
}

func TestRetryBudgetExhaustsSubject(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
	cfg.MaxAttempts = 2
	testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408")
	h := newHarness(t, cfg)
	h.exec.fail[b.Base] = true

	for i, run := range []string{"run-1", "run-2"} {
		if _, err := h.controller(t, run).Run(context.Background()); err != nil {
			t.Fatalf("%s: %v", run, err)
		}
		got := entriesFor(testsupport.LedgerEntries(t, h.ledger), b.ID)
		if len(got) != i+1 || got[i].Attempts != i+1 {
			t.Fatalf("after %s: entries %+v", run, got)
		}
	}

	calls := h.exec.calls
	report, err := h.controller(t, "run-3").Run(context.Background())
	if err != nil {
		t.Fatalf("run-3: %v", err)
	}
	if !reflect.DeepEqual(report.Exhausted, []string{b.ID}) {
		t.Fatalf("expected %s exhausted, got %v", b.ID, report.Exhausted)
	}
	if h.exec.calls != calls {
		t.Fatal("exhausted subject was processed again")
	}
	if got := entriesFor(testsupport.LedgerEntries(t, h.ledger), b.ID); len(got) != 2 {
		t.Fatalf("exhausted subject gained entries: %+v", got)
	}
}

func TestAllTransientStagingAbortsRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408", "101107"))
	for _, id := range []string{"100307", "100408", "101107"} {
		testsupport.SeedSubject(t, cfg, id)
	}
	h := newHarness(t, cfg)
	h.store.setExistsErr(func(uri string) error {
		return services.Wrap(services.ErrTransient, "remote", "exists", uri, errors.New("connection reset"))
	})

	report, err := h.controller(t, "run-1").Run(context.Background())
	if !errors.Is(err, batch.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if len(report.Batches) != 1 {
		t.Fatalf("expected the run to stop after batch 1, got %d batches", len(report.Batches))
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	if len(entries) != 2 {
		t.Fatalf("expected batch 1 committed as failed, got %+v", entries)
	}
	for _, e := range entries {
		if e.Status != ledger.OutcomeFailed || e.Attempts != 0 {
			t.Fatalf("transient failure consumed budget: %+v", e)
		}
	}
	if events := h.notifier.kinds(); events[len(events)-1] != notifications.EventRunFailed {
		t.Fatalf("expected run_failed event last, got %v", events)
	}

	h.store.setExistsErr(nil)
	if _, err := h.controller(t, "run-2").Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	for id, outcome := range testsupport.LatestOutcomes(t, h.ledger) {
		if outcome != ledger.OutcomeUploaded {
			t.Fatalf("%s not uploaded after recovery: %s", id, outcome)
		}
	}
}

func TestSingleTransientFailureDoesNotAbort(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
	a := testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408")
	h := newHarness(t, cfg)
	h.store.setExistsErr(func(uri string) error {
		if strings.Contains(uri, b.ID) {
			return services.Wrap(services.ErrTransient, "remote", "exists", uri, errors.New("timeout"))
		}
		return nil
	})

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	if got := entriesFor(entries, a.ID); len(got) != 1 || got[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("healthy subject: %+v", got)
	}
	if got := entriesFor(entries, b.ID); len(got) != 1 || got[0].Status != ledger.OutcomeFailed || got[0].Attempts != 0 {
		t.Fatalf("transient subject: %+v", got)
	}
}

func TestResumeAfterCrashBetweenUploadAndCommit(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408", "101107"))
	for _, id := range []string{"100307", "100408", "101107"} {
		testsupport.SeedSubject(t, cfg, id)
	}
	h := newHarness(t, cfg)
	ctx := context.Background()

	crashed := h.controller(t, "run-1")
	b, err := crashed.NextBatch(ctx)
	if err != nil || b == nil {
		t.Fatalf("NextBatch: %v, %v", b, err)
	}
	if err := crashed.Stage(ctx, b); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	m, err := crashed.BuildManifest(ctx, b)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if err := crashed.InvokeProcessing(ctx, b, m); err != nil {
		t.Fatalf("InvokeProcessing: %v", err)
	}
	if err := crashed.Organize(ctx, b); err != nil {
		t.Fatalf("Organize: %v", err)
	}
	if err := crashed.Upload(ctx, b); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := b.Counts()[subject.StatusUploaded]; got != 2 {
		t.Fatalf("expected 2 uploaded before the crash, got %v", b.Counts())
	}
	snapshot, err := h.temp.Load()
	if err != nil || snapshot == nil || len(snapshot.InStatus(string(subject.StatusUploaded))) != 2 {
		t.Fatalf("temp log does not reflect uploads: %+v, %v", snapshot, err)
	}

	uploadsBefore := h.store.uploads
	report, err := h.controller(t, "run-2").Run(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if report.Reconciled != 2 {
		t.Fatalf("expected 2 reconciled entries, got %d", report.Reconciled)
	}

	entries := testsupport.LedgerEntries(t, h.ledger)
	if len(entries) != 3 {
		t.Fatalf("expected exactly one entry per subject, got %+v", entries)
	}
	for _, e := range entries {
		if e.Status != ledger.OutcomeUploaded {
			t.Fatalf("unexpected outcome %+v", e)
		}
	}
	if got := entriesFor(entries, b.Subjects[0].ID); got[0].RunID != "run-1" {
		t.Fatalf("reconciled entry should carry the interrupted run id, got %q", got[0].RunID)
	}
	// Only the third subject is uploaded by the resumed run (outputs plus additional files).
	if h.store.uploads-uploadsBefore != 2 {
		t.Fatalf("resumed run re-uploaded reconciled subjects: %d uploads", h.store.uploads-uploadsBefore)
	}
	if names := dirNames(t, batch.LayoutFromConfig(cfg).ProcessedRoot()); len(names) != 0 {
		t.Fatalf("reconciled subjects left local directories: %v", names)
	}
}

func TestReconcileDoesNotDuplicateCommittedEntries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	testsupport.SeedSubject(t, cfg, "100307")
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Simulate a crash after the append but before the temp log reset.
	if err := h.temp.Save(ledger.Snapshot{
		RunID:    "run-1",
		Batch:    1,
		Subjects: []ledger.TempSubject{{ID: "100307", Base: "100307", Status: string(subject.StatusLogged)}},
	}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	n, err := h.controller(t, "run-2").Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing reconciled, got %d", n)
	}
	if entries := testsupport.LedgerEntries(t, h.ledger); len(entries) != 1 {
		t.Fatalf("duplicate entries: %+v", entries)
	}
	if snapshot, _ := h.temp.Load(); snapshot != nil {
		t.Fatal("temp log not reset after reconciliation")
	}
}

func TestReconcileCommitsFailedAndRequeuesInFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
	testsupport.SeedSubject(t, cfg, "100307")
	testsupport.SeedSubject(t, cfg, "100408")
	h := newHarness(t, cfg)
	if err := h.temp.Save(ledger.Snapshot{
		RunID: "run-0",
		Batch: 1,
		Subjects: []ledger.TempSubject{
			{ID: "100307", Base: "100307", Status: string(subject.StatusStaged)},
			{ID: "100408", Base: "100408", Status: string(subject.StatusFailed), Reason: "boom", Counted: true, Attempts: 1},
		},
	}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	failed := entriesFor(entries, "100408")
	if len(failed) < 1 || failed[0].Status != ledger.OutcomeFailed || failed[0].Attempts != 2 || failed[0].RunID != "run-0" {
		t.Fatalf("failed subject not reconciled: %+v", failed)
	}
	if got := entriesFor(entries, "100307"); len(got) != 1 || got[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("in-flight subject not reprocessed: %+v", got)
	}
}

func TestCorruptProcessedLogIsFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	testsupport.SeedSubject(t, cfg, "100307")
	if err := os.WriteFile(cfg.LogLoc, []byte("100307\tuploaded\tnot-a-time\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, cfg)

	_, err := h.controller(t, "run-1").Run(context.Background())
	if !errors.Is(err, ledger.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if h.store.mutations() != 0 || h.exec.calls != 0 {
		t.Fatal("corrupt log did not halt the run before any work")
	}
}

func TestCorruptTempLogIsFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	if err := os.WriteFile(cfg.TempLogLoc, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); !errors.Is(err, ledger.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestCancellationStopsBetweenBatches(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithCaselist("100307", "100408", "101107"),
		testsupport.WithBatchSize(1),
	)
	for _, id := range []string{"100307", "100408", "101107"} {
		testsupport.SeedSubject(t, cfg, id)
	}
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.notifier.onEvent = func(msg notifications.Message) {
		if msg.Event == notifications.EventBatchCompleted {
			cancel()
		}
	}

	report, err := h.controller(t, "run-1").Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Batches) != 1 {
		t.Fatalf("expected exactly one completed batch, got %d", len(report.Batches))
	}
	if entries := testsupport.LedgerEntries(t, h.ledger); len(entries) != 1 {
		t.Fatalf("expected only batch 1 committed, got %+v", entries)
	}
	if snapshot, _ := h.temp.Load(); snapshot != nil {
		t.Fatalf("temp log should be clear between batches, got %+v", snapshot)
	}
}

func TestAppendageAndSQLiteBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithCaselist("100307", "100408_V1"),
		testsupport.WithAppendage("_V1"),
		testsupport.WithSQLiteLedger(),
	)
	a := testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408_V1")
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := testsupport.LatestOutcomes(t, h.ledger)
	want := map[string]ledger.Outcome{"100307_V1": ledger.OutcomeUploaded, "100408_V1": ledger.OutcomeUploaded}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for _, s := range []*subject.Subject{a, b} {
		mask := filepath.Join(testsupport.RemoteOutputDir(cfg, s), s.Base+"_dwi_bse-multi_BrainMask.nii.gz")
		if !exists(mask) {
			t.Fatalf("expected mask at %s", mask)
		}
	}
}

func TestUploadLogsCopiesProcessedLog(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	cfg.UploadLogs = true
	testsupport.SeedSubject(t, cfg, "100307")
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	copied := filepath.Join(testsupport.RemoteDir(cfg), cfg.GroupName, "logs", "processed.log")
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("read remote log copy: %v", err)
	}
	if !strings.HasPrefix(string(data), "100307\tuploaded\t") {
		t.Fatalf("unexpected remote log copy %q", data)
	}
}

func TestCommitRequiresTerminalSubjects(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	h := newHarness(t, cfg)
	ctrl := h.controller(t, "run-1")

	b := &subject.Batch{Index: 1, Subjects: []*subject.Subject{subject.New("100307", "")}}
	if err := ctrl.CommitLog(context.Background(), b); err == nil {
		t.Fatal("expected commit of a pending subject to fail")
	}
	if entries := testsupport.LedgerEntries(t, h.ledger); len(entries) != 0 {
		t.Fatalf("entries written: %+v", entries)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	opts := batch.OptionsFromConfig(cfg, "run-1")
	if _, err := batch.New(opts, batch.Dependencies{}); err == nil {
		t.Fatal("expected missing dependencies to be rejected")
	}
	opts.BatchSize = 0
	if _, err := batch.New(opts, batch.Dependencies{}); err == nil {
		t.Fatal("expected zero batch size to be rejected")
	}
}

func TestReconcileCleansSubjectsCommittedBeforeCrash(t *testing.T) {
	cases := []struct {
		name   string
		commit func(t *testing.T, h *harness, ctrl *batch.Controller, b *subject.Batch)
	}{
		{
			name: "after commit before cleanup",
			commit: func(t *testing.T, _ *harness, ctrl *batch.Controller, b *subject.Batch) {
				if err := ctrl.CommitLog(context.Background(), b); err != nil {
					t.Fatalf("CommitLog: %v", err)
				}
			},
		},
		{
			name: "after append before temp log update",
			commit: func(t *testing.T, h *harness, _ *batch.Controller, b *subject.Batch) {
				var entries []ledger.Entry
				for _, s := range b.Subjects {
					entries = append(entries, ledger.Entry{
						Subject:    s.ID,
						Status:     ledger.OutcomeUploaded,
						RecordedAt: time.Now().UTC(),
						RunID:      "run-1",
					})
				}
				if err := h.ledger.Append(context.Background(), entries); err != nil {
					t.Fatalf("append: %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
			testsupport.SeedSubject(t, cfg, "100307")
			testsupport.SeedSubject(t, cfg, "100408")
			h := newHarness(t, cfg)
			ctx := context.Background()

			crashed := h.controller(t, "run-1")
			b, err := crashed.NextBatch(ctx)
			if err != nil || b == nil {
				t.Fatalf("NextBatch: %v, %v", b, err)
			}
			if err := crashed.Stage(ctx, b); err != nil {
				t.Fatalf("Stage: %v", err)
			}
			m, err := crashed.BuildManifest(ctx, b)
			if err != nil {
				t.Fatalf("BuildManifest: %v", err)
			}
			if err := crashed.InvokeProcessing(ctx, b, m); err != nil {
				t.Fatalf("InvokeProcessing: %v", err)
			}
			if err := crashed.Organize(ctx, b); err != nil {
				t.Fatalf("Organize: %v", err)
			}
			if err := crashed.Upload(ctx, b); err != nil {
				t.Fatalf("Upload: %v", err)
			}
			tc.commit(t, h, crashed, b)

			layout := batch.LayoutFromConfig(cfg)
			if names := dirNames(t, layout.ProcessedRoot()); len(names) != 2 {
				t.Fatalf("expected processed directories before restart, got %v", names)
			}

			if _, err := h.controller(t, "run-2").Run(ctx); err != nil {
				t.Fatalf("restart: %v", err)
			}
			if names := dirNames(t, layout.ProcessedRoot()); len(names) != 0 {
				t.Fatalf("processed root after restart = %v", names)
			}
			if names := dirNames(t, cfg.AdditionalFilesLoc); len(names) != 0 {
				t.Fatalf("additional files after restart = %v", names)
			}
			if entries := testsupport.LedgerEntries(t, h.ledger); len(entries) != 2 {
				t.Fatalf("expected one entry per subject, got %+v", entries)
			}
			if snapshot, err := h.temp.Load(); err != nil || snapshot != nil {
				t.Fatalf("temp log not cleared: %+v, %v", snapshot, err)
			}
		})
	}
}

func TestCommitKeepsTempLogUntilCleanup(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	testsupport.SeedSubject(t, cfg, "100307")
	h := newHarness(t, cfg)
	ctx := context.Background()

	ctrl := h.controller(t, "run-1")
	b, err := ctrl.NextBatch(ctx)
	if err != nil || b == nil {
		t.Fatalf("NextBatch: %v, %v", b, err)
	}
	if err := ctrl.Stage(ctx, b); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	m, err := ctrl.BuildManifest(ctx, b)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if err := ctrl.InvokeProcessing(ctx, b, m); err != nil {
		t.Fatalf("InvokeProcessing: %v", err)
	}
	if err := ctrl.Organize(ctx, b); err != nil {
		t.Fatalf("Organize: %v", err)
	}
	if err := ctrl.Upload(ctx, b); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := ctrl.CommitLog(ctx, b); err != nil {
		t.Fatalf("CommitLog: %v", err)
	}

	snapshot, err := h.temp.Load()
	if err != nil || snapshot == nil {
		t.Fatalf("expected temp log to survive the commit: %+v, %v", snapshot, err)
	}
	logged := snapshot.InStatus(string(subject.StatusLogged))
	if len(logged) != 1 || !logged[0].Additional {
		t.Fatalf("snapshot should show the logged subject with additional files sent: %+v", snapshot.Subjects)
	}
}

func TestDuplicateSubjectAfterAppendageIsSelectedOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithCaselist("100307", "100307_V1_MR"),
		testsupport.WithAppendage("_V1_MR"),
	)
	s := testsupport.SeedSubject(t, cfg, "100307")
	h := newHarness(t, cfg)

	report, err := h.controller(t, "run-1").Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Uploaded != 1 || report.Failed != 0 {
		t.Fatalf("unexpected totals %+v", report)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	if len(entries) != 1 || entries[0].Subject != s.ID || entries[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("expected a single uploaded entry for %s, got %+v", s.ID, entries)
	}
	if h.store.downloads != 1 || h.exec.calls != 1 {
		t.Fatalf("subject staged %d times and processed %d times", h.store.downloads, h.exec.calls)
	}
}

func TestUploadNotVisibleFailsWithoutConsumingRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
	a := testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408")
	h := newHarness(t, cfg)

	layout := batch.LayoutFromConfig(cfg)
	var bse string
	for _, name := range layout.ExpectedFiles(a) {
		if strings.HasSuffix(name, "_bse.nii.gz") {
			bse = name
		}
	}
	if bse == "" {
		t.Fatalf("no _bse output among %v", layout.ExpectedFiles(a))
	}
	h.store.hide(subject.JoinURI(layout.RemoteDest(a), bse))

	report, err := h.controller(t, "run-1").Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Uploaded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected totals %+v", report)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	got := entriesFor(entries, a.ID)
	if len(got) != 1 || got[0].Status != ledger.OutcomeFailed || got[0].Attempts != 0 {
		t.Fatalf("unverified upload should fail without using a retry: %+v", got)
	}
	if !strings.Contains(got[0].Reason, bse) {
		t.Fatalf("reason should name the missing file, got %q", got[0].Reason)
	}
	if ok := entriesFor(entries, b.ID); len(ok) != 1 || ok[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("healthy subject: %+v", ok)
	}
	if names := dirNames(t, layout.ProcessedRoot()); !reflect.DeepEqual(names, []string{a.ID}) {
		t.Fatalf("processed root = %v, want only %s", names, a.ID)
	}
	if !exists(layout.AdditionalDir(a)) {
		t.Fatalf("additional files of %s should be kept", a.ID)
	}
}

func TestMissingStagedInputExcludedFromManifest(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307", "100408"))
	a := testsupport.SeedSubject(t, cfg, "100307")
	b := testsupport.SeedSubject(t, cfg, "100408")
	bvec := filepath.Join(testsupport.RemoteDir(cfg), cfg.GroupName, a.ID,
		filepath.FromSlash(cfg.SourceSubpath), a.Base+cfg.FileSubstring+".bvec")
	if err := os.Remove(bvec); err != nil {
		t.Fatalf("remove %s: %v", bvec, err)
	}
	h := newHarness(t, cfg)

	report, err := h.controller(t, "run-1").Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Uploaded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected totals %+v", report)
	}
	entries := testsupport.LedgerEntries(t, h.ledger)
	got := entriesFor(entries, a.ID)
	if len(got) != 1 || got[0].Status != ledger.OutcomeFailed || got[0].Attempts != 1 || !strings.Contains(got[0].Reason, ".bvec") {
		t.Fatalf("subject with missing input: %+v", got)
	}
	if ok := entriesFor(entries, b.ID); len(ok) != 1 || ok[0].Status != ledger.OutcomeUploaded {
		t.Fatalf("healthy subject: %+v", ok)
	}
	if h.exec.calls != 1 {
		t.Fatalf("expected one pipeline call, got %d", h.exec.calls)
	}
	layout := batch.LayoutFromConfig(cfg)
	if names := dirNames(t, layout.StagingRoot()); !reflect.DeepEqual(names, []string{a.ID}) {
		t.Fatalf("staging root = %v, want only %s", names, a.ID)
	}
}

func TestUploadReplacesStaleRemoteOutputs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCaselist("100307"))
	s := testsupport.SeedSubject(t, cfg, "100307")
	stale := filepath.Join(testsupport.RemoteOutputDir(cfg, s), "old_mask.nii.gz")
	testsupport.WriteFile(t, stale, 8)
	h := newHarness(t, cfg)

	if _, err := h.controller(t, "run-1").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exists(stale) {
		t.Fatalf("stale output %s survived the upload", stale)
	}
	if h.store.deletes != 1 {
		t.Fatalf("expected one remote delete, got %d", h.store.deletes)
	}
	if names := dirNames(t, testsupport.RemoteOutputDir(cfg, s)); len(names) != 5 {
		t.Fatalf("remote outputs = %v, want the 5 expected files", names)
	}
}
