package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"maskbatch/internal/batch"
	"maskbatch/internal/ledger"
	"maskbatch/internal/subject"
	"maskbatch/internal/testsupport"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Dry run: no")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting an existing file")
	}
}

func TestRunDryRunPrintsPlan(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCaselist("100307", "100408"))
	testsupport.SeedSubject(t, env.cfg, "100307")

	out, _, err := runCLI(t, []string{"run", "--dry-run"}, env.configPath)
	if err != nil {
		t.Fatalf("run --dry-run: %v", err)
	}
	requireContains(t, out, "100307")
	requireContains(t, out, batch.PlanMissingRemote)
	requireContains(t, out, "2 subjects planned")
	if _, err := os.Stat(env.cfg.LogLoc); !os.IsNotExist(err) {
		t.Fatalf("dry run created the processed log: %v", err)
	}
}

func TestRunRejectsConflictingModes(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCaselist("100307"))
	if _, _, err := runCLI(t, []string{"run", "--dry-run", "--force-run"}, env.configPath); err == nil {
		t.Fatal("expected --dry-run and --force-run to conflict")
	}
}

func TestRunForceRunRecordsOutcomes(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCaselist("100307"), testsupport.WithDryRun(true))
	testsupport.SeedSubject(t, env.cfg, "100307")

	// The stub interpreter exits cleanly without writing masks, so the
	// subject fails with missing outputs and the run itself succeeds.
	out, _, err := runCLI(t, []string{"--json", "run", "--force-run"}, env.configPath)
	if err != nil {
		t.Fatalf("run --force-run: %v", err)
	}
	var report batch.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.DryRun || report.Failed != 1 || report.Uploaded != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	out, _, err = runCLI(t, []string{"--json", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var summary statusSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if summary.Failed != 1 || len(summary.Subjects) != 1 || summary.Subjects[0].Attempts != 1 {
		t.Fatalf("unexpected status %+v", summary)
	}
	if summary.LastRun != report.RunID {
		t.Fatalf("last run = %q, want %q", summary.LastRun, report.RunID)
	}
}

func TestRunAppliesFlagOverrides(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCaselist("100307", "100408", "101107"))

	out, _, err := runCLI(t, []string{"--json", "run", "--dry-run", "--start-index", "2", "--batch-size", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var report batch.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Plan) != 2 || report.Plan[0].Subject != "100408" || report.Plan[1].Batch != 2 {
		t.Fatalf("overrides not applied: %+v", report.Plan)
	}
}

func TestStatusWithoutLog(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "No subjects recorded")
	if _, err := os.Stat(env.cfg.LogLoc); !os.IsNotExist(err) {
		t.Fatal("status created the processed log")
	}
}

func TestStatusReportsInterruptedBatch(t *testing.T) {
	env := setupCLITestEnv(t)
	err := ledger.NewFileTempLog(env.cfg.TempLogLoc).Save(ledger.Snapshot{
		RunID:    "run-9",
		Batch:    3,
		Subjects: []ledger.TempSubject{
			{ID: "100307", Base: "100307", Status: "staged"},
			{ID: "100408", Base: "100408", Status: "uploaded"},
			{ID: "101107", Base: "101107", Status: "logged"},
		},
	})
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Interrupted batch 3 of run run-9 (3 subjects, 1 uploaded awaiting commit, 1 committed)")
}

func TestStagingListAndClean(t *testing.T) {
	env := setupCLITestEnv(t)
	layout := batch.LayoutFromConfig(env.cfg)
	done := subject.New("100307", "")
	failed := subject.New("100408", "")
	for _, s := range []*subject.Subject{done, failed} {
		testsupport.WriteFile(t, filepath.Join(layout.StagingDir(s), "x.nii.gz"), 32)
	}
	testsupport.WriteFile(t, filepath.Join(layout.AdditionalDir(done), "qc.txt"), 8)

	store := ledger.NewFileStore(env.cfg.LogLoc)
	err := store.Append(context.Background(), []ledger.Entry{
		{Subject: done.ID, Status: ledger.OutcomeUploaded, RecordedAt: time.Now().UTC(), RunID: "r"},
		{Subject: failed.ID, Status: ledger.OutcomeFailed, RecordedAt: time.Now().UTC(), Attempts: 1, RunID: "r", Reason: "boom"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	out, _, err := runCLI(t, []string{"staging", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("staging list: %v", err)
	}
	requireContains(t, out, "Total: 3 directories")

	out, _, err = runCLI(t, []string{"staging", "clean"}, env.configPath)
	if err != nil {
		t.Fatalf("staging clean: %v", err)
	}
	requireContains(t, out, "Removed 2 uploaded-subject directories")
	if _, err := os.Stat(layout.StagingSubjectDir(failed)); err != nil {
		t.Fatalf("failed subject directory removed: %v", err)
	}

	out, _, err = runCLI(t, []string{"staging", "clean", "--all"}, env.configPath)
	if err != nil {
		t.Fatalf("staging clean --all: %v", err)
	}
	requireContains(t, out, "Removed 1 subject directories")
}

func TestPreflightReportsMissingScript(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.Remove(env.cfg.Processing.MaskingScript); err != nil {
		t.Fatalf("remove script: %v", err)
	}
	out, _, err := runCLI(t, []string{"preflight"}, env.configPath)
	if err == nil {
		t.Fatal("expected preflight to fail")
	}
	requireContains(t, err.Error(), "Masking script")
	requireContains(t, out, "[ERROR]")
}

func TestTestNotifyWithoutTransports(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "No notification transports configured")
}
