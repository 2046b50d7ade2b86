package batch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/notifications"
	"maskbatch/internal/remote"
	"maskbatch/internal/services"
	"maskbatch/internal/subject"
)

const notifyTimeout = 15 * time.Second

// Run reconciles any interrupted batch, then processes batches until the case
// list is exhausted or ctx is cancelled. Per-subject failures never abort the
// run; a corrupt or unwritable log, lock loss, or an unreachable remote does.
// In dry-run mode each batch is only planned.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	if c.opts.RunID != "" {
		ctx = services.WithRunID(ctx, c.opts.RunID)
	}
	layout := c.opts.Layout
	c.logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("remote_root", layout.RemoteRoot),
		logging.String("group", layout.Group),
		logging.String("local_data_root", layout.LocalDataRoot),
		logging.Int("start_index", c.opts.StartIndex),
		logging.Int("end_index", c.opts.EndIndex),
		logging.Int("batch_size", c.opts.BatchSize),
		logging.Int("workers", c.opts.Workers),
		logging.Int("max_attempts", c.opts.MaxAttempts),
		logging.Int("cases", c.deps.Cases.Len()),
		logging.String("processed_log", c.deps.Ledger.Path()),
	)

	if err := c.loadState(ctx); err != nil {
		return c.finish(ctx, started, err)
	}
	c.publish(ctx, notifications.Message{Event: notifications.EventRunStarted})
	if _, err := c.Reconcile(ctx); err != nil {
		return c.finish(ctx, started, err)
	}

	c.deps.Cases.Seek(0)
	for {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, started, err)
		}
		b, err := c.NextBatch(ctx)
		if err != nil {
			return c.finish(ctx, started, err)
		}
		if b == nil {
			break
		}
		if c.opts.DryRun {
			c.planBatch(ctx, b)
			continue
		}
		if err := c.runBatch(ctx, b); err != nil {
			return c.finish(ctx, started, err)
		}
	}

	c.uploadLogs(ctx)
	return c.finish(ctx, started, nil)
}

// runBatch drives one batch through every lifecycle step and commits it.
func (c *Controller) runBatch(ctx context.Context, b *subject.Batch) error {
	ctx = services.WithBatch(ctx, b.Index)
	if err := c.saveSnapshot(b); err != nil {
		return err
	}

	stageErr := c.Stage(ctx, b)
	if stageErr != nil && !errors.Is(stageErr, ErrRemoteUnavailable) {
		return stageErr
	}
	if stageErr == nil {
		if err := c.process(ctx, b); err != nil {
			return err
		}
	}

	if err := c.CommitLog(ctx, b); err != nil {
		return err
	}
	c.Cleanup(ctx, b)
	if err := c.releaseSnapshot(); err != nil {
		return err
	}

	br := c.report.addBatch(b)
	counts := b.Counts()
	c.logger.Info("batch completed",
		logging.Int(logging.FieldBatch, b.Index),
		logging.String(logging.FieldEventType, "batch_complete"),
		logging.Int("uploaded", counts[subject.StatusLogged]),
		logging.Int("failed", counts[subject.StatusFailed]),
		logging.Duration("duration", br.Duration),
	)
	msg := notifications.Message{
		Event:          notifications.EventBatchCompleted,
		Batch:          b.Index,
		Uploaded:       counts[subject.StatusLogged],
		Failed:         counts[subject.StatusFailed],
		ElapsedSeconds: br.Duration.Seconds(),
	}
	for _, s := range br.Subjects {
		msg.Subjects = append(msg.Subjects, notifications.SubjectOutcome{ID: s.ID, Status: string(s.Status), Reason: s.Reason})
	}
	c.publish(ctx, msg)
	return stageErr
}

// process runs the steps between staging and commit.
func (c *Controller) process(ctx context.Context, b *subject.Batch) error {
	m, err := c.BuildManifest(ctx, b)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return nil
		}
		return err
	}
	if err := c.InvokeProcessing(ctx, b, m); err != nil {
		return err
	}
	if err := c.Organize(ctx, b); err != nil {
		return err
	}
	return c.Upload(ctx, b)
}

// planBatch records what a live run would do for each subject of b. Only
// read-only remote calls are made.
func (c *Controller) planBatch(ctx context.Context, b *subject.Batch) {
	layout := c.opts.Layout
	for _, s := range b.Subjects {
		entry := PlanEntry{
			Batch:        b.Index,
			Subject:      s.ID,
			Action:       PlanProcess,
			RemoteSource: layout.RemoteSource(s),
			StagingDir:   layout.StagingDir(s),
			RemoteDest:   layout.RemoteDest(s),
			Attempts:     s.Attempt,
		}
		exists, err := c.deps.Remote.Exists(ctx, entry.RemoteSource)
		switch {
		case err != nil:
			entry.Action = PlanUnknown
			entry.Detail = err.Error()
		case !exists:
			entry.Action = PlanMissingRemote
			entry.Detail = "missing remote prefix"
		}
		c.report.Plan = append(c.report.Plan, entry)
		c.logger.Info("dry run: planned subject",
			logging.Int(logging.FieldBatch, b.Index),
			logging.String(logging.FieldSubject, s.ID),
			logging.String("action", entry.Action),
			logging.String("source", entry.RemoteSource),
			logging.String("dest", entry.RemoteDest),
			logging.Int("attempts", s.Attempt),
		)
	}
}

// uploadLogs copies the latest processed log state to the group's logs
// prefix. Failures are logged and do not fail the run.
func (c *Controller) uploadLogs(ctx context.Context) {
	if !c.opts.UploadLogs || c.opts.DryRun || c.state == nil || c.state.Len() == 0 {
		return
	}
	name := remoteLogName(c.deps.Ledger.Path())
	dir, err := os.MkdirTemp("", "maskbatch-logs-")
	if err == nil {
		defer os.RemoveAll(dir)
		err = writeLogCopy(filepath.Join(dir, name), c.state.Subjects())
	}
	if err == nil {
		err = c.deps.Remote.UploadPrefix(ctx, dir, c.opts.Layout.RemoteLogs(), remote.NameFilter(name))
	}
	if err != nil {
		logging.WarnWithContext(c.logger, "processed log not uploaded", "log_upload_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check write access to "+c.opts.Layout.RemoteLogs()),
			logging.String(logging.FieldImpact, "remote log copy is stale until the next run"),
		)
		return
	}
	c.logger.Info("processed log uploaded", logging.String("dest", c.opts.Layout.RemoteLogs()))
}

func writeLogCopy(path string, entries []ledger.Entry) error {
	var buf bytes.Buffer
	if err := ledger.EncodeEntries(&buf, entries); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func remoteLogName(path string) string {
	base := filepath.Base(path)
	if path == "" || base == "." || base == string(filepath.Separator) {
		return "processed.log"
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".log"
}

func (c *Controller) finish(ctx context.Context, started time.Time, runErr error) (Report, error) {
	c.report.Elapsed = time.Since(started)
	report := *c.report
	attrs := []logging.Attr{
		logging.Int("batches", len(report.Batches)),
		logging.Int("uploaded", report.Uploaded),
		logging.Int("failed", report.Failed),
		logging.Int("skipped", report.Skipped),
		logging.Int("exhausted", len(report.Exhausted)),
		logging.Int("reconciled", report.Reconciled),
		logging.Int("planned", len(report.Plan)),
		logging.Duration("elapsed", report.Elapsed),
	}

	msg := notifications.Message{
		Uploaded:       report.Uploaded,
		Failed:         report.Failed,
		Skipped:        report.Skipped,
		ElapsedSeconds: report.Elapsed.Seconds(),
	}
	if runErr != nil {
		msg.Event = notifications.EventRunFailed
		msg.Error = runErr.Error()
		attrs = append(attrs,
			logging.Error(runErr),
			logging.String(logging.FieldErrorClass, services.Classify(runErr)),
			logging.String(logging.FieldEventType, "run_failed"),
		)
		if errors.Is(runErr, context.Canceled) {
			attrs = append(attrs, logging.String(logging.FieldErrorHint, "rerun to resume; the interrupted batch is reconciled at startup"))
		}
		logging.ErrorWithContext(c.logger, "run stopped", "run_failed", attrs...)
	} else {
		msg.Event = notifications.EventRunCompleted
		attrs = append(attrs, logging.String(logging.FieldEventType, "run_complete"))
		c.logger.Info("run completed", logging.Args(attrs...)...)
	}
	c.publish(ctx, msg)
	return report, runErr
}

// publish sends msg unless this is a dry run. Delivery failures are logged.
func (c *Controller) publish(ctx context.Context, msg notifications.Message) {
	if c.opts.DryRun {
		return
	}
	msg.RunID = c.opts.RunID
	msg.Group = c.opts.Layout.Group
	msg.Timestamp = time.Now().UTC()
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := c.deps.Notifier.Publish(nctx, msg); err != nil {
		logging.WarnWithContext(c.logger, "notification failed", "notification_failed",
			logging.String("event", string(msg.Event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the [notifications] settings"),
			logging.String(logging.FieldImpact, "operators are not alerted for this event"),
		)
	}
}
