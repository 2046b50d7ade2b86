package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/services"
	"maskbatch/internal/staging"
	"maskbatch/internal/subject"
)

// CommitLog appends one processed log entry per subject of b in a single
// write and marks uploaded subjects logged. The temp log keeps the batch,
// now showing the logged subjects, until Cleanup has run and
// releaseSnapshot clears it. Every subject must already be terminal.
func (c *Controller) CommitLog(ctx context.Context, b *subject.Batch) error {
	if !b.AllTerminal() {
		return fmt.Errorf("batch %d: commit with non-terminal subjects %v", b.Index, b.Counts())
	}
	if err := c.loadState(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	entries := make([]ledger.Entry, 0, len(b.Subjects))
	for _, s := range b.Subjects {
		if s.Status == subject.StatusLogged {
			continue
		}
		entries = append(entries, c.entryFor(s, now))
	}
	if b.FinishedAt.IsZero() {
		b.FinishedAt = now
	}
	if len(entries) == 0 {
		return nil
	}
	if c.opts.DryRun {
		c.logger.Info("dry run: processed log not updated",
			logging.Int(logging.FieldBatch, b.Index),
			logging.Int("entries", len(entries)),
		)
		return nil
	}

	if err := c.deps.Ledger.Append(ctx, entries); err != nil {
		return fmt.Errorf("commit batch %d: %w", b.Index, err)
	}
	c.state.Record(entries...)
	for _, s := range b.InStatus(subject.StatusUploaded) {
		if err := s.Advance(subject.StatusLogged); err != nil {
			return err
		}
	}
	if err := c.saveSnapshot(b); err != nil {
		return err
	}
	c.logger.Info("batch committed",
		logging.Int(logging.FieldBatch, b.Index),
		logging.String(logging.FieldEventType, "batch_committed"),
		logging.Int("entries", len(entries)),
		logging.String("log", c.deps.Ledger.Path()),
	)
	return nil
}

func (c *Controller) entryFor(s *subject.Subject, at time.Time) ledger.Entry {
	entry := ledger.Entry{
		Subject:    s.ID,
		RecordedAt: at,
		Attempts:   s.Attempt,
		RunID:      c.opts.RunID,
	}
	if s.Status == subject.StatusFailed {
		entry.Status = ledger.OutcomeFailed
		entry.Reason = s.Reason
		if countsAgainstBudget(s.Err) {
			entry.Attempts++
		}
		return entry
	}
	entry.Status = ledger.OutcomeUploaded
	return entry
}

// Cleanup removes the local directories of subjects committed as logged.
// Failed and uncommitted subjects keep everything for inspection and retry.
func (c *Controller) Cleanup(ctx context.Context, b *subject.Batch) staging.CleanResult {
	result := staging.CleanResult{}
	if c.opts.DryRun {
		return result
	}
	logger := logging.WithContext(services.WithBatch(ctx, b.Index), c.logger)
	for _, s := range b.InStatus(subject.StatusLogged) {
		result.Merge(staging.RemoveSubject(c.opts.Layout, s, c.additionalUploaded(s.ID), logger))
	}
	c.mu.Lock()
	for _, s := range b.Subjects {
		delete(c.additional, s.ID)
	}
	c.mu.Unlock()
	c.report.RemovedDirs += len(result.Removed)
	if len(result.Errors) > 0 {
		logging.WarnWithContext(logger, "cleanup incomplete", "cleanup_failed",
			logging.Int("errors", len(result.Errors)),
			logging.String(logging.FieldErrorHint, "run 'maskbatch staging list' and remove leftovers"),
			logging.String(logging.FieldImpact, "local disk usage stays elevated"),
		)
	}
	return result
}

// saveSnapshot records the batch in flight. Dry runs never touch the temp log.
func (c *Controller) saveSnapshot(b *subject.Batch) error {
	if c.opts.DryRun {
		return nil
	}
	snapshot := ledger.Snapshot{
		RunID:    c.opts.RunID,
		Batch:    b.Index,
		Offset:   c.deps.Cases.Offset(),
		Subjects: make([]ledger.TempSubject, 0, len(b.Subjects)),
	}
	for _, s := range b.Subjects {
		snapshot.Subjects = append(snapshot.Subjects, ledger.TempSubject{
			ID:         s.ID,
			Base:       s.Base,
			Status:     string(s.Status),
			Reason:     s.Reason,
			Counted:    s.Status == subject.StatusFailed && countsAgainstBudget(s.Err),
			Additional: c.additionalUploaded(s.ID),
			Attempts:   s.Attempt,
		})
	}
	if err := c.deps.TempLog.Save(snapshot); err != nil {
		return fmt.Errorf("save temp log: %w", err)
	}
	return nil
}

// releaseSnapshot clears the temp log once a batch is committed and cleaned.
func (c *Controller) releaseSnapshot() error {
	if c.opts.DryRun {
		return nil
	}
	if err := c.deps.TempLog.Reset(); err != nil {
		return fmt.Errorf("reset temp log: %w", err)
	}
	return nil
}

// Reconcile settles a batch left in the temp log by an interrupted run.
// Subjects the snapshot shows as uploaded are committed once their remote
// files verify; failed subjects are committed as failed; anything else is
// left for the case list loop to process again. Entries already committed by
// the interrupted run are not duplicated, but uploaded ones still have their
// local directories removed since the crash may have preceded Cleanup.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	if err := c.loadState(ctx); err != nil {
		return 0, err
	}
	snapshot, err := c.deps.TempLog.Load()
	if err != nil {
		return 0, fmt.Errorf("load temp log: %w", err)
	}
	if snapshot == nil {
		return 0, nil
	}
	logger := c.logger.With(
		logging.String("interrupted_run", snapshot.RunID),
		logging.Int(logging.FieldBatch, snapshot.Batch),
	)
	logger.Info("reconciling interrupted batch", logging.Int("subjects", len(snapshot.Subjects)))

	now := time.Now().UTC()
	var entries []ledger.Entry
	var clean []ledger.TempSubject
	for _, ts := range snapshot.Subjects {
		if latest, ok := c.state.Latest(ts.ID); ok && latest.RunID == snapshot.RunID {
			if latest.Status == ledger.OutcomeUploaded {
				clean = append(clean, ts)
			}
			continue
		}
		s := &subject.Subject{
			ID:      ts.ID,
			Base:    ts.Base,
			Status:  subject.Status(ts.Status),
			Reason:  ts.Reason,
			Attempt: ts.Attempts,
		}
		switch s.Status {
		case subject.StatusUploaded, subject.StatusLogged:
			missing, err := c.missingRemote(ctx, s)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return 0, err
				}
				logging.WarnWithContext(logger, "cannot verify interrupted upload", "reconcile_verify_failed",
					logging.String(logging.FieldSubject, s.ID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "subject is processed again"),
				)
				continue
			}
			if len(missing) > 0 {
				logger.Info("interrupted upload incomplete; subject will be processed again",
					logging.String(logging.FieldSubject, s.ID),
					logging.Any("missing", missing),
				)
				continue
			}
			entries = append(entries, ledger.Entry{
				Subject:    s.ID,
				Status:     ledger.OutcomeUploaded,
				RecordedAt: now,
				Attempts:   ts.Attempts,
				RunID:      snapshot.RunID,
			})
			clean = append(clean, ts)
		case subject.StatusFailed:
			attempts := ts.Attempts
			if ts.Counted {
				attempts++
			}
			entries = append(entries, ledger.Entry{
				Subject:    s.ID,
				Status:     ledger.OutcomeFailed,
				RecordedAt: now,
				Attempts:   attempts,
				RunID:      snapshot.RunID,
				Reason:     ts.Reason,
			})
		}
	}

	if c.opts.DryRun {
		logger.Info("dry run: reconciliation not committed", logging.Int("entries", len(entries)))
		return len(entries), nil
	}
	if len(entries) > 0 {
		if err := c.deps.Ledger.Append(ctx, entries); err != nil {
			return 0, fmt.Errorf("commit reconciled batch: %w", err)
		}
		c.state.Record(entries...)
	}
	for _, ts := range clean {
		s := &subject.Subject{ID: ts.ID, Base: ts.Base}
		c.report.RemovedDirs += len(staging.RemoveSubject(c.opts.Layout, s, ts.Additional, logger).Removed)
	}
	if err := c.releaseSnapshot(); err != nil {
		return 0, err
	}
	c.report.Reconciled += len(entries)
	logger.Info("interrupted batch reconciled",
		logging.String(logging.FieldEventType, "batch_reconciled"),
		logging.Int("entries", len(entries)),
	)
	return len(entries), nil
}
