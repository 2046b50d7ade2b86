package batch

import (
	"context"
	"fmt"
	"time"

	"maskbatch/internal/ledger"
	"maskbatch/internal/logging"
	"maskbatch/internal/subject"
)

// loadState reads the processed log once per controller.
func (c *Controller) loadState(ctx context.Context) error {
	if c.state != nil {
		return nil
	}
	state, err := ledger.Load(ctx, c.deps.Ledger)
	if err != nil {
		return fmt.Errorf("load processed log: %w", err)
	}
	c.state = state
	return nil
}

// NextBatch pulls up to BatchSize eligible subjects from the case list. It
// returns nil when the list is exhausted. Subjects already uploaded,
// subjects whose counted failures reached MaxAttempts, and case list entries
// naming a subject this run already selected are skipped.
func (c *Controller) NextBatch(ctx context.Context) (*subject.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.loadState(ctx); err != nil {
		return nil, err
	}

	var subjects []*subject.Subject
	for len(subjects) < c.opts.BatchSize {
		entry, ok := c.deps.Cases.Next()
		if !ok {
			break
		}
		s := subject.New(entry, c.opts.Appendage)
		if c.selected[s.ID] {
			logging.WarnWithContext(c.logger, "duplicate case list entry skipped", "caselist_duplicate",
				logging.String(logging.FieldSubject, s.ID),
				logging.String("entry", entry),
				logging.String(logging.FieldErrorHint, "remove the repeated subject from the case list"),
				logging.String(logging.FieldImpact, "subject is processed once"),
			)
			continue
		}
		if c.state.Uploaded(s.ID) {
			c.report.Skipped++
			c.logger.Debug("subject already uploaded",
				logging.String(logging.FieldSubject, s.ID),
				logging.String(logging.FieldEventType, "subject_skipped"),
			)
			continue
		}
		if c.state.Exhausted(s.ID, c.opts.MaxAttempts) {
			c.reportExhausted(s.ID)
			continue
		}
		s.Attempt = c.state.Attempts(s.ID)
		c.selected[s.ID] = true
		subjects = append(subjects, s)
	}
	if len(subjects) == 0 {
		return nil, nil
	}

	c.nextIndex++
	b := &subject.Batch{Index: c.nextIndex, Subjects: subjects, StartedAt: time.Now().UTC()}
	c.logger.Info("batch selected",
		logging.Int(logging.FieldBatch, b.Index),
		logging.Int("subjects", len(subjects)),
		logging.Any("ids", b.IDs()),
		logging.Int("case_offset", c.deps.Cases.Offset()),
		logging.Int("case_total", c.deps.Cases.Len()),
	)
	return b, nil
}

func (c *Controller) reportExhausted(id string) {
	if c.reported[id] {
		return
	}
	c.reported[id] = true
	c.report.Exhausted = append(c.report.Exhausted, id)
	logging.WarnWithContext(c.logger, "subject permanently failed", "subject_exhausted",
		logging.String(logging.FieldSubject, id),
		logging.String(logging.FieldAlert, "retry_budget_exhausted"),
		logging.Int("attempts", c.state.Attempts(id)),
		logging.Int("max_attempts", c.opts.MaxAttempts),
		logging.String(logging.FieldErrorHint, "inspect the preserved directories, then raise max_attempts to retry"),
		logging.String(logging.FieldImpact, "subject is excluded from this run"),
	)
}
