package batch

import (
	"context"
	"errors"

	"maskbatch/internal/logging"
	"maskbatch/internal/manifest"
	"maskbatch/internal/services"
	"maskbatch/internal/staging"
	"maskbatch/internal/subject"
)

// InvokeProcessing runs the masking pipeline once over m and advances each
// listed subject according to its outputs. A pipeline error is not a hard
// stop: subjects whose outputs exist are still processed. Only cancellation
// and temp log failures are returned.
func (c *Controller) InvokeProcessing(ctx context.Context, b *subject.Batch, m manifest.Manifest) error {
	ctx = services.WithStage(services.WithBatch(ctx, b.Index), "process")
	if m.Empty() {
		c.logger.Info("nothing to process", logging.Int(logging.FieldBatch, b.Index))
		return nil
	}

	results, runErr := c.deps.Invoker.Run(ctx, m, c.opts.ModelFolder)
	if err := ctx.Err(); err != nil {
		return err
	}
	if runErr != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "masking pipeline reported an error", "processing_error",
			logging.Error(runErr),
			logging.String(logging.FieldErrorClass, services.Classify(runErr)),
			logging.String(logging.FieldErrorHint, "subjects with complete outputs continue; inspect the pipeline output"),
			logging.String(logging.FieldImpact, "subjects without outputs are marked failed"),
		)
	}

	listed := make(map[string]bool, len(m.Entries))
	for _, id := range m.Subjects() {
		listed[id] = true
	}
	for _, s := range b.InStatus(subject.StatusStaged) {
		if !listed[s.ID] {
			continue
		}
		sctx := services.WithSubject(ctx, s.ID)
		logger := logging.WithContext(sctx, c.logger)
		res, ok := results[s.ID]
		switch {
		case !ok:
			c.failSubject(sctx, logger, s, services.Wrap(services.ErrExternalTool, "process", "results", "no result reported", runErr))
		case !res.OK:
			marker := services.ErrExternalTool
			if errors.Is(runErr, services.ErrTimeout) {
				marker = services.ErrTimeout
			}
			c.failSubject(sctx, logger, s, services.Wrap(marker, "process", "outputs", res.Reason, nil))
		default:
			if err := s.Advance(subject.StatusProcessed); err != nil {
				c.failSubject(sctx, logger, s, err)
				continue
			}
			logger.Info("subject processed", logging.String(logging.FieldEventType, "subject_processed"))
		}
	}
	return c.saveSnapshot(b)
}

// Organize moves each processed subject into the processed tree and
// segregates files outside the output set into the additional-files
// directory.
func (c *Controller) Organize(ctx context.Context, b *subject.Batch) error {
	ctx = services.WithStage(services.WithBatch(ctx, b.Index), "organize")
	for _, s := range b.InStatus(subject.StatusProcessed) {
		sctx := services.WithSubject(ctx, s.ID)
		logger := logging.WithContext(sctx, c.logger)
		result, err := staging.Organize(c.opts.Layout, s)
		if err != nil {
			c.failSubject(sctx, logger, s, services.Wrap(services.ErrValidation, "organize", "move", c.opts.Layout.StagingSubjectDir(s), err))
			continue
		}
		logger.Info("subject organized",
			logging.String(logging.FieldEventType, "subject_organized"),
			logging.String("dir", result.ProcessedDir),
			logging.Int("additional_files", len(result.Additional)),
		)
	}
	return c.saveSnapshot(b)
}
