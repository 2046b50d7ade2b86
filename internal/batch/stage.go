package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"maskbatch/internal/logging"
	"maskbatch/internal/manifest"
	"maskbatch/internal/remote"
	"maskbatch/internal/services"
	"maskbatch/internal/subject"
)

// Stage downloads every pending subject of b. A missing remote prefix or a
// failed download fails only that subject. When every subject fails with a
// transient remote error Stage returns ErrRemoteUnavailable; the subjects are
// still terminal and the batch can be committed.
func (c *Controller) Stage(ctx context.Context, b *subject.Batch) error {
	ctx = services.WithStage(services.WithBatch(ctx, b.Index), "stage")
	pending := b.InStatus(subject.StatusPending)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for _, s := range pending {
		g.Go(func() error {
			c.stageSubject(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.saveSnapshot(b); err != nil {
		return err
	}

	transient := 0
	for _, s := range pending {
		if s.Status == subject.StatusFailed && errors.Is(s.Err, services.ErrTransient) {
			transient++
		}
	}
	if len(pending) > 0 && transient == len(pending) {
		return fmt.Errorf("%w: all %d subjects of batch %d failed to stage", ErrRemoteUnavailable, transient, b.Index)
	}
	return nil
}

func (c *Controller) stageSubject(ctx context.Context, s *subject.Subject) {
	ctx = services.WithSubject(ctx, s.ID)
	logger := logging.WithContext(ctx, c.logger)
	layout := c.opts.Layout
	src := layout.RemoteSource(s)

	exists, err := c.deps.Remote.Exists(ctx, src)
	if err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	if !exists {
		c.failSubject(ctx, logger, s, services.Wrap(services.ErrNotFound, "stage", "exists", "missing remote prefix "+src, nil))
		return
	}

	// Leftovers from an earlier failed attempt are replaced.
	if err := os.RemoveAll(layout.StagingSubjectDir(s)); err != nil {
		c.failSubject(ctx, logger, s, services.Wrap(services.ErrValidation, "stage", "clear", layout.StagingSubjectDir(s), err))
		return
	}
	dest := layout.StagingDir(s)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		c.failSubject(ctx, logger, s, services.Wrap(services.ErrValidation, "stage", "mkdir", dest, err))
		return
	}
	if err := c.deps.Remote.DownloadPrefix(ctx, src, dest, remote.SubstringFilter(layout.FileSubstring)); err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	if err := s.Advance(subject.StatusStaged); err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	logger.Info("subject staged",
		logging.String(logging.FieldEventType, "subject_staged"),
		logging.String("source", src),
		logging.String("dir", dest),
	)
}

// BuildManifest checks the staged inputs of every staged subject, failing
// those with missing files, and writes the manifest for the rest. A manifest
// that cannot be written or does not read back fails every listed subject.
func (c *Controller) BuildManifest(ctx context.Context, b *subject.Batch) (manifest.Manifest, error) {
	ctx = services.WithStage(services.WithBatch(ctx, b.Index), "manifest")
	layout := c.opts.Layout

	var entries []manifest.Entry
	var listed []*subject.Subject
	for _, s := range b.InStatus(subject.StatusStaged) {
		sctx := services.WithSubject(ctx, s.ID)
		logger := logging.WithContext(sctx, c.logger)
		if missing := manifest.MissingFiles(layout.StagingDir(s), layout.InputFiles(s)); len(missing) > 0 {
			c.failSubject(sctx, logger, s, services.Wrap(services.ErrNotFound, "manifest", "check inputs",
				"missing "+strings.Join(missing, ", "), nil))
			continue
		}
		entries = append(entries, manifest.Entry{
			Subject: s.ID,
			Image:   layout.ImageFile(s),
			Dir:     layout.StagingDir(s),
			Outputs: layout.OutputFiles(s),
		})
		listed = append(listed, s)
	}

	m, err := manifest.Write(c.opts.ManifestPath, entries)
	if err != nil {
		wrapped := services.Wrap(services.ErrValidation, "manifest", "write", c.opts.ManifestPath, err)
		for _, s := range listed {
			sctx := services.WithSubject(ctx, s.ID)
			c.failSubject(sctx, logging.WithContext(sctx, c.logger), s, wrapped)
		}
		if saveErr := c.saveSnapshot(b); saveErr != nil {
			return manifest.Manifest{}, saveErr
		}
		return manifest.Manifest{}, wrapped
	}
	c.logger.Info("manifest written",
		logging.Int(logging.FieldBatch, b.Index),
		logging.String("path", m.Path),
		logging.Int("subjects", len(m.Entries)),
	)
	return m, c.saveSnapshot(b)
}

// failSubject marks s failed and logs the classified cause.
func (c *Controller) failSubject(ctx context.Context, logger *slog.Logger, s *subject.Subject, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	s.Fail(err)
	logging.WarnWithContext(logger, "subject failed", "subject_failed",
		logging.String(logging.FieldErrorClass, services.Classify(err)),
		logging.Bool("counts_toward_retry", countsAgainstBudget(err)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, failureHint(err)),
		logging.String(logging.FieldImpact, "subject is recorded as failed and its directories are preserved"),
	)
}

// countsAgainstBudget reports whether a failure consumes one of the subject's
// attempts. Operator cancellation never does.
func countsAgainstBudget(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return services.ConsumesRetry(err)
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrTransient):
		return "check network access to remote storage; the subject is retried on the next run"
	case errors.Is(err, services.ErrNotFound):
		return "check remote_root, source_subpath, and file_substring for this subject"
	case errors.Is(err, services.ErrTimeout):
		return "raise processing.timeout_seconds or inspect the pipeline output"
	case errors.Is(err, services.ErrExternalTool):
		return "inspect the masking pipeline output in the run log"
	default:
		return "check logs for details"
	}
}
