package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"maskbatch/internal/logging"
	"maskbatch/internal/services"
	"maskbatch/internal/subject"
)

// Upload sends every processed subject to its remote destination and marks it
// uploaded only after all expected files are visible remotely. The subject's
// additional files follow on a best-effort basis.
func (c *Controller) Upload(ctx context.Context, b *subject.Batch) error {
	ctx = services.WithStage(services.WithBatch(ctx, b.Index), "upload")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for _, s := range b.InStatus(subject.StatusProcessed) {
		g.Go(func() error {
			c.uploadSubject(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.saveSnapshot(b)
}

func (c *Controller) uploadSubject(ctx context.Context, s *subject.Subject) {
	ctx = services.WithSubject(ctx, s.ID)
	logger := logging.WithContext(ctx, c.logger)
	layout := c.opts.Layout
	dest := layout.RemoteDest(s)

	// Leftovers of an earlier partial upload are replaced so the destination
	// holds exactly this attempt's outputs.
	if err := c.clearRemote(ctx, logger, dest); err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	if err := c.deps.Remote.UploadPrefix(ctx, layout.ProcessedDir(s), dest, nil); err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	missing, err := c.missingRemote(ctx, s)
	if err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	if len(missing) > 0 {
		c.failSubject(ctx, logger, s, services.Wrap(services.ErrTransient, "upload", "verify",
			"not visible at "+dest+": "+strings.Join(missing, ", "), nil))
		return
	}
	if err := s.Advance(subject.StatusUploaded); err != nil {
		c.failSubject(ctx, logger, s, err)
		return
	}
	logger.Info("subject uploaded",
		logging.String(logging.FieldEventType, "subject_uploaded"),
		logging.String("dest", dest),
	)
	c.uploadAdditional(ctx, s)
}

func (c *Controller) clearRemote(ctx context.Context, logger *slog.Logger, dest string) error {
	exists, err := c.deps.Remote.Exists(ctx, dest)
	if err != nil || !exists {
		return err
	}
	if err := c.deps.Remote.Delete(ctx, dest); err != nil {
		return err
	}
	logger.Info("stale remote outputs removed",
		logging.String(logging.FieldEventType, "remote_outputs_replaced"),
		logging.String("dest", dest),
	)
	return nil
}

// missingRemote returns the expected files absent under the subject's remote
// destination.
func (c *Controller) missingRemote(ctx context.Context, s *subject.Subject) ([]string, error) {
	dest := c.opts.Layout.RemoteDest(s)
	var missing []string
	for _, name := range c.opts.Layout.ExpectedFiles(s) {
		ok, err := c.deps.Remote.Exists(ctx, subject.JoinURI(dest, name))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// uploadAdditional copies the subject's segregated files to the group's
// AdditionalFiles prefix. The local directory is only removed at cleanup when
// this succeeded or there was nothing to send.
func (c *Controller) uploadAdditional(ctx context.Context, s *subject.Subject) {
	dir := c.opts.Layout.AdditionalDir(s)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		c.markAdditional(s.ID)
		return
	}
	logger := logging.WithContext(ctx, c.logger)
	if err == nil {
		target := subject.JoinURI(c.opts.Layout.RemoteAdditionalFiles(), s.ID)
		if err = c.deps.Remote.UploadPrefix(ctx, dir, target, nil); err == nil {
			c.markAdditional(s.ID)
			logger.Debug("additional files uploaded", logging.String("dest", target))
			return
		}
	}
	logging.WarnWithContext(logger, "additional files not uploaded", "additional_upload_failed",
		logging.Error(fmt.Errorf("upload %s: %w", dir, err)),
		logging.String(logging.FieldErrorHint, "re-upload "+dir+" by hand or rerun after fixing remote access"),
		logging.String(logging.FieldImpact, "the local additional-files directory is kept"),
	)
}

func (c *Controller) markAdditional(id string) {
	c.mu.Lock()
	c.additional[id] = true
	c.mu.Unlock()
}

func (c *Controller) additionalUploaded(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.additional[id]
}
