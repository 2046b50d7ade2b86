package logging

import (
	"context"
	"log/slog"

	"maskbatch/internal/services"
)

// Structured field keys shared by every package that logs.
const (
	FieldComponent  = "component"
	FieldSubject    = "subject"
	FieldBatch      = "batch" // 1-based batch index within a run
	FieldStage      = "stage"
	FieldRunID      = "run_id"
	FieldEventType  = "event_type"  // machine-filterable name, e.g. "subject_failed"
	FieldErrorHint  = "error_hint"  // what the operator should check next
	FieldImpact     = "impact"      // consequence of a warning for the run
	FieldErrorClass = "error_class" // services.Classify result
	FieldDryRun     = "dry_run"
	FieldAlert      = "alert" // anomalies that should stand out when filtering
)

// ContextFields returns the subject, batch, stage, and run ID carried by ctx
// as log attributes, in that order, skipping any that are unset.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var fields []slog.Attr
	if id, ok := services.SubjectFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSubject, id))
	}
	if idx, ok := services.BatchFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldBatch, idx))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, rid))
	}
	return fields
}

// WithContext returns logger tagged with the fields from ContextFields.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if fields := ContextFields(ctx); len(fields) > 0 {
		return logger.With(Args(fields...)...)
	}
	return logger
}
