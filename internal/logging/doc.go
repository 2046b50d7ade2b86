// Package logging builds the slog loggers used by maskbatch.
//
// Two handlers are available: a console handler that leads each line with
// the component and a [batch N/subject] tag, and a JSON handler with short
// stable keys for machine consumption. Lifecycle code attaches subject,
// batch, stage, and run ID fields through WithContext, and WarnWithContext
// keeps warnings actionable by filling in event_type, error_hint, and
// impact. Live runs tee output into a per-run log file that PruneRunLogs
// expires after the configured retention.
package logging
