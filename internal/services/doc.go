// Package services defines shared utilities consumed by the batch controller
// and its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp subject IDs, batch indexes, stage names, and
//     run identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     (transient, missing input, processing) and decide whether a failure
//     consumes a subject's retry budget.
//
// Use these helpers when wiring new lifecycle steps so error handling and
// observability stay uniform across the pipeline.
package services
