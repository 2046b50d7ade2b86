// Package remote abstracts the object store that holds subject inputs and
// receives masked outputs.
//
// Every backend works on prefixes rather than single objects: a subject's
// source directory is downloaded as a unit and its processed directory is
// uploaded as a unit. URIs use the s3://, gs://, or file:// scheme and Open
// picks the matching backend from the configured remote_root. Failures that
// are worth retrying on a later run (network errors, throttling, server
// faults, request timeouts) are tagged with services.ErrTransient so the batch
// controller does not charge them against a subject's retry budget.
//
// DryRunStore wraps any backend, passing reads through while recording and
// skipping every download, upload, and delete.
package remote
