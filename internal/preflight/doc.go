// Package preflight provides readiness checks for the local paths and
// external programs a masking run depends on.
//
// The CLI "maskbatch preflight" command prints every result. "maskbatch run"
// calls RunAll before acquiring the run lock and refuses to start when a
// required check fails, so a run never downloads a batch it cannot process.
package preflight
