// Package main hosts the maskbatch CLI entrypoint and command graph.
//
// The Cobra-based command tree loads configuration, wires the remote store,
// processed log, masking pipeline, and notifiers into a batch controller, and
// exposes read-only views over the processed log and preserved local
// directories. Keep this package lean: behaviour belongs in the internal
// packages, and commands here only assemble and report.
package main
