// Package subject models the unit of work moved through a batch: its lifecycle
// status, the batch that groups it, and the Layout that derives every local
// directory, remote prefix, and expected file name from configuration.
package subject
