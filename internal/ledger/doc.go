// Package ledger persists batch outcomes.
//
// The processed log is the durable record of every subject outcome: one entry
// per subject per committed batch, appended atomically, with the latest entry
// for a subject taking precedence. Two backends implement Store: a
// tab-separated text file rewritten through write-then-rename, and a SQLite
// database that follows the same busy-retry and schema-version conventions as
// the rest of the repository. Both report unreadable state as ErrCorrupt,
// which callers treat as fatal.
//
// The temp log is a scratch snapshot of the batch in flight. It is rewritten
// at every lifecycle step and reset after each commit, so a non-empty temp log
// at startup means the previous run stopped mid-batch.
//
// Lock guards the processed log against concurrent runs with an advisory file
// lock.
package ledger
