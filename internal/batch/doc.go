// Package batch drives subjects through the masking lifecycle one batch at a
// time: fetch from the case list, stage from remote storage, write the
// manifest, invoke processing, organize outputs, upload and verify, commit to
// the processed log, and clean up local directories.
//
// The Controller owns no ambient state. Configuration arrives through Options
// and every collaborator (remote store, case list, invoker, processed log,
// temp log, notifier) through Dependencies, so each operation can be exercised
// on its own in tests.
//
// Durability hinges on two files. The temp log holds a snapshot of the batch
// in flight and is rewritten after every lifecycle step. The processed log is
// appended once per batch, after every subject is terminal. On startup Run
// reconciles a leftover snapshot so that a crash between upload and commit
// neither loses nor duplicates entries.
package batch
