// Package notifications delivers run and batch events via pluggable notifiers.
//
// Three transports are available and may be combined: ntfy (human-readable
// push messages over HTTP), Amazon SQS, and NATS (JSON messages for downstream
// automation). NewService returns a fan-out over every configured transport and
// degrades to a no-op when none is configured. The [notifications] table
// selects which event families are sent.
package notifications
