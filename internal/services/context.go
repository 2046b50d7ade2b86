package services

import "context"

type contextKey int

const (
	subjectKey contextKey = iota
	batchKey
	stageKey
	runIDKey
)

// WithSubject tags ctx with the subject being handled. An empty id leaves ctx
// unchanged.
func WithSubject(ctx context.Context, id string) context.Context {
	return withString(ctx, subjectKey, id)
}

// SubjectFromContext returns the subject set by WithSubject.
func SubjectFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, subjectKey)
}

// WithBatch tags ctx with the 1-based batch index within the run.
func WithBatch(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, batchKey, index)
}

// BatchFromContext returns the batch index set by WithBatch.
func BatchFromContext(ctx context.Context) (int, bool) {
	index, ok := ctx.Value(batchKey).(int)
	return index, ok
}

// WithStage tags ctx with the lifecycle stage in progress.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, stageKey)
}

// WithRunID tags ctx with the identifier shared by every record of one run.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}
