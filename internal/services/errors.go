package services

import (
	"errors"
	"fmt"
	"strings"
)

// Failure class markers. Every error leaving a lifecycle stage wraps exactly
// one of these so the controller can decide whether it costs a retry.
var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap tags err with a failure class marker and a "stage: operation: message"
// prefix. Empty parts are omitted and a nil marker means ErrTransient. The
// result matches both marker and err under errors.Is.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	detail := joinNonEmpty(stage, operation, message)
	if detail == "" {
		detail = "service failure"
	}
	if err == nil {
		return fmt.Errorf("%w: %s", marker, detail)
	}
	return fmt.Errorf("%w: %s: %w", marker, detail, err)
}

// ConsumesRetry reports whether a subject failure caused by err counts against
// the subject's retry budget. Transient remote errors leave the budget intact so
// the subject simply stays eligible for the next run.
func ConsumesRetry(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTransient)
}

// Classify returns a short, stable label for the failure class carried by err.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrNotFound):
		return "missing_input"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool):
		return "processing"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "unknown"
	}
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ": ")
}
