package notifications

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"maskbatch/internal/config"
)

// Event names a run milestone.
type Event string

const (
	EventRunStarted     Event = "run_started"
	EventBatchCompleted Event = "batch_completed"
	EventRunCompleted   Event = "run_completed"
	EventRunFailed      Event = "run_failed"
	EventTest           Event = "test"
)

// SubjectOutcome summarises one subject in a batch event.
type SubjectOutcome struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Message is the transport-neutral event body.
type Message struct {
	Event          Event            `json:"event"`
	RunID          string           `json:"run_id"`
	Group          string           `json:"group"`
	Batch          int              `json:"batch,omitempty"`
	Uploaded       int              `json:"uploaded"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped,omitempty"`
	Subjects       []SubjectOutcome `json:"subjects,omitempty"`
	ElapsedSeconds float64          `json:"elapsed_seconds,omitempty"`
	Error          string           `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Service defines the notification surface exposed to the batch controller.
type Service interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// NewService builds a fan-out over every configured transport. When no
// transport is configured a noop implementation is returned.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Service, error) {
	n := cfg.Notifications
	var services []Service
	if n.NtfyTopic != "" {
		services = append(services, newNtfyService(n.NtfyTopic, time.Duration(n.RequestTimeout)*time.Second))
	}
	if n.SQSQueueURL != "" {
		svc, err := NewSQSService(ctx, n.SQSQueueURL, cfg.Remote.Region)
		if err != nil {
			closeAll(services)
			return nil, err
		}
		services = append(services, svc)
	}
	if n.NATSURL != "" {
		svc, err := NewNATSService(n.NATSURL, n.NATSSubject, logger)
		if err != nil {
			closeAll(services)
			return nil, err
		}
		services = append(services, svc)
	}
	if len(services) == 0 {
		return noopService{}, nil
	}
	return &filteredService{
		next:   fanout(services),
		batch:  n.Batch,
		run:    n.Run,
		errors: n.Errors,
	}, nil
}

// NewNoop returns a Service that discards every message.
func NewNoop() Service { return noopService{} }

type fanout []Service

func (f fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, svc := range f {
		if err := svc.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) Close() error {
	return closeAll(f)
}

func closeAll(services []Service) error {
	var errs []error
	for _, svc := range services {
		if err := svc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// filteredService drops event families disabled in config.
type filteredService struct {
	next   Service
	batch  bool
	run    bool
	errors bool
}

func (f *filteredService) Publish(ctx context.Context, msg Message) error {
	switch msg.Event {
	case EventBatchCompleted:
		if !f.batch {
			return nil
		}
	case EventRunStarted, EventRunCompleted:
		if !f.run {
			return nil
		}
	case EventRunFailed:
		if !f.errors {
			return nil
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return f.next.Publish(ctx, msg)
}

func (f *filteredService) Close() error { return f.next.Close() }

type noopService struct{}

func (noopService) Publish(context.Context, Message) error { return nil }
func (noopService) Close() error                           { return nil }
