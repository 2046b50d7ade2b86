package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "maskbatch/0.1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func newNtfyService(topic string, timeout time.Duration) *ntfyService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

func (n *ntfyService) Publish(ctx context.Context, msg Message) error {
	return n.send(ctx, formatPayload(msg))
}

func (n *ntfyService) Close() error { return nil }

func formatPayload(msg Message) payload {
	switch msg.Event {
	case EventRunStarted:
		return payload{
			title:   "maskbatch - Run Started",
			message: fmt.Sprintf("Masking run %s started for %s", shortID(msg.RunID), msg.Group),
			tags:    []string{"maskbatch", "run", "started"},
		}
	case EventBatchCompleted:
		return payload{
			title:   fmt.Sprintf("maskbatch - Batch %d Complete", msg.Batch),
			message: fmt.Sprintf("%s batch %d: %d uploaded, %d failed", msg.Group, msg.Batch, msg.Uploaded, msg.Failed),
			tags:    []string{"maskbatch", "batch", "completed"},
		}
	case EventRunCompleted:
		title := "maskbatch - Run Complete"
		if msg.Failed > 0 {
			title = "maskbatch - Run Complete (with failures)"
		}
		elapsed := time.Duration(msg.ElapsedSeconds * float64(time.Second)).Round(time.Second)
		return payload{
			title:    title,
			message:  fmt.Sprintf("%s: %d uploaded, %d failed, %d skipped in %s", msg.Group, msg.Uploaded, msg.Failed, msg.Skipped, elapsed),
			tags:     []string{"maskbatch", "run", "completed"},
			priority: "high",
		}
	case EventRunFailed:
		return payload{
			title:    "maskbatch - Run Failed",
			message:  fmt.Sprintf("Run %s for %s stopped: %s", shortID(msg.RunID), msg.Group, strings.TrimSpace(msg.Error)),
			tags:     []string{"maskbatch", "error", "alert"},
			priority: "high",
		}
	default:
		return payload{
			title:    "maskbatch - Test",
			message:  "Notification system test",
			tags:     []string{"maskbatch", "test"},
			priority: "low",
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
