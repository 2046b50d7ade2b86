package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"maskbatch/internal/logging"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSService publishes each event as JSON on "<subject>.<event>".
type NATSService struct {
	conn    natsConn
	subject string
}

// NewNATSService connects to url with unlimited reconnects.
func NewNATSService(url, subject string, logger *slog.Logger) (*NATSService, error) {
	logger = logging.NewComponentLogger(logger, "notifications")
	nc, err := nats.Connect(url,
		nats.Name("maskbatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.WarnWithContext(logger, "nats disconnected", "nats_disconnected",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check notifications.nats_url"),
					logging.String(logging.FieldImpact, "events buffered until reconnect"),
				)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSService(nc, subject), nil
}

func newNATSService(conn natsConn, subject string) *NATSService {
	return &NATSService{conn: conn, subject: subject}
}

func (n *NATSService) Publish(_ context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode nats message: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+string(msg.Event), body); err != nil {
		return fmt.Errorf("publish nats message: %w", err)
	}
	return nil
}

func (n *NATSService) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
