package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/colebrumley/tablewatch/internal/template"
)

// DefaultFlushTimeout bounds a publish when NewNATS is given no timeout.
const DefaultFlushTimeout = 10 * time.Second

// Subject placeholders filled per delivery.
const (
	VarRecipe   = "recipe"
	VarRecordID = "record_id"
)

// NATS publishes payloads to a subject. The endpoint passed to Deliver is
// the subject, which may hold {{recipe}} and {{record_id}} placeholders. A
// publish that the server has flushed reports 202.
type NATS struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATS connects to url with reconnect handling. Each Deliver waits at most
// timeout for the server to acknowledge the publish.
func NewNATS(url string, maxReconnect int, reconnectWait, timeout time.Duration, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	opts := []nats.Option{
		nats.Name("tablewatch"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("nats connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	logger.Info("connected to nats", "url", url)

	return &NATS{conn: conn, timeout: timeout, logger: logger}, nil
}

// Deliver implements Notifier.
func (n *NATS) Deliver(ctx context.Context, endpoint string, payload Payload) (int, error) {
	subject := Subject(endpoint, payload)
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, &DeliveryError{Endpoint: subject, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	if err := n.conn.Publish(subject, data); err != nil {
		return 0, &DeliveryError{Endpoint: subject, Err: err}
	}
	// FlushWithContext refuses a context without a deadline, and runners
	// dispatch on one.
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return 0, &DeliveryError{Endpoint: subject, Err: fmt.Errorf("flushing: %w", err)}
	}
	return http.StatusAccepted, nil
}

// Subject expands the placeholders in endpoint for payload.
func Subject(endpoint string, payload Payload) string {
	return template.Expand(endpoint, map[string]string{
		VarRecipe:   template.SubjectToken(payload.Recipe),
		VarRecordID: template.SubjectToken(payload.Record.ID),
	})
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
