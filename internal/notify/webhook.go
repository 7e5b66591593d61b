package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Webhook POSTs payloads as JSON. When a secret is set each request carries
// Standard Webhooks headers so receivers can verify it.
type Webhook struct {
	client *http.Client
	secret *Secret
	now    func() time.Time
}

// NewWebhook creates a webhook notifier. secret may be nil.
func NewWebhook(timeout time.Duration, secret *Secret) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		now:    time.Now,
	}
}

// Deliver implements Notifier.
func (w *Webhook) Deliver(ctx context.Context, endpoint string, payload Payload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &DeliveryError{Endpoint: endpoint, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Endpoint: endpoint, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	msgID := "msg_" + uuid.NewString()
	ts := w.now()
	req.Header.Set("webhook-id", msgID)
	req.Header.Set("webhook-timestamp", strconv.FormatInt(ts.Unix(), 10))
	if w.secret != nil {
		sig, err := Sign(*w.secret, msgID, ts, body)
		if err != nil {
			return 0, &DeliveryError{Endpoint: endpoint, Err: fmt.Errorf("signing payload: %w", err)}
		}
		req.Header.Set("webhook-signature", sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}
