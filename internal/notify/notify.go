// Package notify delivers operational event notifications. Delivery is
// best-effort: a failed send is recorded by the caller, never retried
// here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event is one notification payload.
type Event struct {
	Kind         string    `json:"kind"`
	CapabilityID string    `json:"capability_id,omitempty"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// Notifier sends an event to interested operators.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Webhook POSTs events as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhook creates a webhook notifier. An empty URL yields a notifier
// whose sends always fail; callers that want silence should use Nop.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if w.url == "" {
		return fmt.Errorf("no notification URL configured")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	w.logger.Debug("notification delivered", zap.String("kind", ev.Kind))
	return nil
}

// Nop discards every event. Used when no notification target is
// configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
