package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// WebhookPayload is the JSON body posted for each alert.
type WebhookPayload struct {
	ID      string     `json:"id"`
	Source  string     `json:"source"`
	Level   AlertLevel `json:"level"`
	Kind    AlertKind  `json:"kind,omitempty"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Phase   string     `json:"phase,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
	At      time.Time  `json:"ts"`
}

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint. Each
// payload carries a fresh id, repeated in the Idempotency-Key header, so
// receivers can drop duplicates.
type WebhookNotifier struct {
	url    string
	source string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. source identifies this
// process in the payload.
func NewWebhookNotifier(url, source string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		source: source,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) payload(alert Alert) WebhookPayload {
	at := alert.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return WebhookPayload{
		ID:      uuid.NewString(),
		Source:  w.source,
		Level:   alert.Level,
		Kind:    alert.Kind,
		Title:   alert.Title,
		Message: alert.Message,
		Phase:   alert.Phase,
		Symbol:  alert.Symbol,
		At:      at,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	p := w.payload(alert)
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send %s alert: %w", p.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
