// Package notify delivers stalled microphone alerts to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// Webhook event names.
const (
	EventMicrophoneSilent    = "microphone_silent"
	EventMicrophoneRecovered = "microphone_recovered"
)

// defaultTimeout bounds one webhook delivery.
const defaultTimeout = 10 * time.Second

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event             string  `json:"event"`
	Node              string  `json:"node,omitempty"`
	SilenceDurationMs int64   `json:"silence_duration_ms,omitempty"`
	LevelDBFS         float64 `json:"level_dbfs"`
	Threshold         float64 `json:"threshold"`
	Timestamp         string  `json:"timestamp"`
}

// Webhook posts alert payloads as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook sender for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// Send delivers one payload. Non-2xx responses are errors.
func (w *Webhook) Send(ctx context.Context, payload *WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// timestampUTC returns t in UTC RFC 3339 format.
func timestampUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
