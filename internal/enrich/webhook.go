package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook event names.
const (
	EventCompleted = "transcription.completed"
	EventFailed    = "transcription.failed"
)

// Notification is the payload posted to the configured webhook when a job
// reaches a terminal status.
type Notification struct {
	Event           string  `json:"event"`
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Owner           string  `json:"owner"`
	Filename        string  `json:"filename"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// WebhookClient posts job notifications to a single configured URL.
type WebhookClient struct {
	url    string
	client *http.Client
}

// NewWebhookClient creates a webhook client for the given URL.
func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify posts the notification. Any non-2xx response is an error.
func (c *WebhookClient) Notify(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
