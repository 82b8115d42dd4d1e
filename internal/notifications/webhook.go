package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

// WebhookPayload is the JSON body posted to an instance's alert webhook.
type WebhookPayload struct {
	Event        string            `json:"event"`
	Timestamp    time.Time         `json:"timestamp"`
	InstanceID   string            `json:"instance_id"`
	InstanceName string            `json:"instance_name"`
	InstanceType string            `json:"instance_type"`
	RemoteAddr   string            `json:"remote_addr"`
	Category     string            `json:"category"`
	Tag          string            `json:"tag,omitempty"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields,omitempty"`
}

type WebhookProvider struct {
	config *config.WebhooksConfig
	client *http.Client
}

func NewWebhookProvider(cfg *config.WebhooksConfig) *WebhookProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (wp *WebhookProvider) Name() string {
	return "webhook"
}

// IsEnabled is always true; a notification without a URL is skipped in Send.
func (wp *WebhookProvider) IsEnabled() bool {
	return true
}

// Send posts the alert to the instance's webhook with retries.
func (wp *WebhookProvider) Send(notification *Notification) error {
	if notification.WebhookURL == "" {
		return nil
	}

	payloadJSON, err := json.Marshal(wp.buildWebhookPayload(notification))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	attempts := wp.config.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := wp.sendWebhookRequest(notification.WebhookURL, payloadJSON)
		if err == nil {
			logging.Info("[WEBHOOK] Alert for %s delivered to %s", notification.InstanceID, notification.WebhookURL)
			return nil
		}

		lastErr = err
		logging.Error("[WEBHOOK] Attempt %d/%d failed for %s: %v", attempt, attempts, notification.InstanceID, err)

		if attempt < attempts {
			time.Sleep(time.Duration(wp.config.RetryDelaySeconds) * time.Second)
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
}

// sendWebhookRequest makes HTTP request to webhook endpoint
func (wp *WebhookProvider) sendWebhookRequest(endpoint string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "honeyhive-webhook/1.0")

	resp, err := wp.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

func (wp *WebhookProvider) buildWebhookPayload(n *Notification) *WebhookPayload {
	return &WebhookPayload{
		Event:        "honeypot_activity",
		Timestamp:    n.Timestamp,
		InstanceID:   n.InstanceID,
		InstanceName: n.InstanceName,
		InstanceType: n.InstanceType,
		RemoteAddr:   n.RemoteAddr,
		Category:     n.Category,
		Tag:          n.Tag,
		Message:      n.Message,
		Fields:       n.Fields,
	}
}
