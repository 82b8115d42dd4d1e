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

type SlackProvider struct {
	config *config.SlackProviderConfig
	client *http.Client
}

func NewSlackProvider(cfg *config.SlackProviderConfig) *SlackProvider {
	return &SlackProvider{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (sp *SlackProvider) Name() string {
	return "slack"
}

func (sp *SlackProvider) IsEnabled() bool {
	return sp.config.Enabled && sp.config.WebhookURL != "" && sp.config.WebhookURL != "${SLACK_WEBHOOK_URL}"
}

// Send sends Slack notification
func (sp *SlackProvider) Send(notification *Notification) error {
	if !sp.IsEnabled() {
		return nil
	}

	if err := sp.sendToSlack(sp.buildSlackPayload(notification)); err != nil {
		logging.Error("[SLACK] Failed to send Slack message: %v", err)
		return err
	}

	logging.Info("[SLACK] Alert for %s sent", notification.InstanceID)
	return nil
}

// sendToSlack sends webhook message to Slack
func (sp *SlackProvider) sendToSlack(payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sp.config.WebhookURL, bytes.NewBuffer(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sp.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

// buildSlackPayload constructs Slack message payload
func (sp *SlackProvider) buildSlackPayload(n *Notification) map[string]interface{} {
	color := "#36a64f"
	emoji := ":information_source:"
	switch {
	case n.Tag != "":
		color = "#ff0000"
		emoji = ":rotating_light:"
	case n.Category == "auth":
		color = "#ffaa00"
		emoji = ":key:"
	}

	fields := []map[string]interface{}{
		{"title": "Instance", "value": fmt.Sprintf("%s (`%s`)", n.InstanceName, n.InstanceID), "short": true},
		{"title": "Type", "value": n.InstanceType, "short": true},
		{"title": "Remote", "value": fmt.Sprintf("`%s`", n.RemoteAddr), "short": true},
		{"title": "Category", "value": n.Category, "short": true},
	}
	if n.Tag != "" {
		fields = append(fields, map[string]interface{}{"title": "Detection", "value": n.Tag, "short": true})
	}
	fields = append(fields, map[string]interface{}{"title": "Activity", "value": fmt.Sprintf("`%s`", n.Message), "short": false})

	attachment := map[string]interface{}{
		"fallback": n.Title(),
		"color":    color,
		"title":    fmt.Sprintf("%s %s", emoji, n.Title()),
		"fields":   fields,
		"ts":       n.Timestamp.Unix(),
	}

	payload := map[string]interface{}{
		"username":    "honeyhive",
		"icon_emoji":  ":honey_pot:",
		"attachments": []map[string]interface{}{attachment},
	}
	if sp.config.Channel != "" {
		payload["channel"] = sp.config.Channel
	}
	return payload
}
