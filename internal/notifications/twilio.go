package notifications

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

type TwilioProvider struct {
	config  *config.TwilioProviderConfig
	client  *http.Client
	baseURL string
}

func NewTwilioProvider(cfg *config.TwilioProviderConfig) *TwilioProvider {
	return &TwilioProvider{
		config:  cfg,
		client:  &http.Client{},
		baseURL: "https://api.twilio.com",
	}
}

func (tp *TwilioProvider) Name() string {
	return "twilio"
}

func (tp *TwilioProvider) IsEnabled() bool {
	return tp.config.Enabled && tp.config.AccountSID != "" && tp.config.AuthToken != ""
}

// Send sends SMS notification via Twilio
func (tp *TwilioProvider) Send(notification *Notification) error {
	if !tp.IsEnabled() {
		return nil
	}

	if tp.config.FromNumber == "" {
		return fmt.Errorf("no sender phone number configured")
	}

	if err := tp.sendSMS(tp.config.ToNumber, tp.buildSMSMessage(notification)); err != nil {
		logging.Error("[TWILIO] Failed to send SMS: %v", err)
		return err
	}

	logging.Info("[TWILIO] Alert for %s sent", notification.InstanceID)
	return nil
}

// sendSMS sends SMS via Twilio API
func (tp *TwilioProvider) sendSMS(toNumber, message string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", tp.baseURL, tp.config.AccountSID)

	data := url.Values{}
	data.Set("From", tp.config.FromNumber)
	data.Set("To", toNumber)
	data.Set("Body", message)

	req, err := http.NewRequest(http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(tp.config.AccountSID, tp.config.AuthToken)

	resp, err := tp.client.Do(req)
	if err != nil {
		return fmt.Errorf("SMS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("twilio API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

// buildSMSMessage constructs SMS message (160 chars limit)
func (tp *TwilioProvider) buildSMSMessage(n *Notification) string {
	message := fmt.Sprintf("%s: %s at %s", n.Title(), n.Message, n.Timestamp.Format("15:04 MST"))
	if len(message) > 160 {
		message = message[:157] + "..."
	}
	return message
}
