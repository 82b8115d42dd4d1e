package notifications

import (
	"fmt"
	"time"

	"github.com/gregdel/pushover"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

type PushoverProvider struct {
	config *config.PushoverProviderConfig
}

func NewPushoverProvider(cfg *config.PushoverProviderConfig) *PushoverProvider {
	return &PushoverProvider{config: cfg}
}

func (pp *PushoverProvider) Name() string {
	return "pushover"
}

func (pp *PushoverProvider) IsEnabled() bool {
	return pp.config.Enabled && pp.config.AppToken != "" && pp.config.UserKey != ""
}

func (pp *PushoverProvider) Send(notification *Notification) error {
	if !pp.IsEnabled() {
		return nil
	}

	po := pushover.New(pp.config.AppToken)
	rec := pushover.NewRecipient(pp.config.UserKey)

	priority := pushover.PriorityNormal
	if notification.Tag != "" {
		priority = pushover.PriorityHigh
	}

	message := &pushover.Message{
		Title:     notification.Title(),
		Message:   pp.buildMessage(notification),
		Priority:  priority,
		Timestamp: notification.Timestamp.Unix(),
		Retry:     60 * time.Second,
		Expire:    time.Hour,
	}
	if _, err := po.SendMessage(message, rec); err != nil {
		logging.Error("[PUSHOVER] Failed to send message: %v", err)
		return err
	}

	logging.Info("[PUSHOVER] Alert for %s sent", notification.InstanceID)
	return nil
}

func (pp *PushoverProvider) buildMessage(n *Notification) string {
	msg := fmt.Sprintf("Instance: %s (%s)\n", n.InstanceName, n.InstanceType)
	msg += "IP: " + n.RemoteAddr + "\n"
	msg += "Activity: " + n.Message + "\n"
	if n.Tag != "" {
		msg += "Detection: " + n.Tag + "\n"
	}
	return msg
}
