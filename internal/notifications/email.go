package notifications

import (
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

type EmailProvider struct {
	config   *config.EmailProviderConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailProvider(cfg *config.EmailProviderConfig) *EmailProvider {
	return &EmailProvider{
		config:   cfg,
		sendMail: smtp.SendMail,
	}
}

func (ep *EmailProvider) Name() string {
	return "email"
}

func (ep *EmailProvider) IsEnabled() bool {
	return ep.config.SMTPHost != ""
}

// Send mails the alert to the instance's alert address.
func (ep *EmailProvider) Send(notification *Notification) error {
	if notification.EmailTo == "" {
		return nil
	}

	recipients := []string{}
	for _, r := range strings.Split(notification.EmailTo, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	if err := ep.sendEmail(recipients, notification.Title(), ep.buildEmailBody(notification)); err != nil {
		logging.Error("[EMAIL] Failed to send email: %v", err)
		return err
	}

	logging.Info("[EMAIL] Alert for %s sent to %d recipient(s)", notification.InstanceID, len(recipients))
	return nil
}

// sendEmail sends SMTP email
func (ep *EmailProvider) sendEmail(recipients []string, subject, body string) error {
	from := ep.config.FromAddress
	if from == "" {
		from = ep.config.SMTPUsername
	}

	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from,
		strings.Join(recipients, ","),
		subject,
		body,
	)

	var auth smtp.Auth
	if ep.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", ep.config.SMTPUsername, ep.config.SMTPPassword, ep.config.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", ep.config.SMTPHost, ep.config.SMTPPort)
	return ep.sendMail(addr, auth, from, recipients, []byte(message))
}

func (ep *EmailProvider) buildEmailBody(n *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance:  %s (%s, %s)\r\n", n.InstanceName, n.InstanceID, n.InstanceType)
	fmt.Fprintf(&b, "Remote:    %s\r\n", n.RemoteAddr)
	fmt.Fprintf(&b, "Category:  %s\r\n", n.Category)
	if n.Tag != "" {
		fmt.Fprintf(&b, "Detection: %s\r\n", n.Tag)
	}
	fmt.Fprintf(&b, "Time:      %s\r\n", n.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "\r\n%s\r\n", n.Message)

	if len(n.Fields) > 0 {
		keys := make([]string, 0, len(n.Fields))
		for k := range n.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\r\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\r\n", k, n.Fields[k])
		}
	}
	return b.String()
}
