package notifications

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/anonymization"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

// Notification is one alert about attacker activity on an instance.
type Notification struct {
	InstanceID   string            `json:"instance_id"`
	InstanceName string            `json:"instance_name"`
	InstanceType string            `json:"instance_type"`
	RemoteAddr   string            `json:"remote_addr"`
	Category     string            `json:"category"`
	Tag          string            `json:"tag,omitempty"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`

	// per-instance targets
	EmailTo    string `json:"-"`
	WebhookURL string `json:"-"`
}

// Title is the one-line summary used by every provider.
func (n *Notification) Title() string {
	what := n.Category
	if n.Tag != "" {
		what = n.Tag
	}
	return fmt.Sprintf("[honeyhive] %s on %s from %s", what, n.InstanceName, n.RemoteAddr)
}

type NotificationProvider interface {
	Name() string
	IsEnabled() bool
	Send(notification *Notification) error
}

type Manager struct {
	providers []NotificationProvider
	config    config.NotificationsConfig
	anon      *anonymization.AnonymizationEngine
	mu        sync.RWMutex

	throttleMu sync.Mutex
	lastSent   map[string]time.Time
	now        func() time.Time

	inflight sync.WaitGroup
}

func NewManager(cfg *config.Config) *Manager {
	n := cfg.Notifications
	manager := &Manager{
		config:   n,
		anon:     anonymization.NewAnonymizationEngine(n.Redact, nil),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}

	// Per-instance targets are always honoured.
	manager.providers = append(manager.providers,
		NewWebhookProvider(&manager.config.Webhook),
		NewEmailProvider(&manager.config.Email),
	)

	if n.Enabled && n.Slack.Enabled {
		manager.providers = append(manager.providers, NewSlackProvider(&manager.config.Slack))
		logging.Info("[NOTIFICATIONS] Slack provider initialized")
	}
	if n.Enabled && n.Twilio.Enabled {
		manager.providers = append(manager.providers, NewTwilioProvider(&manager.config.Twilio))
		logging.Info("[NOTIFICATIONS] Twilio provider initialized")
	}
	if n.Enabled && n.Pushover.Enabled {
		manager.providers = append(manager.providers, NewPushoverProvider(&manager.config.Pushover))
		logging.Info("[NOTIFICATIONS] Pushover provider initialized")
	}

	return manager
}

// AddProvider registers an extra provider.
func (m *Manager) AddProvider(p NotificationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// ShouldAlert reports whether an event is alert-worthy: credential submissions
// and anything the detection rules tagged.
func ShouldAlert(ev honeypot.Event) bool {
	return ev.Category == honeypot.CategoryAuth || ev.Tag != ""
}

// Notify builds a notification for ev and dispatches it in the background,
// subject to the per (instance, remote host) throttle window.
func (m *Manager) Notify(cfg honeypot.Config, ev honeypot.Event) {
	if !ShouldAlert(ev) {
		return
	}
	if !m.allow(cfg.ID, ev.RemoteAddr) {
		logging.Debug("[NOTIFICATIONS] Throttled alert for %s from %s", cfg.ID, ev.RemoteAddr)
		return
	}

	redacted := m.anon.AnonymizeEvent(ev.Message, ev.Fields)
	n := &Notification{
		InstanceID:   cfg.ID,
		InstanceName: cfg.Name,
		InstanceType: cfg.Type,
		RemoteAddr:   ev.RemoteAddr,
		Category:     string(ev.Category),
		Tag:          ev.Tag,
		Message:      redacted.Message,
		Fields:       redacted.Fields,
		Timestamp:    ev.Timestamp,
		EmailTo:      cfg.AlertEmail,
		WebhookURL:   cfg.AlertWebhook,
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.Send(n)
	}()
}

// Wait blocks until every dispatched notification has been handed to its providers.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) allow(instanceID, remote string) bool {
	window := time.Duration(m.config.ThrottleMinutes) * time.Minute
	if window <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	key := instanceID + "|" + host
	now := m.now()

	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < window {
		return false
	}
	m.lastSent[key] = now
	return true
}

// Send sends notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	m.mu.RLock()
	providers := append([]NotificationProvider(nil), m.providers...)
	m.mu.RUnlock()

	// Send to all providers in parallel
	var wg sync.WaitGroup
	errors := make([]error, 0)
	mu := sync.Mutex{}

	for _, provider := range providers {
		if !provider.IsEnabled() {
			continue
		}

		wg.Add(1)
		go func(p NotificationProvider) {
			defer wg.Done()
			if err := p.Send(notification); err != nil {
				logging.Error("[NOTIFICATIONS] Error from %s provider: %v", p.Name(), err)
				mu.Lock()
				errors = append(errors, err)
				mu.Unlock()
			}
		}(provider)
	}

	wg.Wait()

	if len(errors) > 0 {
		return fmt.Errorf("%d provider(s) failed: %v", len(errors), errors[0])
	}
	return nil
}

// GetProviderStatus returns status of all providers
func (m *Manager) GetProviderStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool)
	for _, provider := range m.providers {
		status[provider.Name()] = provider.IsEnabled()
	}
	return status
}
