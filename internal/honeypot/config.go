package honeypot

import (
	"strconv"
	"strings"
	"time"
)

// Config is the persisted configuration of one decoy instance.
type Config struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	Port            int               `json:"port"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	AnonymousLogin  bool              `json:"anonymous_login"`
	Banner          string            `json:"banner"`
	Template        string            `json:"template"`
	EnableLogging   bool              `json:"enable_logging"`
	EnableRecording bool              `json:"enable_recording"`
	AlertEmail      string            `json:"alert_email"`
	AlertWebhook    string            `json:"alert_webhook"`
	LogLocation     string            `json:"log_location"`
	RetentionDays   int               `json:"retention_days"`  // informational only, never enforced
	MaxConnections  int               `json:"max_connections"` // 0 = type default, <0 = unbounded
	Tags            []string          `json:"tags"`
	Options         map[string]string `json:"options,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (c Config) Clone() Config {
	out := c
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Options != nil {
		out.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			out.Options[k] = v
		}
	}
	return out
}

// Option returns a type-specific option, or def when unset or blank.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// DurationOption parses an option as a Go duration ("90s") or a bare number of seconds.
func (c Config) DurationOption(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(c.Option(key, ""))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// ConnectionCap resolves MaxConnections against the type default. Zero means unbounded.
func (c Config) ConnectionCap(typeDefault int) int {
	switch {
	case c.MaxConnections < 0:
		return 0
	case c.MaxConnections > 0:
		return c.MaxConnections
	default:
		return typeDefault
	}
}

// Lines splits a multi-line option into trimmed, non-empty lines.
func Lines(raw string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
