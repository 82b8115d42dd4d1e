package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// === SYSTEM ===

type SystemConfig struct {
	HomeDir        string `json:"home_dir" yaml:"home_dir" toml:"home_dir"`
	DataDir        string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogDir         string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	InstanceLogDir string `json:"instance_log_dir" yaml:"instance_log_dir" toml:"instance_log_dir"`
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level"`
	Debug          bool   `json:"debug" yaml:"debug" toml:"debug"`
}

// === LOGGING ===

type LogRotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress" toml:"compress"`
}

type LoggingConfig struct {
	Rotation LogRotationConfig `json:"rotation" yaml:"rotation" toml:"rotation"`
}

// === API ===

type APIConfig struct {
	ListenAddr     string                  `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	Authentication APIAuthenticationConfig `json:"authentication" yaml:"authentication" toml:"authentication"`
}

type APIAuthenticationConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	TokenHeader string `json:"token_header" yaml:"token_header" toml:"token_header"`
	Token       string `json:"token" yaml:"token" toml:"token"`
}

// === SUPERVISOR ===

type SupervisorConfig struct {
	BindAddress       string `json:"bind_address" yaml:"bind_address" toml:"bind_address"`
	GracePeriod       string `json:"grace_period" yaml:"grace_period" toml:"grace_period"`
	ReconcileInterval string `json:"reconcile_interval" yaml:"reconcile_interval" toml:"reconcile_interval"`
	SessionTimeout    string `json:"session_timeout" yaml:"session_timeout" toml:"session_timeout"`
	ResumeOnBoot      bool   `json:"resume_on_boot" yaml:"resume_on_boot" toml:"resume_on_boot"`
}

// GraceDuration returns the stop grace period.
func (s SupervisorConfig) GraceDuration() time.Duration {
	return parseDuration(s.GracePeriod, 5*time.Second)
}

// ReconcileDuration returns how often the running registry is reconciled.
func (s SupervisorConfig) ReconcileDuration() time.Duration {
	return parseDuration(s.ReconcileInterval, 30*time.Second)
}

// SessionTimeoutDuration returns the default idle timeout of a decoy session.
func (s SupervisorConfig) SessionTimeoutDuration() time.Duration {
	return parseDuration(s.SessionTimeout, 5*time.Minute)
}

// === NOTIFICATIONS ===

type NotificationsConfig struct {
	Enabled         bool                  `json:"enabled" yaml:"enabled" toml:"enabled"`
	ThrottleMinutes int                   `json:"throttle_minutes" yaml:"throttle_minutes" toml:"throttle_minutes"`
	Redact          bool                  `json:"redact" yaml:"redact" toml:"redact"`
	Webhook         WebhooksConfig        `json:"webhook" yaml:"webhook" toml:"webhook"`
	Email           EmailProviderConfig   `json:"email" yaml:"email" toml:"email"`
	Slack           SlackProviderConfig   `json:"slack" yaml:"slack" toml:"slack"`
	Twilio          TwilioProviderConfig  `json:"twilio" yaml:"twilio" toml:"twilio"`
	Pushover        PushoverProviderConfig `json:"pushover" yaml:"pushover" toml:"pushover"`
}

type WebhooksConfig struct {
	TimeoutSeconds    int `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	RetryCount        int `json:"retry_count" yaml:"retry_count" toml:"retry_count"`
	RetryDelaySeconds int `json:"retry_delay_seconds" yaml:"retry_delay_seconds" toml:"retry_delay_seconds"`
}

type EmailProviderConfig struct {
	SMTPHost     string `json:"smtp_host" yaml:"smtp_host" toml:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" yaml:"smtp_port" toml:"smtp_port"`
	SMTPUsername string `json:"smtp_username" yaml:"smtp_username" toml:"smtp_username"`
	SMTPPassword string `json:"smtp_password" yaml:"smtp_password" toml:"smtp_password"`
	FromAddress  string `json:"from_address" yaml:"from_address" toml:"from_address"`
}

type SlackProviderConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	Channel    string `json:"channel" yaml:"channel" toml:"channel"`
}

type TwilioProviderConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	AccountSID string `json:"account_sid" yaml:"account_sid" toml:"account_sid"`
	AuthToken  string `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	FromNumber string `json:"from_number" yaml:"from_number" toml:"from_number"`
	ToNumber   string `json:"to_number" yaml:"to_number" toml:"to_number"`
}

type PushoverProviderConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	AppToken string `json:"app_token" yaml:"app_token" toml:"app_token"`
	UserKey  string `json:"user_key" yaml:"user_key" toml:"user_key"`
}

// === METRICS ===

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// === MAIN CONFIG STRUCTURE ===

type Config struct {
	System        SystemConfig        `json:"system" yaml:"system" toml:"system"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging" toml:"logging"`
	API           APIConfig           `json:"api" yaml:"api" toml:"api"`
	Supervisor    SupervisorConfig    `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications" toml:"notifications"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// ConfigsFile is the path of the instance config snapshot.
func (c *Config) ConfigsFile() string {
	return filepath.Join(c.System.DataDir, "honeypot_configs.json")
}

// DatabasePath is the path of the sqlite event index.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.System.DataDir, "honeyhive.db")
}

// === LOADER FUNCTIONS ===

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		cfg, err := parse(configPath, data)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
		return finish(cfg), nil
	}

	// Try common locations
	locations := []string{
		"./config/default.json",
		"./config/default.yaml",
		"./config/default.yml",
		"./config/default.toml",
		"/etc/honeyhive/config.json",
		"/etc/honeyhive/config.yaml",
		"/etc/honeyhive/config.toml",
		os.Getenv("HONEYHIVE_CONFIG"),
	}

	for _, loc := range locations {
		if loc == "" {
			continue
		}
		data, err := os.ReadFile(loc)
		if err != nil {
			continue
		}
		cfg, err := parse(loc, data)
		if err != nil {
			fmt.Printf("Warning: Failed to parse config %s: %v, using defaults\n", loc, err)
			return getDefaults(), nil
		}
		fmt.Printf("Loaded config from: %s\n", loc)
		return finish(cfg), nil
	}

	// If no config found, use defaults
	fmt.Println("No config file found, using defaults")
	return getDefaults(), nil
}

// parse decodes data with the parser matching the file extension.
func parse(path string, data []byte) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config) *Config {
	applyDefaults(cfg)
	expandEnvVars(cfg)
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} with environment variables
func expandEnvVars(cfg *Config) {
	cfg.API.Authentication.Token = os.ExpandEnv(cfg.API.Authentication.Token)
	cfg.Notifications.Email.SMTPPassword = os.ExpandEnv(cfg.Notifications.Email.SMTPPassword)
	cfg.Notifications.Slack.WebhookURL = os.ExpandEnv(cfg.Notifications.Slack.WebhookURL)
	cfg.Notifications.Twilio.AuthToken = os.ExpandEnv(cfg.Notifications.Twilio.AuthToken)
	cfg.Notifications.Pushover.AppToken = os.ExpandEnv(cfg.Notifications.Pushover.AppToken)
	cfg.Notifications.Pushover.UserKey = os.ExpandEnv(cfg.Notifications.Pushover.UserKey)
	cfg.System.DataDir = os.ExpandEnv(cfg.System.DataDir)
	cfg.System.LogDir = os.ExpandEnv(cfg.System.LogDir)
	cfg.System.InstanceLogDir = os.ExpandEnv(cfg.System.InstanceLogDir)
}

func getDefaults() *Config {
	cfg := &Config{
		System: SystemConfig{
			HomeDir:        "./",
			DataDir:        "./data",
			LogDir:         "./logs",
			InstanceLogDir: "./logs/instances",
			LogLevel:       "info",
		},
		Logging: LoggingConfig{
			Rotation: LogRotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 10,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		API: APIConfig{
			ListenAddr: ":5601",
			Authentication: APIAuthenticationConfig{
				Enabled:     false,
				TokenHeader: "X-API-Token",
				Token:       "${HONEYHIVE_API_TOKEN}",
			},
		},
		Supervisor: SupervisorConfig{
			BindAddress:       "0.0.0.0",
			GracePeriod:       "5s",
			ReconcileInterval: "30s",
			SessionTimeout:    "5m",
		},
		Notifications: NotificationsConfig{
			Enabled:         false,
			ThrottleMinutes: 60,
			Redact:          true,
			Webhook: WebhooksConfig{
				TimeoutSeconds:    10,
				RetryCount:        3,
				RetryDelaySeconds: 2,
			},
			Email: EmailProviderConfig{
				SMTPPort: 587,
			},
			Slack: SlackProviderConfig{
				WebhookURL: "${SLACK_WEBHOOK_URL}",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}

	applyDefaults(cfg)
	expandEnvVars(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	// System defaults
	if cfg.System.HomeDir == "" {
		cfg.System.HomeDir = "./"
	}
	if cfg.System.DataDir == "" {
		cfg.System.DataDir = "./data"
	}
	if cfg.System.LogDir == "" {
		cfg.System.LogDir = "./logs"
	}
	if cfg.System.InstanceLogDir == "" {
		cfg.System.InstanceLogDir = filepath.Join(cfg.System.LogDir, "instances")
	}
	if cfg.System.LogLevel == "" {
		cfg.System.LogLevel = "info"
	}

	// Rotation defaults
	if cfg.Logging.Rotation.MaxSizeMB == 0 {
		cfg.Logging.Rotation.MaxSizeMB = 100
	}
	if cfg.Logging.Rotation.MaxBackups == 0 {
		cfg.Logging.Rotation.MaxBackups = 10
	}
	if cfg.Logging.Rotation.MaxAgeDays == 0 {
		cfg.Logging.Rotation.MaxAgeDays = 30
	}

	// API defaults
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":5601"
	}
	if cfg.API.Authentication.TokenHeader == "" {
		cfg.API.Authentication.TokenHeader = "X-API-Token"
	}

	// Supervisor defaults
	if cfg.Supervisor.BindAddress == "" {
		cfg.Supervisor.BindAddress = "0.0.0.0"
	}
	if cfg.Supervisor.GracePeriod == "" {
		cfg.Supervisor.GracePeriod = "5s"
	}
	if cfg.Supervisor.ReconcileInterval == "" {
		cfg.Supervisor.ReconcileInterval = "30s"
	}
	if cfg.Supervisor.SessionTimeout == "" {
		cfg.Supervisor.SessionTimeout = "5m"
	}

	// Notification defaults
	if cfg.Notifications.ThrottleMinutes == 0 {
		cfg.Notifications.ThrottleMinutes = 60
	}
	if cfg.Notifications.Webhook.TimeoutSeconds == 0 {
		cfg.Notifications.Webhook.TimeoutSeconds = 10
	}
	if cfg.Notifications.Webhook.RetryCount == 0 {
		cfg.Notifications.Webhook.RetryCount = 3
	}
	if cfg.Notifications.Email.SMTPPort == 0 {
		cfg.Notifications.Email.SMTPPort = 587
	}

	// Metrics defaults
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// EnsureDirs creates the data and log directories.
func EnsureDirs(cfg *Config) error {
	for _, dir := range []string{cfg.System.DataDir, cfg.System.LogDir, cfg.System.InstanceLogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
