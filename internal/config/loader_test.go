package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "c.json", `{"api":{"listen_addr":":7000"},"supervisor":{"grace_period":"2s"}}`},
		{"yaml", "c.yaml", "api:\n  listen_addr: \":7000\"\nsupervisor:\n  grace_period: 2s\n"},
		{"toml", "c.toml", "[api]\nlisten_addr = \":7000\"\n[supervisor]\ngrace_period = \"2s\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tc.file, tc.body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.API.ListenAddr != ":7000" {
				t.Fatalf("listen addr = %q", cfg.API.ListenAddr)
			}
			if got := cfg.Supervisor.GraceDuration(); got != 2*time.Second {
				t.Fatalf("grace = %v", got)
			}
			// untouched sections fall back to defaults
			if cfg.Supervisor.BindAddress != "0.0.0.0" {
				t.Fatalf("bind address default = %q", cfg.Supervisor.BindAddress)
			}
			if cfg.Metrics.Path != "/metrics" {
				t.Fatalf("metrics path default = %q", cfg.Metrics.Path)
			}
		})
	}
}

func TestLoadExplicitPathErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "bad.json", "{not json")); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HH_TEST_TOKEN", "s3cret")
	cfg, err := Load(writeFile(t, "c.json", `{"api":{"authentication":{"enabled":true,"token":"${HH_TEST_TOKEN}"}}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Authentication.Token != "s3cret" {
		t.Fatalf("token = %q", cfg.API.Authentication.Token)
	}
}

func TestDurationFallbacks(t *testing.T) {
	s := SupervisorConfig{GracePeriod: "nonsense", ReconcileInterval: "-1s"}
	if s.GraceDuration() != 5*time.Second {
		t.Fatalf("grace fallback = %v", s.GraceDuration())
	}
	if s.ReconcileDuration() != 30*time.Second {
		t.Fatalf("reconcile fallback = %v", s.ReconcileDuration())
	}
	if s.SessionTimeoutDuration() != 5*time.Minute {
		t.Fatalf("session timeout fallback = %v", s.SessionTimeoutDuration())
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := getDefaults()
	cfg.System.DataDir = "/var/lib/hh"
	if cfg.ConfigsFile() != "/var/lib/hh/honeypot_configs.json" {
		t.Fatalf("configs file = %s", cfg.ConfigsFile())
	}
	if cfg.DatabasePath() != "/var/lib/hh/honeyhive.db" {
		t.Fatalf("db path = %s", cfg.DatabasePath())
	}
}
