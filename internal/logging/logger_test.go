package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in    string
		debug bool
		want  zapcore.Level
	}{
		{"info", false, zapcore.InfoLevel},
		{"DEBUG", false, zapcore.DebugLevel},
		{"error", false, zapcore.ErrorLevel},
		{"warning", false, zapcore.WarnLevel},
		{"", false, zapcore.InfoLevel},
		{"error", true, zapcore.DebugLevel},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.in, tc.debug); got != tc.want {
			t.Errorf("parseLogLevel(%q, %v) = %v, want %v", tc.in, tc.debug, got, tc.want)
		}
	}
}

func TestPackageFunctionsUseLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	Info("started %s", "ftp_ab12cd34")
	Attack("ftp_ab12cd34", "10.0.0.9:4242", "command", "path_traversal", "CWD ../../etc")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Message != "started ftp_ab12cd34" {
		t.Fatalf("message = %q", entries[0].Message)
	}
	if entries[1].ContextMap()["tag"] != "path_traversal" {
		t.Fatalf("fields = %v", entries[1].ContextMap())
	}
}

func TestInitWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	rotation := &config.LogRotationConfig{MaxSizeMB: 1, MaxBackups: 1}
	if err := Init(dir, rotation, "info", false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Error("boom %d", 7)
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "honeyhive.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"boom 7"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}
