package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
)

var (
	mu            sync.Mutex
	defaultLogger = consoleLogger(zapcore.InfoLevel)
	roller        *lumberjack.Roller
)

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

// consoleLogger is used until Init runs.
func consoleLogger(level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), level))
}

// Init sets up the daemon log: human readable on stdout, JSON in
// <logDir>/honeyhive.log rotated by size.
func Init(logDir string, rotation *config.LogRotationConfig, logLevel string, debug bool) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	r, err := NewRoller(filepath.Join(logDir, "honeyhive.log"), rotation)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}

	level := parseLogLevel(logLevel, debug)

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(r), level),
	)

	mu.Lock()
	old := roller
	defaultLogger = zap.New(core)
	roller = r
	mu.Unlock()
	if old != nil {
		old.Close()
	}

	Info("[LOGGING] Initialized - LogDir: %s, MaxSize: %d MB, Level: %s", logDir, rotation.MaxSizeMB, level)
	return nil
}

// NewRoller opens a size-rotated file using the daemon rotation settings.
func NewRoller(path string, rotation *config.LogRotationConfig) (*lumberjack.Roller, error) {
	maxSize := int64(100)
	opts := &lumberjack.Options{}
	if rotation != nil {
		if rotation.MaxSizeMB > 0 {
			maxSize = int64(rotation.MaxSizeMB)
		}
		opts.MaxBackups = rotation.MaxBackups
		opts.MaxAge = time.Duration(rotation.MaxAgeDays) * 24 * time.Hour
		opts.Compress = rotation.Compress
	}
	return lumberjack.NewRoller(path, maxSize*1024*1024, opts)
}

// SetLogger replaces the package logger. Tests use it with zaptest/observer.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

func parseLogLevel(level string, debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}

	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func current() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// Logger returns the process logger for callers that want structured fields.
func Logger() *zap.Logger {
	return current()
}

func Info(msg string, args ...interface{}) {
	current().Info(fmt.Sprintf(msg, args...))
}

func Warn(msg string, args ...interface{}) {
	current().Warn(fmt.Sprintf(msg, args...))
}

func Error(msg string, args ...interface{}) {
	current().Error(fmt.Sprintf(msg, args...))
}

func Debug(msg string, args ...interface{}) {
	current().Debug(fmt.Sprintf(msg, args...))
}

// Attack records attacker activity that was classified by the detection rules.
func Attack(instanceID, remote, category, tag, message string) {
	current().Warn("ATTACK",
		zap.String("instance", instanceID),
		zap.String("remote", remote),
		zap.String("category", category),
		zap.String("tag", tag),
		zap.String("message", message),
	)
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	_ = defaultLogger.Sync()
	if roller != nil {
		roller.Close()
		roller = nil
	}
	defaultLogger = consoleLogger(zapcore.InfoLevel)
}
