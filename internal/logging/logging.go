// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "pairgate"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("PAIRGATE_LOG_LEVEL", "info"),
		Format: getenv("PAIRGATE_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// DeviceID returns a zap field for a device identifier.
func DeviceID(id string) zap.Field { return zap.String("device_id", id) }

// DeviceName returns a zap field for a device name.
func DeviceName(name string) zap.Field { return zap.String("device_name", name) }

// PairingID returns a zap field for a pairing session identifier.
func PairingID(id string) zap.Field { return zap.String("pairing_id", id) }

// ConnectionID returns a zap field for a connection identifier.
func ConnectionID(id string) zap.Field { return zap.String("connection_id", id) }

// ClientIP returns a zap field for a client IP address.
func ClientIP(ip string) zap.Field { return zap.String("client_ip", ip) }

// Fingerprint returns a zap field for a certificate fingerprint.
func Fingerprint(fp string) zap.Field { return zap.String("fingerprint", fp) }

// Reason returns a zap field for a disconnect or rejection reason.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }

// Position returns a zap field for a queue position.
func Position(pos int) zap.Field { return zap.Int("position", pos) }

// Attempts returns a zap field for an attempt count.
func Attempts(n int) zap.Field { return zap.Int("attempts", n) }

// RetryAfter returns a zap field for a retry-after duration.
func RetryAfter(d time.Duration) zap.Field { return zap.Duration("retry_after", d) }
