// Package config holds the recognized configuration options and their defaults.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all recognized pairgate options.
type Config struct {
	APIPort     int
	DBPath      string
	CertDir     string
	SecretStore string // file|memory
	SecretFile  string

	PairingExpiry    time.Duration
	MaxPairedDevices int
	MaxCodeAttempts  int
	TokenTTL         time.Duration

	MaxConnections   int
	HeartbeatTimeout time.Duration

	AbuseWindow            time.Duration
	AbuseMaxAttempts       int
	AbuseBackoffBase       int
	AbuseBackoffMultiplier float64
	AbuseMaxBackoff        time.Duration
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		APIPort:     8765,
		DBPath:      "pairgate.db",
		CertDir:     "certs",
		SecretStore: "file",
		SecretFile:  "pairgate.secret",

		PairingExpiry:    300 * time.Second,
		MaxPairedDevices: 3,
		MaxCodeAttempts:  1,
		TokenTTL:         86400 * time.Second,

		MaxConnections:   1,
		HeartbeatTimeout: 300 * time.Second,

		AbuseWindow:            60 * time.Second,
		AbuseMaxAttempts:       5,
		AbuseBackoffBase:       2,
		AbuseBackoffMultiplier: 2.0,
		AbuseMaxBackoff:        300 * time.Second,
	}
}

// FromEnv returns the defaults overridden by PAIRGATE_* environment variables.
func FromEnv() *Config {
	cfg := Default()

	cfg.APIPort = getEnvInt("PAIRGATE_API_PORT", cfg.APIPort)
	cfg.DBPath = getEnv("PAIRGATE_DB", cfg.DBPath)
	cfg.CertDir = getEnv("PAIRGATE_CERT_DIR", cfg.CertDir)
	cfg.SecretStore = getEnv("PAIRGATE_SECRET_STORE", cfg.SecretStore)
	cfg.SecretFile = getEnv("PAIRGATE_SECRET_FILE", cfg.SecretFile)

	cfg.PairingExpiry = getEnvSeconds("PAIRGATE_PAIRING_EXPIRY_SECONDS", cfg.PairingExpiry)
	cfg.MaxPairedDevices = getEnvInt("PAIRGATE_MAX_PAIRED_DEVICES", cfg.MaxPairedDevices)
	cfg.MaxCodeAttempts = getEnvInt("PAIRGATE_MAX_CODE_ATTEMPTS", cfg.MaxCodeAttempts)
	cfg.TokenTTL = getEnvSeconds("PAIRGATE_TOKEN_TTL_SECONDS", cfg.TokenTTL)

	cfg.MaxConnections = getEnvInt("PAIRGATE_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.HeartbeatTimeout = getEnvSeconds("PAIRGATE_CONNECTION_HEARTBEAT_TIMEOUT_SECONDS", cfg.HeartbeatTimeout)

	cfg.AbuseWindow = getEnvSeconds("PAIRGATE_ABUSE_WINDOW_SECONDS", cfg.AbuseWindow)
	cfg.AbuseMaxAttempts = getEnvInt("PAIRGATE_ABUSE_MAX_ATTEMPTS", cfg.AbuseMaxAttempts)
	cfg.AbuseBackoffBase = getEnvInt("PAIRGATE_ABUSE_BACKOFF_BASE", cfg.AbuseBackoffBase)
	cfg.AbuseBackoffMultiplier = getEnvFloat("PAIRGATE_ABUSE_BACKOFF_MULTIPLIER", cfg.AbuseBackoffMultiplier)
	cfg.AbuseMaxBackoff = getEnvSeconds("PAIRGATE_ABUSE_MAX_BACKOFF_SECONDS", cfg.AbuseMaxBackoff)

	return cfg
}

// Validate rejects option combinations the service cannot run with.
func (c *Config) Validate() error {
	if c.MaxPairedDevices < 1 {
		return fmt.Errorf("max_paired_devices must be at least 1, got %d", c.MaxPairedDevices)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.MaxCodeAttempts < 1 {
		return fmt.Errorf("max_code_attempts must be at least 1, got %d", c.MaxCodeAttempts)
	}
	if c.PairingExpiry <= 0 {
		return fmt.Errorf("pairing_expiry_seconds must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl_seconds must be positive")
	}
	if c.AbuseBackoffBase < 2 {
		return fmt.Errorf("abuse_backoff_base must be at least 2, got %d", c.AbuseBackoffBase)
	}
	switch c.SecretStore {
	case "file", "memory":
	default:
		return fmt.Errorf("secret_store must be file or memory, got %q", c.SecretStore)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}
