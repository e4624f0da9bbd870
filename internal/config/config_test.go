package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.MaxConnections != 1 {
		t.Errorf("MaxConnections = %d, want 1", cfg.MaxConnections)
	}
	if cfg.MaxPairedDevices != 3 {
		t.Errorf("MaxPairedDevices = %d, want 3", cfg.MaxPairedDevices)
	}
	if cfg.PairingExpiry != 300*time.Second {
		t.Errorf("PairingExpiry = %v, want 300s", cfg.PairingExpiry)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", cfg.TokenTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PAIRGATE_MAX_CONNECTIONS", "4")
	t.Setenv("PAIRGATE_PAIRING_EXPIRY_SECONDS", "120")
	t.Setenv("PAIRGATE_ABUSE_BACKOFF_MULTIPLIER", "1.5")

	cfg := FromEnv()
	if cfg.MaxConnections != 4 {
		t.Errorf("MaxConnections = %d, want 4", cfg.MaxConnections)
	}
	if cfg.PairingExpiry != 120*time.Second {
		t.Errorf("PairingExpiry = %v, want 120s", cfg.PairingExpiry)
	}
	if cfg.AbuseBackoffMultiplier != 1.5 {
		t.Errorf("AbuseBackoffMultiplier = %v, want 1.5", cfg.AbuseBackoffMultiplier)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero paired devices", func(c *Config) { c.MaxPairedDevices = 0 }},
		{"zero code attempts", func(c *Config) { c.MaxCodeAttempts = 0 }},
		{"negative expiry", func(c *Config) { c.PairingExpiry = -time.Second }},
		{"backoff base below 2", func(c *Config) { c.AbuseBackoffBase = 1 }},
		{"unknown secret store", func(c *Config) { c.SecretStore = "vault" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should reject the config")
			}
		})
	}
}
