package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"locsync/internal/domain"
)

func validConfig() *Config {
	return &Config{
		Environment:            "development",
		CollectorURL:           "http://localhost:80",
		RequestTimeout:         3 * time.Second,
		SyncInterval:           domain.DefaultInterval,
		TokenSafetyMargin:      30 * time.Second,
		StoreDriver:            StoreSQLite,
		SQLitePath:             "./data/locsync.db",
		QueueMaxDepth:          10000,
		DrainMode:              DrainSingle,
		DrainBatchSize:         50,
		MaxConsecutiveFailures: 3,
		PositionSource:         SourceFixed,
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expected    bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"staging", "staging", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			if got := cfg.IsProduction(); got != tt.expected {
				t.Errorf("IsProduction() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expected    bool
	}{
		{"development", "development", true},
		{"dev", "dev", true},
		{"empty", "", true},
		{"production", "production", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			if got := cfg.IsDevelopment(); got != tt.expected {
				t.Errorf("IsDevelopment() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name          string
		mutate        func(c *Config)
		errorContains string
	}{
		{name: "defaults_are_valid"},
		{name: "relative_collector_url", mutate: func(c *Config) { c.CollectorURL = "/api" }, errorContains: "COLLECTOR_URL"},
		{name: "zero_timeout", mutate: func(c *Config) { c.RequestTimeout = 0 }, errorContains: "REQUEST_TIMEOUT"},
		{name: "postgres_without_url", mutate: func(c *Config) { c.StoreDriver = StorePostgres }, errorContains: "DATABASE_URL"},
		{name: "unknown_driver", mutate: func(c *Config) { c.StoreDriver = "bolt" }, errorContains: "STORE_DRIVER"},
		{name: "valid_seal_key", mutate: func(c *Config) { c.TokenSealKey = key }},
		{name: "short_seal_key", mutate: func(c *Config) { c.TokenSealKey = "c2hvcnQ=" }, errorContains: "TOKEN_SEAL_KEY"},
		{name: "zero_queue_depth", mutate: func(c *Config) { c.QueueMaxDepth = 0 }, errorContains: "QUEUE_MAX_DEPTH"},
		{name: "unknown_drain_mode", mutate: func(c *Config) { c.DrainMode = "parallel" }, errorContains: "DRAIN_MODE"},
		{name: "batch_mode", mutate: func(c *Config) { c.DrainMode = DrainBatch }},
		{name: "amqp_without_queue", mutate: func(c *Config) {
			c.PositionSource = SourceAMQP
			c.RabbitMQURL = "amqp://localhost"
		}, errorContains: "POSITION_QUEUE"},
		{name: "production_without_control_token", mutate: func(c *Config) { c.Environment = "production" }, errorContains: "CONTROL_TOKEN"},
		{name: "production_memory_store", mutate: func(c *Config) {
			c.Environment = "production"
			c.ControlToken = strings.Repeat("x", 32)
			c.StoreDriver = StoreMemory
		}, errorContains: "memory"},
		{name: "production_valid", mutate: func(c *Config) {
			c.Environment = "production"
			c.ControlToken = strings.Repeat("x", 32)
			c.CollectorURL = "https://collector.example.com"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := cfg.Validate()
			if tt.errorContains == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.errorContains)
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error containing %q, got %q", tt.errorContains, err.Error())
			}
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("COLLECTOR_URL", "http://collector.local:8080")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("SYNC_INTERVAL", "off")
	t.Setenv("STORE_DRIVER", StoreMemory)
	t.Setenv("QUEUE_MAX_DEPTH", "25")
	t.Setenv("DRAIN_MODE", DrainBatch)
	t.Setenv("VALIDATE_CONTROL_API", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CollectorURL != "http://collector.local:8080" {
		t.Errorf("CollectorURL = %q", cfg.CollectorURL)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v, want 2s", cfg.RequestTimeout)
	}
	if !cfg.SyncInterval.Off() {
		t.Errorf("SyncInterval = %v, want OFF", cfg.SyncInterval)
	}
	if cfg.QueueMaxDepth != 25 {
		t.Errorf("QueueMaxDepth = %d, want 25", cfg.QueueMaxDepth)
	}
	if cfg.DrainMode != DrainBatch {
		t.Errorf("DrainMode = %q, want batch", cfg.DrainMode)
	}
	if cfg.ValidateControlAPI {
		t.Error("ValidateControlAPI should be false")
	}
	if cfg.TokenSafetyMargin != 30*time.Second {
		t.Errorf("TokenSafetyMargin default = %v, want 30s", cfg.TokenSafetyMargin)
	}
}

func TestLoad_MalformedValues(t *testing.T) {
	t.Setenv("STORE_DRIVER", StoreMemory)
	t.Setenv("REQUEST_TIMEOUT", "three seconds")
	t.Setenv("QUEUE_MAX_DEPTH", "many")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for malformed values, got nil")
	}
	for _, key := range []string{"REQUEST_TIMEOUT", "QUEUE_MAX_DEPTH"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Expected error to mention %s, got %q", key, err.Error())
		}
	}
}

func TestConfig_SealKey(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 7
	cfg := &Config{TokenSealKey: base64.StdEncoding.EncodeToString(raw)}
	if got := cfg.SealKey(); len(got) != 32 || got[0] != 7 {
		t.Errorf("SealKey() = %v", got)
	}

	if (&Config{}).SealKey() != nil {
		t.Error("SealKey() should be nil when unset")
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{"env_set", "LOCSYNC_TEST_KEY", "default", "custom", "custom"},
		{"env_not_set", "LOCSYNC_TEST_KEY_NOT_SET", "default", "", "default"},
		{"empty_default", "LOCSYNC_TEST_KEY_EMPTY", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.expected {
				t.Errorf("getEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}
