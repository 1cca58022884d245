package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port <= 0 {
		t.Error("Port should be positive")
	}

	if cfg.DedupWindow != 60*time.Second {
		t.Errorf("Expected dedup window 60s, got %s", cfg.DedupWindow)
	}

	if cfg.ConfidenceThreshold != 85 {
		t.Errorf("Expected confidence threshold 85, got %d", cfg.ConfidenceThreshold)
	}

	if cfg.DedupBackend != "memory" {
		t.Errorf("Expected dedup backend 'memory', got '%s'", cfg.DedupBackend)
	}

	if cfg.DatabaseDriver != "sqlite3" {
		t.Errorf("Expected database driver 'sqlite3', got '%s'", cfg.DatabaseDriver)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()

	// Valid config should pass
	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config should not return error: %v", err)
	}

	// Invalid dedup backend should fail
	cfg.DedupBackend = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("Invalid dedup backend should return error")
	}
	cfg.DedupBackend = "memory"

	// Redis backend without an address should fail
	cfg.DedupBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("Redis backend without addr should return error")
	}
	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Redis backend with addr should pass: %v", err)
	}
	cfg.DedupBackend = "memory"

	// Out-of-range confidence threshold should fail
	cfg.ConfidenceThreshold = 101
	if err := cfg.Validate(); err == nil {
		t.Error("Confidence threshold above 100 should return error")
	}
	cfg.ConfidenceThreshold = 85

	// Empty DSN should fail
	cfg.DatabaseDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Empty database DSN should return error")
	}
	cfg.DatabaseDSN = "./garage.db"

	// Invalid log level should fail
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Invalid log level should return error")
	}
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9090

	if got := cfg.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Expected addr '127.0.0.1:9090', got '%s'", got)
	}
}
