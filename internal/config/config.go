package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"garage-erm/internal/dedup"
)

// Config represents the service configuration
type Config struct {
	// HTTP server configuration
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Ingestion configuration
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	DedupBackend        string        `mapstructure:"dedup_backend"` // memory, redis
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`
	Capacity            int           `mapstructure:"capacity"`
	OpenHour            int           `mapstructure:"open_hour"`
	CloseHour           int           `mapstructure:"close_hour"`

	// Approval workflow configuration
	ApprovalTimeout       time.Duration `mapstructure:"approval_timeout"`
	ApprovalSweepInterval time.Duration `mapstructure:"approval_sweep_interval"`
	NotifyWebhookURL      string        `mapstructure:"notify_webhook_url"`
	NotifyWebhookToken    string        `mapstructure:"notify_webhook_token"`

	// Camera monitor configuration
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	AlertDedupWindow time.Duration `mapstructure:"alert_dedup_window"`

	// Database configuration
	DatabaseDriver string `mapstructure:"database_driver"` // sqlite3, postgres
	DatabaseDSN    string `mapstructure:"database_dsn"`

	// Redis configuration, used when dedup_backend is redis
	Redis dedup.RedisConfig `mapstructure:"redis"`

	// Authentication configuration
	EdgeAPIKey string `mapstructure:"edge_api_key"`
	JWTSecret  string `mapstructure:"jwt_secret"`

	// Rate limiting for camera-facing endpoints
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		DedupWindow:           60 * time.Second,
		DedupBackend:          "memory",
		ConfidenceThreshold:   85,
		Capacity:              0,
		OpenHour:              0,
		CloseHour:             0,
		ApprovalTimeout:       30 * time.Minute,
		ApprovalSweepInterval: time.Minute,
		MonitorInterval:       60 * time.Second,
		OfflineThreshold:      5 * time.Minute,
		AlertDedupWindow:      60 * time.Second,
		DatabaseDriver:        "sqlite3",
		DatabaseDSN:           "./garage.db",
		RateLimitPerMinute:    60,
		LogLevel:              "info",
		LogFile:               "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config in current directory and common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/garage-erm")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".garage-erm"))
		}
	}

	v.SetEnvPrefix("GARAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("dedup_window", cfg.DedupWindow)
	v.SetDefault("dedup_backend", cfg.DedupBackend)
	v.SetDefault("confidence_threshold", cfg.ConfidenceThreshold)
	v.SetDefault("capacity", cfg.Capacity)
	v.SetDefault("open_hour", cfg.OpenHour)
	v.SetDefault("close_hour", cfg.CloseHour)
	v.SetDefault("approval_timeout", cfg.ApprovalTimeout)
	v.SetDefault("approval_sweep_interval", cfg.ApprovalSweepInterval)
	v.SetDefault("notify_webhook_url", cfg.NotifyWebhookURL)
	v.SetDefault("notify_webhook_token", cfg.NotifyWebhookToken)
	v.SetDefault("monitor_interval", cfg.MonitorInterval)
	v.SetDefault("offline_threshold", cfg.OfflineThreshold)
	v.SetDefault("alert_dedup_window", cfg.AlertDedupWindow)
	v.SetDefault("database_driver", cfg.DatabaseDriver)
	v.SetDefault("database_dsn", cfg.DatabaseDSN)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("edge_api_key", cfg.EdgeAPIKey)
	v.SetDefault("jwt_secret", cfg.JWTSecret)
	v.SetDefault("rate_limit_per_minute", cfg.RateLimitPerMinute)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}

	if c.DedupBackend != "memory" && c.DedupBackend != "redis" {
		return fmt.Errorf("dedup_backend must be one of: memory, redis")
	}

	if c.DedupBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when dedup_backend is redis")
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold must be between 0 and 100")
	}

	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative")
	}

	if c.OpenHour < 0 || c.OpenHour > 23 || c.CloseHour < 0 || c.CloseHour > 23 {
		return fmt.Errorf("open_hour and close_hour must be between 0 and 23")
	}

	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive")
	}

	if c.ApprovalSweepInterval <= 0 {
		return fmt.Errorf("approval_sweep_interval must be positive")
	}

	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}

	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("offline_threshold must be positive")
	}

	if c.DatabaseDriver != "sqlite3" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database_driver must be one of: sqlite3, postgres")
	}

	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn is required")
	}

	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
