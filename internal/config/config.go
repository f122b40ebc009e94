package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig reports a configuration value that cannot be used.
type ErrInvalidConfig struct {
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "invalid config: " + e.Message
}

// Config stores configuration for both the agent and the collector.
type Config struct {
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// collector
	CollectorAddress string `mapstructure:"COLLECTOR_ADDRESS"`
	StorageDriver    string `mapstructure:"STORAGE_DRIVER"`
	SQLitePath       string `mapstructure:"SQLITE_PATH"`
	PostgresURL      string `mapstructure:"POSTGRES_URL"`
	RedisAddr        string `mapstructure:"REDIS_ADDR"`
	RedisQueueKey    string `mapstructure:"REDIS_QUEUE_KEY"`

	// agent
	TargetURL           string `mapstructure:"TARGET_URL"`
	MinimumVisitSeconds int    `mapstructure:"MINIMUM_VISIT_SECONDS"`
	HeartbeatSeconds    int    `mapstructure:"HEARTBEAT_SECONDS"`
	IdleTimeoutSeconds  int    `mapstructure:"IDLE_TIMEOUT_SECONDS"`
	EngagementEnabled   bool   `mapstructure:"ENGAGEMENT_ENABLED"`
	LegacyPings         bool   `mapstructure:"LEGACY_PINGS"`
	Sink                string `mapstructure:"SINK"`
	CollectorURL        string `mapstructure:"COLLECTOR_URL"`
	Headless            bool   `mapstructure:"HEADLESS"`
}

var defaults = map[string]any{
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "auto",
	"COLLECTOR_ADDRESS":     "127.0.0.1:8123",
	"STORAGE_DRIVER":        "sqlite",
	"SQLITE_PATH":           "",
	"POSTGRES_URL":          "",
	"REDIS_ADDR":            "",
	"REDIS_QUEUE_KEY":       "pageping:queue",
	"TARGET_URL":            "",
	"MINIMUM_VISIT_SECONDS": 10,
	"HEARTBEAT_SECONDS":     10,
	"IDLE_TIMEOUT_SECONDS":  30,
	"ENGAGEMENT_ENABLED":    true,
	"LEGACY_PINGS":          false,
	"SINK":                  "http",
	"COLLECTOR_URL":         "http://127.0.0.1:8123",
	"HEADLESS":              true,
}

// Load reads configuration from envFile (".env" when empty) and the
// environment. Environment variables win over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// the file is optional; production runs on environment variables only
	_ = v.ReadInConfig()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateCollector checks the settings the collector depends on.
func (c *Config) ValidateCollector() error {
	switch c.StorageDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresURL == "" {
			return ErrInvalidConfig{"POSTGRES_URL is required when STORAGE_DRIVER=postgres"}
		}
	default:
		return ErrInvalidConfig{fmt.Sprintf("unknown STORAGE_DRIVER %q", c.StorageDriver)}
	}
	if c.CollectorAddress == "" {
		return ErrInvalidConfig{"COLLECTOR_ADDRESS cannot be empty"}
	}
	return nil
}

// ValidateAgent checks the settings the agent depends on.
func (c *Config) ValidateAgent() error {
	if c.TargetURL == "" {
		return ErrInvalidConfig{"TARGET_URL is required"}
	}
	if u, err := url.Parse(c.TargetURL); err != nil || u.Scheme == "" {
		return ErrInvalidConfig{fmt.Sprintf("TARGET_URL %q is not an absolute URL", c.TargetURL)}
	}
	if c.HeartbeatSeconds <= 0 {
		return ErrInvalidConfig{"HEARTBEAT_SECONDS must be positive"}
	}
	if c.MinimumVisitSeconds < 0 {
		return ErrInvalidConfig{"MINIMUM_VISIT_SECONDS cannot be negative"}
	}
	if c.IdleTimeoutSeconds < 0 {
		return ErrInvalidConfig{"IDLE_TIMEOUT_SECONDS cannot be negative"}
	}

	switch c.Sink {
	case "http":
		if c.CollectorURL == "" {
			return ErrInvalidConfig{"COLLECTOR_URL is required for the http sink"}
		}
	case "redis":
		if c.RedisAddr == "" {
			return ErrInvalidConfig{"REDIS_ADDR is required for the redis sink"}
		}
	case "sqlite", "log":
	default:
		return ErrInvalidConfig{fmt.Sprintf("unknown SINK %q", c.Sink)}
	}
	return nil
}

func (c *Config) MinimumVisit() time.Duration {
	return time.Duration(c.MinimumVisitSeconds) * time.Second
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// EngagementTracking reports whether engaged time is measured at all.
func (c *Config) EngagementTracking() bool {
	return c.EngagementEnabled && c.IdleTimeoutSeconds > 0
}

// DatabasePath returns SQLITE_PATH, or pings.db in the application data
// directory, which is created if missing.
func (c *Config) DatabasePath() (string, error) {
	if c.SQLitePath != "" {
		return c.SQLitePath, nil
	}
	dir, err := ApplicationDirectory()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return filepath.Join(dir, "pings.db"), nil
}

// ApplicationDirectory is the platform-specific data directory.
func ApplicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", "PagePing"), nil
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", "PagePing"), nil
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", "PagePing"), nil
	}
}
