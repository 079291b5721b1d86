package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Locks   LockConfig    `yaml:"locks"`
	Breaker BreakerConfig `yaml:"breaker"`
	Clock   ClockConfig   `yaml:"clock"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig contains local agent settings.
type AgentConfig struct {
	DataRoot     string `yaml:"data_root"`
	Identity     string `yaml:"identity"`
	CollectionID string `yaml:"collection_id"`
	StatusPort   int    `yaml:"status_port"`
}

// RemoteConfig contains remote store connection settings.
type RemoteConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains push/pull cycle settings.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	BatchLimit  int      `yaml:"batch_limit"`
	DeltaLimit  int      `yaml:"delta_limit"`
}

// LockConfig contains field lock settings. The post-blur grace window is a
// product decision, so it is configuration rather than a constant.
type LockConfig struct {
	GraceWindow Duration `yaml:"grace_window"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	MaxDeleteCount    int      `yaml:"max_delete_count"`
	MaxDeleteFraction float64  `yaml:"max_delete_fraction"`
	FlapThreshold     int      `yaml:"flap_threshold"`
	FlapWindow        Duration `yaml:"flap_window"`
	Cooldown          Duration `yaml:"cooldown"`
	AuditSize         int      `yaml:"audit_size"`
}

// ClockConfig contains clock skew monitor settings.
type ClockConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// ServerConfig contains HTTP settings for the reference remote store.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	DatabasePath    string   `yaml:"database_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FLOWSYNC_CONFIG_PATH", "config/flowsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Agent: AgentConfig{
			DataRoot:     "~/.flowsync",
			Identity:     "",
			CollectionID: "default",
			StatusPort:   7399,
		},
		Sync: SyncConfig{
			Interval:    Duration(30 * time.Second),
			BackoffBase: Duration(1 * time.Second),
			BackoffCap:  Duration(60 * time.Second),
			BatchLimit:  200,
			DeltaLimit:  500,
		},
		Locks: LockConfig{
			GraceWindow: Duration(5 * time.Second),
		},
		Breaker: BreakerConfig{
			MaxDeleteCount:    25,
			MaxDeleteFraction: 0.5,
			FlapThreshold:     3,
			FlapWindow:        Duration(2 * time.Minute),
			Cooldown:          Duration(5 * time.Minute),
			AuditSize:         256,
		},
		Clock: ClockConfig{
			RefreshInterval: Duration(10 * time.Minute),
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DatabasePath:    "data/flowsync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Agent
	if v := os.Getenv("FLOWSYNC_DATA_ROOT"); v != "" {
		cfg.Agent.DataRoot = v
	}
	if v := os.Getenv("FLOWSYNC_IDENTITY"); v != "" {
		cfg.Agent.Identity = v
	}
	if v := os.Getenv("FLOWSYNC_COLLECTION_ID"); v != "" {
		cfg.Agent.CollectionID = v
	}
	if v := os.Getenv("FLOWSYNC_STATUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Agent.StatusPort = port
		}
	}

	// Remote
	if v := os.Getenv("FLOWSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("FLOWSYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}

	// Sync
	if v := os.Getenv("FLOWSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("FLOWSYNC_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffBase = Duration(d)
		}
	}
	if v := os.Getenv("FLOWSYNC_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffCap = Duration(d)
		}
	}
	if v := os.Getenv("FLOWSYNC_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchLimit = n
		}
	}

	// Locks
	if v := os.Getenv("FLOWSYNC_LOCK_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Locks.GraceWindow = Duration(d)
		}
	}

	// Breaker
	if v := os.Getenv("FLOWSYNC_BREAKER_MAX_DELETES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.MaxDeleteCount = n
		}
	}
	if v := os.Getenv("FLOWSYNC_BREAKER_MAX_DELETE_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Breaker.MaxDeleteFraction = f
		}
	}
	if v := os.Getenv("FLOWSYNC_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.Cooldown = Duration(d)
		}
	}

	// Clock
	if v := os.Getenv("FLOWSYNC_CLOCK_REFRESH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clock.RefreshInterval = Duration(d)
		}
	}

	// Server
	if v := os.Getenv("FLOWSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWSYNC_DB_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
	if v := os.Getenv("FLOWSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("FLOWSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLOWSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are coherent.
// In dev mode (FLOWSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Breaker.MaxDeleteFraction <= 0 || c.Breaker.MaxDeleteFraction > 1 {
		return errors.New("breaker.max_delete_fraction must be in (0, 1]")
	}
	if c.Breaker.FlapThreshold < 1 {
		return errors.New("breaker.flap_threshold must be >= 1")
	}
	if time.Duration(c.Sync.BackoffBase) <= 0 {
		return errors.New("sync.backoff_base must be positive")
	}
	if time.Duration(c.Sync.BackoffCap) < time.Duration(c.Sync.BackoffBase) {
		return errors.New("sync.backoff_cap must be >= sync.backoff_base")
	}
	if time.Duration(c.Locks.GraceWindow) < 0 {
		return errors.New("locks.grace_window must not be negative")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("FLOWSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Remote.URL != "" && c.Remote.APIKey == "" {
		return errors.New("FLOWSYNC_API_KEY is required when a remote is configured")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
