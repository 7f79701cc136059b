package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/timekeeper/internal/kv"
	"git.home.luguber.info/inful/timekeeper/internal/retry"
	"git.home.luguber.info/inful/timekeeper/internal/tracker"
)

// Config represents the application configuration
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Tracker TrackerConfig `yaml:"tracker"`
	Metrics MetricsConfig `yaml:"metrics"`
	NATS    NATSConfig    `yaml:"nats"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and tunes the key-value backend.
type StoreConfig struct {
	Backend    string      `yaml:"backend"` // "memory", "sqlite"
	Path       string      `yaml:"path,omitempty"`
	LimitBytes int         `yaml:"limit_bytes,omitempty"`
	Retry      RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig tunes the SQLite store's busy-retry backoff. Durations are
// Go duration strings ("10ms", "1s").
type RetryConfig struct {
	Mode       string `yaml:"mode,omitempty"` // "fixed", "linear", "exponential"
	Initial    string `yaml:"initial,omitempty"`
	Max        string `yaml:"max,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

// TrackerConfig tunes history pagination.
type TrackerConfig struct {
	RecentLimit   int `yaml:"recent_limit,omitempty"`
	PageSize      int `yaml:"page_size,omitempty"`
	MaxPageScan   int `yaml:"max_page_scan,omitempty"`
	CleanupWindow int `yaml:"cleanup_window,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint of the daemon.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// NATSConfig controls best-effort event publishing. Events are disabled
// when the URL is empty.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// DaemonConfig controls the background sweep schedule. SweepInterval is a
// Go duration string ("5m").
type DaemonConfig struct {
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Load loads configuration from the specified file. A missing file is not
// an error: the CLI works out of the box with defaults, a config file only
// overrides them.
func Load(configPath string) (*Config, error) {
	// Load .env files if present; process environment wins.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}

	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("configuration file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath()
	}
	if c.Store.LimitBytes == 0 {
		c.Store.LimitBytes = kv.DefaultLimitBytes
	}
	defaultRetry := retry.DefaultPolicy()
	if c.Store.Retry.Mode == "" {
		c.Store.Retry.Mode = string(defaultRetry.Mode)
	}
	if c.Store.Retry.Initial == "" {
		c.Store.Retry.Initial = defaultRetry.Initial.String()
	}
	if c.Store.Retry.Max == "" {
		c.Store.Retry.Max = defaultRetry.Max.String()
	}
	if c.Store.Retry.MaxRetries == 0 {
		c.Store.Retry.MaxRetries = defaultRetry.MaxRetries
	}
	if c.Tracker.RecentLimit == 0 {
		c.Tracker.RecentLimit = tracker.DefaultRecentLimit
	}
	if c.Tracker.PageSize == 0 {
		c.Tracker.PageSize = tracker.DefaultPageSize
	}
	if c.Tracker.MaxPageScan == 0 {
		c.Tracker.MaxPageScan = tracker.DefaultMaxPageScan
	}
	if c.Tracker.CleanupWindow == 0 {
		c.Tracker.CleanupWindow = tracker.DefaultCleanupWindow
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "timekeeper.events"
	}
	if c.Daemon.SweepInterval == "" {
		c.Daemon.SweepInterval = "5m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// RetryPolicy converts the store retry settings into a backoff policy.
// Call Validate first; unparseable durations here fall back to defaults.
func (c *Config) RetryPolicy() retry.Policy {
	initial, _ := time.ParseDuration(c.Store.Retry.Initial)
	maxDelay, _ := time.ParseDuration(c.Store.Retry.Max)
	return retry.NewPolicy(retry.BackoffMode(c.Store.Retry.Mode),
		initial, maxDelay, c.Store.Retry.MaxRetries)
}

// SweepEvery returns the parsed daemon sweep interval.
// Call Validate first; an unparseable value here falls back to the default.
func (c *Config) SweepEvery() time.Duration {
	d, err := time.ParseDuration(c.Daemon.SweepInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// TrackerOptions converts the pagination settings into tracker options.
func (c *Config) TrackerOptions() tracker.Options {
	return tracker.Options{
		RecentLimit:   c.Tracker.RecentLimit,
		PageSize:      c.Tracker.PageSize,
		MaxPageScan:   c.Tracker.MaxPageScan,
		CleanupWindow: c.Tracker.CleanupWindow,
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store: sqlite backend requires a path")
		}
	default:
		return fmt.Errorf("store: unknown backend %q (want %q or %q)", c.Store.Backend, BackendMemory, BackendSQLite)
	}
	if c.Store.LimitBytes < 0 {
		return fmt.Errorf("store: limit_bytes must not be negative")
	}
	switch retry.BackoffMode(c.Store.Retry.Mode) {
	case retry.BackoffFixed, retry.BackoffLinear, retry.BackoffExponential:
	default:
		return fmt.Errorf("store: unknown retry mode %q", c.Store.Retry.Mode)
	}
	if _, err := time.ParseDuration(c.Store.Retry.Initial); err != nil {
		return fmt.Errorf("store: invalid retry.initial: %w", err)
	}
	if _, err := time.ParseDuration(c.Store.Retry.Max); err != nil {
		return fmt.Errorf("store: invalid retry.max: %w", err)
	}
	if c.Store.Retry.MaxRetries < 0 {
		return fmt.Errorf("store: retry.max_retries must not be negative")
	}
	if c.Tracker.RecentLimit < 0 || c.Tracker.PageSize <= 0 {
		return fmt.Errorf("tracker: recent_limit must be >= 0 and page_size > 0")
	}
	if c.Tracker.MaxPageScan <= 0 {
		return fmt.Errorf("tracker: max_page_scan must be positive")
	}
	if c.Tracker.CleanupWindow < 0 {
		return fmt.Errorf("tracker: cleanup_window must not be negative")
	}
	sweep, err := time.ParseDuration(c.Daemon.SweepInterval)
	if err != nil {
		return fmt.Errorf("daemon: invalid sweep_interval: %w", err)
	}
	if sweep < time.Second {
		return fmt.Errorf("daemon: sweep_interval must be at least 1s")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

func defaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/timekeeper/timekeeper.db"
	}
	return "timekeeper.db"
}
