// Package config loads application configuration from an optional YAML
// file, then environment variables, on top of defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("10m", "1h30m") as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for the application.
type Config struct {
	// Audiobookshelf is the source library connection
	Audiobookshelf struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"audiobookshelf"`

	// Hardcover is the remote book service connection
	Hardcover struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"hardcover"`

	Logging struct {
		// Level is the minimum log level (trace, debug, info, warn, error)
		Level string `yaml:"level"`
		// Format is the log format (json, console)
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Sync struct {
		// UserID identifies the user whose library is synced
		UserID string `yaml:"user_id"`
		// WorkerCount bounds per-run book concurrency
		WorkerCount int `yaml:"worker_count"`
		// DryRun logs decisions without mutating remote state
		DryRun bool `yaml:"dry_run"`
		// AutoAddBooks adds matched books that are not yet on the user's
		// remote shelf; books with no catalog match are skipped, not added
		AutoAddBooks bool `yaml:"auto_add_books"`
		// CompletionThreshold is the percentage at which a book counts as
		// finished when the time/pages-remaining check does not already
		// mark it finished
		CompletionThreshold float64 `yaml:"completion_threshold"`
		// SyncInterval enables periodic syncs in service mode
		SyncInterval Duration `yaml:"sync_interval"`
		// CachePath is the sqlite book cache location
		CachePath string `yaml:"cache_path"`
		// DumpDir receives failed-sync report files
		DumpDir string `yaml:"dump_dir"`
		// DumpFailedSyncs enables the failed-sync report file
		DumpFailedSyncs bool `yaml:"dump_failed_syncs"`
		// TestBookFilter restricts processing to books whose title or author
		// contains this string (case-insensitive)
		TestBookFilter string `yaml:"test_book_filter"`
		// TestBookLimit bounds the number of books processed (0 = no limit)
		TestBookLimit int `yaml:"test_book_limit"`
	} `yaml:"sync"`

	RateLimit struct {
		// SourcePoints is the source service budget per 60s window
		SourcePoints int `yaml:"source_points"`
		// HardcoverPoints is the remote service budget per 60s window
		HardcoverPoints int `yaml:"hardcover_points"`
		// MaxRetries is the retry budget per remote call
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"rate_limit"`

	Sessions struct {
		// Enabled turns on delayed (coalesced) progress updates
		Enabled bool `yaml:"enabled"`
		// SessionTimeout is how long a session may idle before flushing
		SessionTimeout Duration `yaml:"session_timeout"`
		// MaxDelay is the staleness ceiling forcing a sync
		MaxDelay Duration `yaml:"max_delay"`
		// ImmediateCompletion syncs completions immediately even when delaying
		ImmediateCompletion bool `yaml:"immediate_completion"`
	} `yaml:"sessions"`

	Server struct {
		Port            string   `yaml:"port"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Sync.UserID = "default"
	cfg.Sync.WorkerCount = 3
	cfg.Sync.CompletionThreshold = 95
	cfg.Sync.CachePath = "data/shelfbridge.db"
	cfg.Sync.DumpDir = "data"
	cfg.Sync.DumpFailedSyncs = true

	cfg.RateLimit.SourcePoints = 55
	cfg.RateLimit.HardcoverPoints = 55
	cfg.RateLimit.MaxRetries = 2

	cfg.Sessions.Enabled = false
	cfg.Sessions.SessionTimeout = Duration(15 * time.Minute)
	cfg.Sessions.MaxDelay = Duration(time.Hour)
	cfg.Sessions.ImmediateCompletion = true

	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = Duration(30 * time.Second)

	return cfg
}

// Load builds the configuration: defaults, then the YAML file (if given),
// then environment variables.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var missing []string
	if c.Audiobookshelf.URL == "" {
		missing = append(missing, "AUDIOBOOKSHELF_URL")
	}
	if c.Audiobookshelf.Token == "" {
		missing = append(missing, "AUDIOBOOKSHELF_TOKEN")
	}
	if c.Hardcover.Token == "" {
		missing = append(missing, "HARDCOVER_TOKEN")
	}
	if len(missing) > 0 {
		return &Error{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}
	if c.Sync.WorkerCount <= 0 {
		c.Sync.WorkerCount = 3
	}
	return nil
}

// Error represents a configuration error.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// IsTestEnv reports whether the test environment flag is set.
func IsTestEnv() bool {
	return strings.EqualFold(os.Getenv("SHELFBRIDGE_ENV"), "test")
}

func loadFromEnv(cfg *Config) {
	if url := os.Getenv("AUDIOBOOKSHELF_URL"); url != "" {
		cfg.Audiobookshelf.URL = strings.TrimSuffix(url, "/")
	}
	if token := os.Getenv("AUDIOBOOKSHELF_TOKEN"); token != "" {
		cfg.Audiobookshelf.Token = token
	}
	if url := os.Getenv("HARDCOVER_URL"); url != "" {
		cfg.Hardcover.URL = url
	}
	if token := os.Getenv("HARDCOVER_TOKEN"); token != "" {
		cfg.Hardcover.Token = token
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if user := os.Getenv("SYNC_USER_ID"); user != "" {
		cfg.Sync.UserID = user
	}
	if v := getIntEnv("WORKER_COUNT"); v > 0 {
		cfg.Sync.WorkerCount = v
	}
	if v, set := getBoolEnv("DRY_RUN"); set {
		cfg.Sync.DryRun = v
	}
	if v, set := getBoolEnv("AUTO_ADD_BOOKS"); set {
		cfg.Sync.AutoAddBooks = v
	}
	if v := getDurationEnv("SYNC_INTERVAL"); v > 0 {
		cfg.Sync.SyncInterval = Duration(v)
	}
	if path := os.Getenv("CACHE_PATH"); path != "" {
		cfg.Sync.CachePath = path
	}
	if dir := os.Getenv("DUMP_DIR"); dir != "" {
		cfg.Sync.DumpDir = dir
	}
	if filter := os.Getenv("TEST_BOOK_FILTER"); filter != "" {
		cfg.Sync.TestBookFilter = filter
	}
	if v := getIntEnv("TEST_BOOK_LIMIT"); v > 0 {
		cfg.Sync.TestBookLimit = v
	}

	if v := getIntEnv("SOURCE_RATE_LIMIT"); v > 0 {
		cfg.RateLimit.SourcePoints = v
	}
	if v := getIntEnv("HARDCOVER_RATE_LIMIT"); v > 0 {
		cfg.RateLimit.HardcoverPoints = v
	}

	if v, set := getBoolEnv("SESSIONS_ENABLED"); set {
		cfg.Sessions.Enabled = v
	}
	if v := getDurationEnv("SESSION_TIMEOUT"); v > 0 {
		cfg.Sessions.SessionTimeout = Duration(v)
	}
	if v := getDurationEnv("SESSION_MAX_DELAY"); v > 0 {
		cfg.Sessions.MaxDelay = Duration(v)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
}

func getIntEnv(key string) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return 0
}

func getBoolEnv(key string) (bool, bool) {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getDurationEnv(key string) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return 0
}
