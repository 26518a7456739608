package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the pushwatch configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Backend BackendConfig `yaml:"backend"`
	Notify  NotifyConfig  `yaml:"notify"`
	Sync    SyncConfig    `yaml:"sync"`
	Repos   []RepoConfig  `yaml:"repos"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig contains API key settings for the HTTP surface. No keys means
// the API is open.
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// BackendConfig contains connection settings for the CI results backend
type BackendConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"` // re-read after a 401
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// NotifyConfig contains the push-notification channel settings
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// SyncConfig contains queue and poller timings
type SyncConfig struct {
	DrainInterval    time.Duration `yaml:"drain_interval"`
	JobBatchSize     int           `yaml:"job_batch_size"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	PushInterval     time.Duration `yaml:"push_interval"`
	JobSweepInterval time.Duration `yaml:"job_sweep_interval"`
	JobInterval      time.Duration `yaml:"job_interval"`
	StaggerMin       time.Duration `yaml:"stagger_min"`
	StaggerMax       time.Duration `yaml:"stagger_max"`
	InitialCount     int           `yaml:"initial_count"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, expanding environment variables first
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero setting with its default
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	// The events stream is long-lived, so no write timeout by default.
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}

	s := &c.Sync
	if s.DrainInterval == 0 {
		s.DrainInterval = 10 * time.Second
	}
	if s.JobBatchSize == 0 {
		s.JobBatchSize = 40
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = 10 * time.Second
	}
	if s.PushInterval == 0 {
		s.PushInterval = 30 * time.Second
	}
	if s.JobSweepInterval == 0 {
		s.JobSweepInterval = 30 * time.Second
	}
	if s.JobInterval == 0 {
		s.JobInterval = 30 * time.Second
	}
	if s.StaggerMin == 0 {
		s.StaggerMin = time.Second
	}
	if s.StaggerMax == 0 {
		s.StaggerMax = 10 * time.Second
	}
	if s.InitialCount == 0 {
		s.InitialCount = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks required settings and value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		errs = append(errs, errors.New("notify.url is required when notify is enabled"))
	}
	if c.Sync.JobBatchSize < 0 {
		errs = append(errs, errors.New("sync.job_batch_size must be positive"))
	}
	if c.Sync.StaggerMax < c.Sync.StaggerMin {
		errs = append(errs, errors.New("sync.stagger_max must not be below sync.stagger_min"))
	}
	if err := validateRepos(c.Repos); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
