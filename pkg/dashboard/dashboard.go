// Package dashboard provides the push/job synchronizer as a library that can
// be embedded into other Go applications.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lei/pushwatch/internal/api"
	"github.com/lei/pushwatch/internal/client"
	"github.com/lei/pushwatch/internal/config"
	"github.com/lei/pushwatch/internal/events"
	"github.com/lei/pushwatch/internal/metrics"
	"github.com/lei/pushwatch/internal/notify"
	"github.com/lei/pushwatch/internal/poller"
	"github.com/lei/pushwatch/internal/store"
	"github.com/lei/pushwatch/internal/syncer"
	"github.com/lei/pushwatch/pkg/logger"
)

// Dashboard is a synchronizer instance with its HTTP surface
type Dashboard struct {
	config  *config.Config
	syncer  *syncer.Syncer
	bus     *events.Bus
	metrics *metrics.Metrics
	router  http.Handler
	server  *http.Server
	logger  *logger.Logger
}

// Config holds the configuration for the Dashboard. Zero values take the
// same defaults as the configuration file.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration
	Auth AuthConfig

	// Backend is the CI results API
	Backend BackendConfig

	// Notify is the push-notification channel
	Notify NotifyConfig

	// Sync holds queue and poller timings
	Sync SyncConfig

	// Repos to watch
	Repos []Repo

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys is a list of API keys for authentication; empty leaves the API open
	APIKeys []APIKey
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
}

// BackendConfig holds the CI backend connection settings
type BackendConfig struct {
	URL       string
	Token     string
	TokenFile string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// NotifyConfig holds the push-notification settings
type NotifyConfig struct {
	Enabled bool
	URL     string
}

// SyncConfig holds the queue and poller timings
type SyncConfig struct {
	DrainInterval    time.Duration
	JobBatchSize     int
	RetryDelay       time.Duration
	PushInterval     time.Duration
	JobSweepInterval time.Duration
	JobInterval      time.Duration
	StaggerMin       time.Duration
	StaggerMax       time.Duration
	InitialCount     int
}

// Repo is a repository to watch with its view query, e.g.
// {"revision": "abcdef"} or {"author": "dev@example.com", "filter-tier": "1"}
type Repo struct {
	Name  string
	Query map[string]string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

func (c *Config) internal() *config.Config {
	keys := make([]config.APIKey, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		keys[i] = config.APIKey{Name: k.Name, Key: k.Key}
	}
	repos := make([]config.RepoConfig, len(c.Repos))
	for i, r := range c.Repos {
		repos[i] = config.RepoConfig{Name: r.Name, Query: r.Query}
	}

	return &config.Config{
		Server: config.ServerConfig{
			Port:         c.Server.Port,
			ReadTimeout:  c.Server.ReadTimeout,
			WriteTimeout: c.Server.WriteTimeout,
		},
		Auth:    config.AuthConfig{APIKeys: keys},
		Backend: config.BackendConfig(c.Backend),
		Notify:  config.NotifyConfig(c.Notify),
		Sync:    config.SyncConfig(c.Sync),
		Repos:   repos,
		Logging: config.LoggingConfig(c.Logging),
	}
}

// New creates a new Dashboard instance with the provided configuration
func New(cfg *Config) (*Dashboard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	internal := cfg.internal()
	internal.ApplyDefaults()
	if err := internal.Validate(); err != nil {
		return nil, err
	}
	return build(internal, logger.New(internal.Logging.Level, internal.Logging.Format)), nil
}

// NewFromFile creates a Dashboard from a YAML configuration file. Environment
// variables referenced as ${VAR} in the file are expanded.
func NewFromFile(path string) (*Dashboard, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfg, logger.New(cfg.Logging.Level, cfg.Logging.Format)), nil
}

func build(cfg *config.Config, appLogger *logger.Logger) *Dashboard {
	bus := events.NewBus(appLogger)
	m := metrics.New()
	st := store.New(bus, appLogger)

	tokens := client.NewTokenSource(cfg.Backend.Token, cfg.Backend.TokenFile)
	backend := client.New(cfg.Backend.URL,
		tokens,
		client.Options{
			Timeout:   cfg.Backend.Timeout,
			RateLimit: cfg.Backend.RateLimit,
			Burst:     cfg.Backend.Burst,
		},
		appLogger)
	appLogger.Info("initialized backend client", "url", cfg.Backend.URL, "rate_limit", cfg.Backend.RateLimit)

	sync := syncer.New(backend, st, bus, m, syncer.Config{
		InitialCount:  cfg.Sync.InitialCount,
		JobBatchSize:  cfg.Sync.JobBatchSize,
		DrainInterval: cfg.Sync.DrainInterval,
		RetryDelay:    cfg.Sync.RetryDelay,
		PushInterval:  cfg.Sync.PushInterval,
		JobPoller: poller.JobPollerConfig{
			SweepInterval: cfg.Sync.JobSweepInterval,
			Interval:      cfg.Sync.JobInterval,
			StaggerMin:    cfg.Sync.StaggerMin,
			StaggerMax:    cfg.Sync.StaggerMax,
		},
	}, appLogger)

	if cfg.Notify.Enabled {
		sync.SetListener(notify.NewListener(cfg.Notify.URL, cfg.RepoNames(), tokens, sync.HandleNotification, appLogger))
		appLogger.Info("push notifications enabled", "url", cfg.Notify.URL)
	}

	// Initialize API layer
	handlers := api.NewHandlers(sync, bus)
	authMiddleware := api.NewAuthMiddleware(cfg.Auth.APIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, authMiddleware, loggingMiddleware, m.Handler())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Dashboard{
		config:  cfg,
		syncer:  sync,
		bus:     bus,
		metrics: m,
		router:  router,
		server:  srv,
		logger:  appLogger,
	}
}

// Start watches the configured repositories, runs the synchronizer and
// serves HTTP. It blocks until ctx is canceled or the server fails.
func (d *Dashboard) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.watchAll(ctx)
		return nil
	})
	g.Go(func() error {
		return d.syncer.Run(ctx)
	})
	g.Go(func() error {
		d.logger.Info("starting http server", "port", d.config.Server.Port)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		d.logger.Info("shutdown signal received")

		// Graceful shutdown with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		d.logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// watchAll performs the initial load of every configured repository. A
// failed load is not fatal; the push poller retries it.
func (d *Dashboard) watchAll(ctx context.Context) {
	for _, r := range d.config.Repos {
		q, err := store.ParseQuery(r.Values())
		if err != nil {
			d.logger.Error("invalid repository query", "repo", r.Name, "error", err)
			continue
		}
		if err := d.syncer.Watch(ctx, r.Name, q); err != nil {
			d.logger.Warn("initial load failed", "repo", r.Name, "error", err)
		}
	}
}

// Handler returns the http.Handler for the dashboard API
// Use this if you want to integrate it into an existing HTTP server
func (d *Dashboard) Handler() http.Handler {
	return d.router
}

// Syncer returns the underlying synchronizer
// Use this for direct programmatic access to the repository map
func (d *Dashboard) Syncer() *syncer.Syncer {
	return d.syncer
}

// Subscribe returns a channel of synchronizer events and its cancel func
func (d *Dashboard) Subscribe(buffer int) (<-chan events.Event, func()) {
	return d.bus.Subscribe(buffer)
}
