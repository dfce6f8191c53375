package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the view-sync service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CVR       CVRConfig       `mapstructure:"cvr"`
	Transform TransformConfig `mapstructure:"transform"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the admin/health HTTP surface configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	AdminPort       int           `mapstructure:"admin_port"`
	TaskID          string        `mapstructure:"task_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL CVR store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CVRConfig represents CVR load/flush tuning
type CVRConfig struct {
	// LoadMaxAttempts bounds the wait for the row tier to catch up to the
	// committed metadata version during load.
	LoadMaxAttempts int           `mapstructure:"load_max_attempts"`
	LoadRetryDelay  time.Duration `mapstructure:"load_retry_delay"`
	// InlineRowLimit is the largest row diff flushed synchronously inside
	// the metadata transaction; anything larger goes through the deferred
	// row flusher.
	InlineRowLimit int `mapstructure:"inline_row_limit"`
	// MaxRowBatchSize is the largest single row-write transaction. Must be
	// a power of two; the flusher shrinks by halving for remainders. A
	// tunable amortization constant, not an invariant.
	MaxRowBatchSize int `mapstructure:"max_row_batch_size"`
	FlushQueueSize  int `mapstructure:"flush_queue_size"`
	// CatchupPageSize is the page size for catch-up row patch iteration.
	CatchupPageSize int `mapstructure:"catchup_page_size"`
}

// TransformConfig represents the custom-query transformer configuration
type TransformConfig struct {
	// URLs is the allow-list of transform endpoints. The first entry is the
	// default when a request names no URL. Entries may carry a single-label
	// wildcard subdomain, e.g. https://*.example.com/transform.
	URLs           []string      `mapstructure:"urls"`
	ForwardCookies bool          `mapstructure:"forward_cookies"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheMaxSize   int           `mapstructure:"cache_max_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		return errors.New("server.admin_port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.CVR.LoadMaxAttempts <= 0 {
		return errors.New("cvr.load_max_attempts must be positive")
	}
	if c.CVR.MaxRowBatchSize <= 0 || c.CVR.MaxRowBatchSize&(c.CVR.MaxRowBatchSize-1) != 0 {
		return fmt.Errorf("cvr.max_row_batch_size must be a positive power of two, got %d", c.CVR.MaxRowBatchSize)
	}
	if c.CVR.InlineRowLimit < 0 {
		return errors.New("cvr.inline_row_limit must not be negative")
	}
	if c.CVR.CatchupPageSize <= 0 {
		return errors.New("cvr.catchup_page_size must be positive")
	}
	if len(c.Transform.URLs) == 0 {
		return errors.New("transform.urls requires at least one entry")
	}
	if c.Transform.CacheTTL <= 0 {
		return errors.New("transform.cache_ttl must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			AdminPort:       8081,
			TaskID:          "",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "viewsync_cvr",
			User:            "viewsync",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		CVR: CVRConfig{
			LoadMaxAttempts: 5,
			LoadRetryDelay:  50 * time.Millisecond,
			InlineRowLimit:  32,
			MaxRowBatchSize: 512,
			FlushQueueSize:  64,
			CatchupPageSize: 256,
		},
		Transform: TransformConfig{
			URLs:           nil,
			ForwardCookies: false,
			// Short enough to respect short-lived authorization tokens,
			// long enough to absorb a burst of query messages.
			CacheTTL:       5 * time.Second,
			CacheMaxSize:   10000,
			RequestTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
