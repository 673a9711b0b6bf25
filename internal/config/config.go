// Package config loads the price feed service settings from environment
// variables. Every section is described by struct tags and validated as a
// whole at startup.
package config

import (
	"strconv"
	"time"
)

// Config holds all service settings.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Workers  WorkerConfig
	Progress ProgressConfig
	Export   ExportConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Keys     UniquenessConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds store settings.
type DatabaseConfig struct {
	// Driver selects the store: postgres or memory (default: postgres)
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" secret:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// ImportConfig holds file ingestion settings.
type ImportConfig struct {
	// BatchSize is the number of rows committed per transaction (default: 500)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"500"`

	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// PeekBytes bounds the prefix inspected by format detection (default: 1MB)
	PeekBytes int `env:"IMPORT_PEEK_BYTES" default:"1048576"`

	// SampleLines is the number of lines used for delimiter/header heuristics (default: 10)
	SampleLines int `env:"IMPORT_SAMPLE_LINES" default:"10"`

	// UploadDir is where uploaded files are stored until processed
	UploadDir string `env:"IMPORT_UPLOAD_DIR" default:"./data/uploads"`

	// CancelCheck is how often a running job polls for cancellation: row or batch
	CancelCheck string `env:"IMPORT_CANCEL_CHECK" default:"batch"`

	// DuplicatePolicy decides what happens on natural key collision: overwrite or skip
	DuplicatePolicy string `env:"IMPORT_DUPLICATE_POLICY" default:"overwrite"`
}

// WorkerConfig sizes the background pools.
type WorkerConfig struct {
	FileWorkers   int `env:"WORKERS_FILES" default:"4"`
	FileQueue     int `env:"WORKERS_FILES_QUEUE" default:"16"`
	ExportWorkers int `env:"WORKERS_EXPORTS" default:"2"`
	ExportQueue   int `env:"WORKERS_EXPORTS_QUEUE" default:"8"`

	// Overflow is the policy when pool and queue are full: caller-runs or reject
	Overflow string `env:"WORKERS_OVERFLOW" default:"reject"`
}

// ProgressConfig holds progress tracking settings.
type ProgressConfig struct {
	// Retention is how long terminal snapshots stay queryable (default: 5m)
	Retention time.Duration `env:"PROGRESS_RETENTION" default:"5m"`

	// ReapInterval is how often expired snapshots are evicted (default: 30s)
	ReapInterval time.Duration `env:"PROGRESS_REAP_INTERVAL" default:"30s"`

	// StuckAfter marks PROCESSING operations without updates as stuck (default: 30m)
	StuckAfter time.Duration `env:"PROGRESS_STUCK_AFTER" default:"30m"`
}

// ExportConfig holds export artifact settings.
type ExportConfig struct {
	OutputDir string `env:"EXPORT_OUTPUT_DIR" default:"./data/exports"`
	Delimiter string `env:"EXPORT_CSV_DELIMITER" default:","`
	Quote     string `env:"EXPORT_CSV_QUOTE" default:"\""`
}

// RedisConfig enables cross-process progress fan-out when URL is set.
type RedisConfig struct {
	URL           string `env:"REDIS_URL" secret:"true"`
	ChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" default:"pricefeed:progress"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// SubmitPerMinute is job submissions per minute per IP (default: 10)
	SubmitPerMinute int `env:"RATE_LIMIT_SUBMIT" default:"10"`

	// Burst is the token bucket burst size (default: 5)
	Burst int `env:"RATE_LIMIT_BURST" default:"5"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// UniquenessConfig overrides natural keys of secondary entity types.
// Each value is a comma-separated list of field ids; the parent reference is always part of the key.
type UniquenessConfig struct {
	RegionKey     []string `env:"REGION_KEY_FIELDS" default:"region"`
	CompetitorKey []string `env:"COMPETITOR_KEY_FIELDS" default:"competitorName"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
