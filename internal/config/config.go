// Package config provides configuration loading and management for the ingest daemon.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is unset.
const (
	defaultPageSize        = 100
	defaultRequestTimeout  = 30 * time.Second
	defaultDownloadTimeout = 10 * time.Minute
	defaultInterval        = 6 * time.Hour
	defaultJitter          = 2 * time.Minute
	defaultPageRetries     = 5
	defaultSyncWorkers     = 8
	defaultAcquireWorkers  = 4
	defaultFetchRetries    = 3
	defaultMaxAttempts     = 5
	defaultClaimTimeout    = 30 * time.Minute
	defaultReviewWorkers   = 4
	defaultServerAddress   = ":8080"
	defaultKeyPrefix       = "archives"
)

// passwordEnvVar is the environment variable consulted when no password file
// is configured.
const passwordEnvVar = "VSCAVATOR_DATABASE_PASSWORD"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Database    *DatabaseConfig   `yaml:"database"`
	Blob        BlobConfig        `yaml:"blob"`
	Scheduler   SchedulerConfig   `yaml:"scheduler,omitempty"`
	Sync        SyncConfig        `yaml:"sync,omitempty"`
	Acquisition AcquisitionConfig `yaml:"acquisition,omitempty"`
	Reviews     ReviewsConfig     `yaml:"reviews,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
}

// MarketplaceConfig defines the marketplace gallery API settings
type MarketplaceConfig struct {
	// Endpoint is the base gallery API URL. Empty means the public
	// Visual Studio Marketplace endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// PageSize is the number of catalog items requested per listing page
	PageSize int `yaml:"pageSize,omitempty"`

	// RequestTimeout bounds each listing and detail call (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// DownloadTimeout bounds the total transfer time of a single archive
	// download, guarding against stalled connections
	DownloadTimeout string `yaml:"downloadTimeout,omitempty"`

	// UserAgent overrides the User-Agent header sent to the gallery
	UserAgent string `yaml:"userAgent,omitempty"`
}

// GetPageSize returns the configured page size or the default
func (m *MarketplaceConfig) GetPageSize() int {
	if m.PageSize <= 0 {
		return defaultPageSize
	}
	return m.PageSize
}

// GetRequestTimeout returns the parsed request timeout or the default
func (m *MarketplaceConfig) GetRequestTimeout() time.Duration {
	return parseDurationOr(m.RequestTimeout, defaultRequestTimeout)
}

// GetDownloadTimeout returns the parsed download timeout or the default
func (m *MarketplaceConfig) GetDownloadTimeout() time.Duration {
	return parseDurationOr(m.DownloadTimeout, defaultDownloadTimeout)
}

// BlobConfig defines the archive blob store settings
type BlobConfig struct {
	// Bucket is the S3 bucket receiving archive blobs
	Bucket string `yaml:"bucket"`

	// Region is the AWS region of the bucket
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores
	Endpoint string `yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to every object key
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
}

// GetKeyPrefix returns the configured key prefix or the default
func (b *BlobConfig) GetKeyPrefix() string {
	if b.KeyPrefix == "" {
		return defaultKeyPrefix
	}
	return strings.TrimSuffix(b.KeyPrefix, "/")
}

// SchedulerConfig defines the run scheduling settings
type SchedulerConfig struct {
	// Interval is the time between scheduled ingestion runs (e.g. "6h")
	Interval string `yaml:"interval,omitempty"`

	// Jitter is the maximum random offset applied to the interval
	Jitter string `yaml:"jitter,omitempty"`
}

// GetInterval returns the parsed run interval or the default
func (s *SchedulerConfig) GetInterval() time.Duration {
	return parseDurationOr(s.Interval, defaultInterval)
}

// GetJitter returns the parsed jitter or the default
func (s *SchedulerConfig) GetJitter() time.Duration {
	return parseDurationOr(s.Jitter, defaultJitter)
}

// SyncConfig defines metadata and release synchronization settings
type SyncConfig struct {
	// PageRetries is the retry budget for a single catalog page before the
	// metadata phase aborts
	PageRetries int `yaml:"pageRetries,omitempty"`

	// Workers is the release tracker worker pool size
	Workers int `yaml:"workers,omitempty"`
}

// GetPageRetries returns the configured page retry budget or the default
func (s *SyncConfig) GetPageRetries() int {
	if s.PageRetries <= 0 {
		return defaultPageRetries
	}
	return s.PageRetries
}

// GetWorkers returns the configured worker count or the default
func (s *SyncConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return defaultSyncWorkers
	}
	return s.Workers
}

// AcquisitionConfig defines archive acquisition settings
type AcquisitionConfig struct {
	// Workers is the downloader pool size
	Workers int `yaml:"workers,omitempty"`

	// FetchRetries is the per-release retry budget within a single run
	FetchRetries int `yaml:"fetchRetries,omitempty"`

	// MaxAttempts is the cumulative attempt ceiling across runs after which
	// a release is permanently failed
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// ClaimTimeout is the staleness window after which an in_progress claim
	// is considered abandoned and reverts to pending
	ClaimTimeout string `yaml:"claimTimeout,omitempty"`
}

// GetWorkers returns the configured worker count or the default
func (a *AcquisitionConfig) GetWorkers() int {
	if a.Workers <= 0 {
		return defaultAcquireWorkers
	}
	return a.Workers
}

// GetFetchRetries returns the per-run retry budget or the default
func (a *AcquisitionConfig) GetFetchRetries() int {
	if a.FetchRetries <= 0 {
		return defaultFetchRetries
	}
	return a.FetchRetries
}

// GetMaxAttempts returns the cumulative attempt ceiling or the default
func (a *AcquisitionConfig) GetMaxAttempts() int {
	if a.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return a.MaxAttempts
}

// GetClaimTimeout returns the parsed claim staleness window or the default
func (a *AcquisitionConfig) GetClaimTimeout() time.Duration {
	return parseDurationOr(a.ClaimTimeout, defaultClaimTimeout)
}

// ReviewsConfig defines optional review ingestion settings
type ReviewsConfig struct {
	// Enabled turns the review ingestion phase on
	Enabled bool `yaml:"enabled,omitempty"`

	// Workers is the review fetcher pool size
	Workers int `yaml:"workers,omitempty"`
}

// GetWorkers returns the configured worker count or the default
func (r *ReviewsConfig) GetWorkers() int {
	if r.Workers <= 0 {
		return defaultReviewWorkers
	}
	return r.Workers
}

// ServerConfig defines the operator HTTP listener settings
type ServerConfig struct {
	// Address is the listen address for health, status, and metrics
	Address string `yaml:"address,omitempty"`
}

// GetAddress returns the configured listen address or the default
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return defaultServerAddress
	}
	return s.Address
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections kept in the pool
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the VSCAVATOR_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv(passwordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", passwordEnvVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return parseConfig(data)
}

// parseConfig parses and validates raw YAML configuration bytes
func parseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}

	if c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required")
	}

	// Every configured duration must parse; defaults cover the empty case
	durations := map[string]string{
		"marketplace.requestTimeout":  c.Marketplace.RequestTimeout,
		"marketplace.downloadTimeout": c.Marketplace.DownloadTimeout,
		"scheduler.interval":          c.Scheduler.Interval,
		"scheduler.jitter":            c.Scheduler.Jitter,
		"acquisition.claimTimeout":    c.Acquisition.ClaimTimeout,
		"database.connMaxLifetime":    c.Database.ConnMaxLifetime,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g. '30m', '1h'): %w", field, err)
		}
	}

	if c.Marketplace.Endpoint != "" {
		u, err := url.Parse(c.Marketplace.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("marketplace.endpoint must be a valid URL, got %q", c.Marketplace.Endpoint)
		}
	}

	return nil
}

// parseDurationOr parses the value, returning fallback when the value is empty
// or invalid. Validation rejects invalid values at load time, so the fallback
// path here only covers zero-value structs.
func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
