// Package config provides configuration loading and management for the git server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyflake/git-server/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variables read through viper
	EnvPrefix = "GIT_SERVER"

	// DefaultAddress is the listen address used when none is configured
	DefaultAddress = ":9001"

	// DefaultGitBinary is the executable used to run upload-pack and receive-pack
	DefaultGitBinary = "git"

	// DefaultRealm is the Basic authentication realm sent in challenges
	DefaultRealm = "Git Repository"

	// DefaultMaxPushBytes caps the buffered receive-pack request body (1 GiB)
	DefaultMaxPushBytes int64 = 1024 * 1024 * 1024

	// DefaultTerminateGrace is how long a terminated subprocess may take to exit before it is killed
	DefaultTerminateGrace = 5 * time.Second

	// DefaultMaxEntries is the retention of the file operation log
	DefaultMaxEntries = 1000

	// DefaultQueueSize is the buffer of the asynchronous operation recorder
	DefaultQueueSize = 256

	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultRequestTimeout    = 10 * time.Second
)

// Operation log backends
const (
	OperationLogBackendFile       = "file"
	OperationLogBackendSQLite     = "sqlite"
	OperationLogBackendMySQL      = "mysql"
	OperationLogBackendPostgreSQL = "postgresql"
	OperationLogBackendNone       = "none"
)

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
	Server       *ServerConfig       `yaml:"server,omitempty"`
	Git          *GitConfig          `yaml:"git,omitempty"`
	Repositories *RepositoriesConfig `yaml:"repositories"`
	Auth         *AuthConfig         `yaml:"auth"`
	OperationLog *OperationLogConfig `yaml:"operationLog,omitempty"`
	Telemetry    *telemetry.Config   `yaml:"telemetry,omitempty"`
}

// ServerConfig defines HTTP listener settings
type ServerConfig struct {
	// Address is the host:port to listen on
	Address string `yaml:"address,omitempty"`

	// ReadHeaderTimeout bounds how long reading request headers may take (e.g., "10s")
	ReadHeaderTimeout string `yaml:"readHeaderTimeout,omitempty"`

	// IdleTimeout is the keep-alive idle timeout
	IdleTimeout string `yaml:"idleTimeout,omitempty"`

	// RequestTimeout applies to the non-git routes only. Git transfers are never cut off by it.
	RequestTimeout string `yaml:"requestTimeout,omitempty"`
}

// GitConfig defines how the git subprocesses are run
type GitConfig struct {
	// Binary is the git executable, looked up in PATH when not absolute
	Binary string `yaml:"binary,omitempty"`

	// MaxPushBytes caps the size of a buffered receive-pack request body
	MaxPushBytes int64 `yaml:"maxPushBytes,omitempty"`

	// MaxProcessDuration optionally bounds the lifetime of a subprocess.
	// Empty or "0" means no limit.
	MaxProcessDuration string `yaml:"maxProcessDuration,omitempty"`

	// TerminateGrace is the delay between SIGTERM and SIGKILL
	TerminateGrace string `yaml:"terminateGrace,omitempty"`

	// Realm is sent in the WWW-Authenticate challenge
	Realm string `yaml:"realm,omitempty"`

	// EnableDebug exposes GET /{repo}/debug
	EnableDebug bool `yaml:"enableDebug,omitempty"`
}

// RepositoriesConfig points at the repository name to path mapping
type RepositoriesConfig struct {
	// ConfigFile is a JSON file of the form {"repoList":[{"repoName":..., "repoPath":...}]}
	ConfigFile string `yaml:"configFile"`
}

// AuthConfig defines the credential store
type AuthConfig struct {
	// UsersFile is a JSON file of the form {"users":[{"username":..., "password":<hash>}]}
	UsersFile string `yaml:"usersFile"`

	// Watch reloads the users file when it changes on disk
	Watch bool `yaml:"watch,omitempty"`
}

// OperationLogConfig defines where git operation records are persisted
type OperationLogConfig struct {
	// Backend is one of file, sqlite, mysql, postgresql or none
	Backend string `yaml:"backend,omitempty"`

	// Path is the JSON file (file backend) or database file (sqlite backend)
	Path string `yaml:"path,omitempty"`

	// MaxEntries is the number of records kept by the file backend
	MaxEntries int `yaml:"maxEntries,omitempty"`

	// QueueSize is the number of records buffered before new ones are dropped
	QueueSize int `yaml:"queueSize,omitempty"`

	// Database holds connection settings for the mysql and postgresql backends
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from GIT_SERVER_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

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

	var errs []error

	if c.Repositories == nil || c.Repositories.ConfigFile == "" {
		errs = append(errs, errors.New("repositories.configFile is required"))
	}

	if c.Auth == nil || c.Auth.UsersFile == "" {
		errs = append(errs, errors.New("auth.usersFile is required"))
	}

	if c.Server != nil {
		errs = append(errs,
			validateDuration("server.readHeaderTimeout", c.Server.ReadHeaderTimeout),
			validateDuration("server.idleTimeout", c.Server.IdleTimeout),
			validateDuration("server.requestTimeout", c.Server.RequestTimeout),
		)
	}

	if c.Git != nil {
		if c.Git.MaxPushBytes < 0 {
			errs = append(errs, errors.New("git.maxPushBytes cannot be negative"))
		}
		errs = append(errs,
			validateDuration("git.maxProcessDuration", c.Git.MaxProcessDuration),
			validateDuration("git.terminateGrace", c.Git.TerminateGrace),
		)
	}

	if c.OperationLog != nil {
		errs = append(errs, c.OperationLog.validate())
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

// validate checks the operation log backend settings
func (o *OperationLogConfig) validate() error {
	if o.MaxEntries < 0 {
		return errors.New("operationLog.maxEntries cannot be negative")
	}
	if o.QueueSize < 0 {
		return errors.New("operationLog.queueSize cannot be negative")
	}

	switch o.GetBackend() {
	case OperationLogBackendFile, OperationLogBackendSQLite:
		if o.Path == "" {
			return fmt.Errorf("operationLog.path is required for the %s backend", o.GetBackend())
		}
	case OperationLogBackendMySQL, OperationLogBackendPostgreSQL:
		if o.Database == nil {
			return fmt.Errorf("operationLog.database is required for the %s backend", o.GetBackend())
		}
		if o.Database.Host == "" || o.Database.Database == "" || o.Database.User == "" {
			return errors.New("operationLog.database requires host, user and database")
		}
		return validateDuration("operationLog.database.connMaxLifetime", o.Database.ConnMaxLifetime)
	case OperationLogBackendNone:
	default:
		return fmt.Errorf("unsupported operationLog.backend: %s", o.Backend)
	}
	return nil
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s cannot be negative", field)
	}
	return nil
}

// parseDuration returns the parsed value or def when unset. Values were checked by validate.
func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetAddress returns the listen address, using DefaultAddress if not specified
func (s *ServerConfig) GetAddress() string {
	if s == nil || s.Address == "" {
		return DefaultAddress
	}
	return s.Address
}

// GetReadHeaderTimeout returns the header read timeout
func (s *ServerConfig) GetReadHeaderTimeout() time.Duration {
	if s == nil {
		return defaultReadHeaderTimeout
	}
	return parseDuration(s.ReadHeaderTimeout, defaultReadHeaderTimeout)
}

// GetIdleTimeout returns the keep-alive idle timeout
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	if s == nil {
		return defaultIdleTimeout
	}
	return parseDuration(s.IdleTimeout, defaultIdleTimeout)
}

// GetRequestTimeout returns the timeout applied to non-git routes
func (s *ServerConfig) GetRequestTimeout() time.Duration {
	if s == nil {
		return defaultRequestTimeout
	}
	return parseDuration(s.RequestTimeout, defaultRequestTimeout)
}

// GetBinary returns the git executable
func (g *GitConfig) GetBinary() string {
	if g == nil || g.Binary == "" {
		return DefaultGitBinary
	}
	return g.Binary
}

// GetMaxPushBytes returns the receive-pack body limit
func (g *GitConfig) GetMaxPushBytes() int64 {
	if g == nil || g.MaxPushBytes == 0 {
		return DefaultMaxPushBytes
	}
	return g.MaxPushBytes
}

// GetMaxProcessDuration returns the subprocess lifetime bound, 0 meaning unlimited
func (g *GitConfig) GetMaxProcessDuration() time.Duration {
	if g == nil {
		return 0
	}
	return parseDuration(g.MaxProcessDuration, 0)
}

// GetTerminateGrace returns the delay between SIGTERM and SIGKILL
func (g *GitConfig) GetTerminateGrace() time.Duration {
	if g == nil {
		return DefaultTerminateGrace
	}
	return parseDuration(g.TerminateGrace, DefaultTerminateGrace)
}

// GetRealm returns the Basic authentication realm
func (g *GitConfig) GetRealm() string {
	if g == nil || g.Realm == "" {
		return DefaultRealm
	}
	return g.Realm
}

// GetBackend returns the operation log backend, defaulting to file
func (o *OperationLogConfig) GetBackend() string {
	if o == nil || o.Backend == "" {
		return OperationLogBackendFile
	}
	return o.Backend
}

// GetMaxEntries returns the file backend retention
func (o *OperationLogConfig) GetMaxEntries() int {
	if o == nil || o.MaxEntries == 0 {
		return DefaultMaxEntries
	}
	return o.MaxEntries
}

// GetQueueSize returns the asynchronous recorder buffer size
func (o *OperationLogConfig) GetQueueSize() int {
	if o == nil || o.QueueSize == 0 {
		return DefaultQueueSize
	}
	return o.QueueSize
}
