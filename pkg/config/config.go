// Package config provides configuration management for errorhub.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
)

// Federation roles
const (
	RoleNone    = "none"
	RoleBackend = "backend"
	RoleRelay   = "relay"
)

// Config holds all errorhub configuration
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Backlog configuration
	Backlog BacklogConfig `toml:"backlog"`

	// Membership store configuration
	Domain DomainConfig `toml:"domain"`

	// Federation configuration
	Federation FederationConfig `toml:"federation"`

	// Viewer hub configuration
	Hub HubConfig `toml:"hub"`

	// Health monitor configuration
	Health HealthConfig `toml:"health"`

	// Scheduled jobs configuration
	Jobs JobsConfig `toml:"jobs"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Addr is the listen address of the HTTP surface
	Addr string `toml:"addr" env:"ERRORHUB_ADDR"`

	// InstanceID identifies this instance on the federation bus (generated when empty)
	InstanceID string `toml:"instance_id" env:"ERRORHUB_INSTANCE_ID"`

	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`

	// SubmitRate is the sustained submissions per second allowed per source (0 = unlimited)
	SubmitRate  float64 `toml:"submit_rate" env:"ERRORHUB_SUBMIT_RATE"`
	SubmitBurst int     `toml:"submit_burst"`

	// AdminEnabled exposes the membership admin routes
	AdminEnabled bool `toml:"admin_enabled" env:"ERRORHUB_ADMIN_ENABLED"`

	// TLS serves HTTPS. A self-signed certificate is generated in CertDir
	// when CertFile and KeyFile do not exist.
	TLS      bool   `toml:"tls" env:"ERRORHUB_TLS"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CertDir  string `toml:"cert_dir"`
	Hostname string `toml:"hostname"`
}

// BacklogConfig selects the error backlog implementation
type BacklogConfig struct {
	// Driver is one of memory, sqlite, sqlite3, postgres
	Driver string `toml:"driver" env:"ERRORHUB_BACKLOG_DRIVER"`

	// DSN is the database path or connection string
	DSN string `toml:"dsn" env:"ERRORHUB_BACKLOG_DSN"`

	MaxOpenConns int `toml:"max_open_conns"`
}

// DomainConfig selects the membership store implementation
type DomainConfig struct {
	// Store is one of memory, badger
	Store string `toml:"store" env:"ERRORHUB_DOMAIN_STORE"`

	// Path is the badger directory
	Path string `toml:"path" env:"ERRORHUB_DOMAIN_PATH"`
}

// FederationConfig holds bus settings
type FederationConfig struct {
	// Role is one of none, backend, relay
	Role string `toml:"role" env:"ERRORHUB_FEDERATION_ROLE"`

	// Endpoint is the backend bus URL dialed by relays
	Endpoint string `toml:"endpoint" env:"ERRORHUB_FEDERATION_ENDPOINT"`

	// Discover resolves the endpoint through mDNS when Endpoint is empty
	Discover bool `toml:"discover" env:"ERRORHUB_FEDERATION_DISCOVER"`

	// Advertise announces a backend through mDNS
	Advertise bool `toml:"advertise"`

	ServiceName string `toml:"service_name"`
	BusPath     string `toml:"bus_path"`

	// Codec is json or msgpack
	Codec string `toml:"codec" env:"ERRORHUB_FEDERATION_CODEC"`

	// OutboxPath is the sqlite file used to persist outbound messages
	OutboxPath string `toml:"outbox_path" env:"ERRORHUB_OUTBOX_PATH"`

	MaxAttempts     int    `toml:"max_attempts"`
	InitialInterval string `toml:"initial_interval"`
	MaxInterval     string `toml:"max_interval"`
}

// HubConfig holds viewer websocket settings
type HubConfig struct {
	SendBuffer   int    `toml:"send_buffer"`
	WriteTimeout string `toml:"write_timeout"`
	PingInterval string `toml:"ping_interval"`

	// Queries lists the pipelines started per viewer (recaps, errors)
	Queries []string `toml:"queries"`

	// AllowedOrigins restricts websocket origins (empty = any)
	AllowedOrigins []string `toml:"allowed_origins"`
}

// HealthConfig holds health monitor settings
type HealthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Timeout  string `toml:"timeout"`
}

// JobsConfig holds cron schedules; empty disables a job
type JobsConfig struct {
	StatsSchedule  string `toml:"stats_schedule"`
	OutboxSchedule string `toml:"outbox_schedule"`

	// AckedRetention is how long delivered outbox frames are kept
	AckedRetention string `toml:"acked_retention"`

	// RetryDeadLetters requeues dead-lettered outbox frames on every outbox run
	RetryDeadLetters bool `toml:"retry_dead_letters"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" env:"ERRORHUB_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"ERRORHUB_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, file)
	Output string `toml:"output" env:"ERRORHUB_LOG_OUTPUT"`

	// File is the log file path (when output is "file")
	File string `toml:"file" env:"ERRORHUB_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Server: ServerConfig{
			Addr:            "0.0.0.0:8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "15s",
			ShutdownTimeout: "10s",
			SubmitRate:      50,
			SubmitBurst:     100,
			AdminEnabled:    true,
			CertDir:         filepath.Join(dataDir, "certs"),
			Hostname:        "errorhub.local",
		},
		Backlog: BacklogConfig{
			Driver:       "sqlite",
			DSN:          filepath.Join(dataDir, "backlog.db"),
			MaxOpenConns: 4,
		},
		Domain: DomainConfig{
			Store: "badger",
			Path:  filepath.Join(dataDir, "domain"),
		},
		Federation: FederationConfig{
			Role:            RoleNone,
			ServiceName:     "_errorhub._tcp",
			BusPath:         "/bus",
			Codec:           "json",
			OutboxPath:      filepath.Join(dataDir, "outbox.db"),
			MaxAttempts:     10,
			InitialInterval: "500ms",
			MaxInterval:     "30s",
		},
		Hub: HubConfig{
			SendBuffer:   256,
			WriteTimeout: "10s",
			PingInterval: "30s",
			Queries:      []string{"recaps", "errors"},
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: "30s",
			Timeout:  "5s",
		},
		Jobs: JobsConfig{
			StatsSchedule:  "@every 1m",
			OutboxSchedule: "@every 5m",
			AckedRetention: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// DefaultDataDir returns the directory holding local databases
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "errorhub")
	}
	return filepath.Join(homeDir, ".errorhub")
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".errorhub", "config.toml"),
		filepath.Join("/etc", "errorhub", "config.toml"),
		"./config.toml",
	}
}

func invalid(field, format string, args ...any) error {
	return herrors.ErrInvalidConfig(field, fmt.Sprintf(format, args...))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return invalid("server.addr", "is required")
	}
	if c.Server.SubmitRate < 0 {
		return invalid("server.submit_rate", "cannot be negative")
	}
	if c.Server.SubmitRate > 0 && c.Server.SubmitBurst < 1 {
		return invalid("server.submit_burst", "must be at least 1 when submit_rate is set")
	}
	if c.Server.TLS && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return invalid("server.cert_file", "cert_file and key_file must be set together")
	}
	if c.Server.TLS && c.Server.CertFile == "" && c.Server.CertDir == "" {
		return invalid("server.cert_dir", "is required to generate a certificate")
	}

	switch c.Backlog.Driver {
	case "memory":
	case "sqlite", "sqlite3", "postgres":
		if c.Backlog.DSN == "" {
			return invalid("backlog.dsn", "is required for driver %s", c.Backlog.Driver)
		}
	default:
		return invalid("backlog.driver", "must be one of: memory, sqlite, sqlite3, postgres")
	}

	switch c.Domain.Store {
	case "memory":
	case "badger":
		if c.Domain.Path == "" {
			return invalid("domain.path", "is required for the badger store")
		}
	default:
		return invalid("domain.store", "must be one of: memory, badger")
	}

	switch c.Federation.Role {
	case RoleNone, RoleBackend:
	case RoleRelay:
		if c.Federation.Endpoint == "" && !c.Federation.Discover {
			return invalid("federation.endpoint", "is required for relays unless discover is enabled")
		}
		if c.Federation.OutboxPath == "" {
			return invalid("federation.outbox_path", "is required for relays")
		}
	default:
		return invalid("federation.role", "must be one of: none, backend, relay")
	}
	if c.Federation.Codec != "json" && c.Federation.Codec != "msgpack" {
		return invalid("federation.codec", "must be one of: json, msgpack")
	}
	if c.Federation.Role != RoleNone && c.Federation.BusPath == "" {
		return invalid("federation.bus_path", "is required when federation is enabled")
	}
	if c.Federation.MaxAttempts < 1 {
		return invalid("federation.max_attempts", "must be at least 1")
	}

	if c.Hub.SendBuffer < 1 {
		return invalid("hub.send_buffer", "must be at least 1")
	}
	for _, q := range c.Hub.Queries {
		if q != "recaps" && q != "errors" {
			return invalid("hub.queries", "unknown query %q", q)
		}
	}

	for field, value := range map[string]string{
		"server.read_timeout":         c.Server.ReadTimeout,
		"server.write_timeout":        c.Server.WriteTimeout,
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"federation.initial_interval": c.Federation.InitialInterval,
		"federation.max_interval":     c.Federation.MaxInterval,
		"hub.write_timeout":           c.Hub.WriteTimeout,
		"hub.ping_interval":           c.Hub.PingInterval,
		"health.interval":             c.Health.Interval,
		"health.timeout":              c.Health.Timeout,
		"jobs.acked_retention":        c.Jobs.AckedRetention,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return invalid(field, "invalid duration %q", value)
		}
	}

	for field, schedule := range map[string]string{
		"jobs.stats_schedule":  c.Jobs.StatsSchedule,
		"jobs.outbox_schedule": c.Jobs.OutboxSchedule,
	} {
		if schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return invalid(field, "invalid schedule %q: %v", schedule, err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return invalid("logging.level", "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return invalid("logging.format", "must be one of: json, text")
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return invalid("logging.output", "must be one of: stdout, stderr, file")
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return invalid("logging.file", "is required when logging.output is 'file'")
	}

	return nil
}

// Duration parses value, returning fallback when it is empty or malformed
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LogDestination returns the logger output target
func (c *Config) LogDestination() string {
	if c.Logging.Output == "file" {
		return c.Logging.File
	}
	return c.Logging.Output
}
