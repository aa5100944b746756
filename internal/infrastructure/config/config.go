package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minJWTSecretLength is the shortest accepted HMAC secret.
const minJWTSecretLength = 32

// Config is the root configuration structure for shellpipe.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Shell    ShellConfig    `yaml:"shell"`
	Database DatabaseConfig `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ShellConfig describes the SQL shell process to drive.
type ShellConfig struct {
	// Binary is the shell executable, looked up on PATH when not absolute.
	Binary string `yaml:"binary"`

	// Database is the database file handed to the shell. Empty means an
	// in-memory database.
	Database string `yaml:"database"`

	// Args are extra arguments placed before Database.
	Args []string `yaml:"args"`

	// Env are extra environment variables (KEY=value) for the shell.
	Env []string `yaml:"env"`

	// WorkDir is the shell's working directory.
	WorkDir string `yaml:"work_dir"`

	// RequestTimeout bounds how long one statement may run. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// OrphanTimeout bounds the wait for output of a statement whose caller
	// gave up. Zero means RequestTimeout.
	OrphanTimeout time.Duration `yaml:"orphan_timeout"`

	// GracefulTimeout is how long shutdown waits before killing the shell.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// MaxBufferBytes caps the output kept per statement.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	// MaxLineBytes caps a single line read from the shell.
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// DatabaseConfig contains settings for the journal's SQLite database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls statement journaling.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// QueueSize is how many completions may wait for the journal worker
	// before new ones are dropped.
	QueueSize int `yaml:"queue_size"`

	// StatementMaxBytes truncates statements stored in the journal.
	StatementMaxBytes int `yaml:"statement_max_bytes"`

	// PublishEvents publishes every completion over MQTT.
	PublishEvents bool `yaml:"publish_events"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	MaxBodyBytes int64            `yaml:"max_body_bytes"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
	CORS         CORSConfig       `yaml:"cors"`
	WebSocket    WebSocketConfig  `yaml:"websocket"`
	Auth         AuthConfig       `yaml:"auth"`
}

// WebSocketConfig contains settings for the live statement feed.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"` // seconds
	PongTimeout    int `yaml:"pong_timeout"`  // seconds
}

// AuthConfig controls bearer-token authentication of the API. An empty
// JWTSecret disables authentication.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHELLPIPE_SECTION_KEY
// For example: SHELLPIPE_SHELL_BINARY, SHELLPIPE_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults (plus
// environment overrides) when path is empty or the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(defaultConfig())
}

// Default returns the default configuration without environment overrides.
func Default() *Config {
	return defaultConfig()
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Shell: ShellConfig{
			Binary:          "sqlite3",
			RequestTimeout:  30 * time.Second,
			GracefulTimeout: 5 * time.Second,
			MaxBufferBytes:  16 << 20,
			MaxLineBytes:    16 << 20,
		},
		Database: DatabaseConfig{
			Path:        "./data/shellpipe-journal.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:           false,
			QueueSize:         1024,
			StatementMaxBytes: 4096,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "shellpipe",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         8484,
			MaxBodyBytes: 1 << 20,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
			Auth: AuthConfig{
				TokenTTL: 24 * time.Hour,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	// Shell
	if v := os.Getenv("SHELLPIPE_SHELL_BINARY"); v != "" {
		cfg.Shell.Binary = v
	}
	if v := os.Getenv("SHELLPIPE_SHELL_DATABASE"); v != "" {
		cfg.Shell.Database = v
	}
	if v := os.Getenv("SHELLPIPE_SHELL_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHELLPIPE_SHELL_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Shell.RequestTimeout = d
	}

	// Journal database
	if v := os.Getenv("SHELLPIPE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SHELLPIPE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SHELLPIPE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SHELLPIPE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("SHELLPIPE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SHELLPIPE_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHELLPIPE_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	if v := os.Getenv("SHELLPIPE_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("SHELLPIPE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("SHELLPIPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Shell validation
	if c.Shell.Binary == "" {
		errs = append(errs, "shell.binary is required")
	}
	if c.Shell.RequestTimeout < 0 {
		errs = append(errs, "shell.request_timeout must not be negative")
	}
	if c.Shell.OrphanTimeout < 0 {
		errs = append(errs, "shell.orphan_timeout must not be negative")
	}
	if c.Shell.GracefulTimeout < 0 {
		errs = append(errs, "shell.graceful_timeout must not be negative")
	}
	if c.Shell.MaxBufferBytes < 0 || c.Shell.MaxLineBytes < 0 {
		errs = append(errs, "shell buffer limits must not be negative")
	}

	// Journal validation
	if c.Journal.Enabled {
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required when journal is enabled")
		}
		if c.Journal.QueueSize < 1 {
			errs = append(errs, "journal.queue_size must be at least 1")
		}
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required when mqtt is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.JWTSecret != "" && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength))
	}
	if c.API.WebSocket.PingInterval < 1 || c.API.WebSocket.PongTimeout < 1 {
		errs = append(errs, "api.websocket ping_interval and pong_timeout must be positive")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	// Logging validation
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
