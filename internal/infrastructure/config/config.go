package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Tracewire Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Database     DatabaseConfig     `yaml:"database"`
	Hosts        HostsConfig        `yaml:"hosts"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	Ingest       IngestConfig       `yaml:"ingest"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
}

// WorkspaceConfig identifies the workspace and its on-disk layout.
type WorkspaceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// DataDir is the root for runtime artifacts: unix sockets, shared
	// memory segment files and the database live below it.
	DataDir string `yaml:"data_dir"`

	// PluginsDir is scanned for plugin manifests at startup.
	PluginsDir string `yaml:"plugins_dir"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HostsConfig contains plugin host supervision settings.
type HostsConfig struct {
	// Binary is the path to the tracewire-host executable.
	// Empty means "next to the core daemon's own binary".
	Binary string `yaml:"binary"`

	// CallTimeout bounds every control request to a host, in seconds.
	CallTimeout int `yaml:"call_timeout"`

	// RestartOnFailure enables automatic respawn if a host process dies.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the initial respawn delay; it doubles on
	// consecutive failures. Default: 1
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartDelaySeconds caps the doubling. Default: 30
	MaxRestartDelaySeconds int `yaml:"max_restart_delay_seconds"`

	// MaxRestartAttempts limits consecutive respawns. 0 means unlimited.
	// Default: 5
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// StableThresholdSeconds is how long a host must run before the
	// failure counter resets. Default: 30
	StableThresholdSeconds int `yaml:"stable_threshold_seconds"`
}

// SharedMemoryConfig contains frame transport segment settings.
type SharedMemoryConfig struct {
	// DefaultCapacity is the ring capacity granted to new sessions, in bytes.
	DefaultCapacity int `yaml:"default_capacity"`

	// MaxCapacity caps segment growth, in bytes.
	MaxCapacity int `yaml:"max_capacity"`

	// GrowthStep is how much a grown segment gains, in bytes.
	GrowthStep int `yaml:"growth_step"`

	// GrowthThreshold is the usage ratio that makes a segment a growth
	// candidate, for capabilities that support switching.
	GrowthThreshold float64 `yaml:"growth_threshold"`

	// HighWatermark and MediumWatermark are the usage ratios at which the
	// workspace signals backpressure to plugins.
	HighWatermark   float64 `yaml:"high_watermark"`
	MediumWatermark float64 `yaml:"medium_watermark"`
}

// IngestConfig contains frame drain loop settings.
type IngestConfig struct {
	// MaxFramesPerSession caps one session's contribution per drain round.
	MaxFramesPerSession int `yaml:"max_frames_per_session"`

	// FrameWindow is how many recent frames the store keeps per session.
	FrameWindow int `yaml:"frame_window"`
}

// MQTTConfig contains MQTT broker connection settings used by the
// mqtt-bridge plugin.
type MQTTConfig struct {
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings. Disabled by default;
// a desktop workspace rarely wants a time-series backend.
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
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// APIToken is the bearer token the UI presents on every HTTP request.
	APIToken string `yaml:"api_token"`

	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains WebSocket ticket signing settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// TicketTTL is how long an issued WebSocket ticket stays redeemable,
	// in seconds.
	TicketTTL int `yaml:"ticket_ttl"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TRACEWIRE_SECTION_KEY
// For example: TRACEWIRE_DATABASE_PATH, TRACEWIRE_API_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			ID:         "workspace-001",
			Name:       "Tracewire",
			DataDir:    "./data",
			PluginsDir: "./plugins",
		},
		Database: DatabaseConfig{
			Path:        "./data/tracewire.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Hosts: HostsConfig{
			CallTimeout:            5,
			RestartOnFailure:       true,
			RestartDelaySeconds:    1,
			MaxRestartDelaySeconds: 30,
			MaxRestartAttempts:     5,
			StableThresholdSeconds: 30,
		},
		SharedMemory: SharedMemoryConfig{
			DefaultCapacity: 64 * 1024,
			MaxCapacity:     1024 * 1024,
			GrowthStep:      64 * 1024,
			GrowthThreshold: 0.75,
			HighWatermark:   0.75,
			MediumWatermark: 0.50,
		},
		Ingest: IngestConfig{
			MaxFramesPerSession: 64,
			FrameWindow:         512,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tracewire-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			// Loopback only: the gateway serves the local UI, nothing else.
			Host: "127.0.0.1",
			Port: 8338,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TicketTTL: 30,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 100,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TRACEWIRE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Workspace
	if v := os.Getenv("TRACEWIRE_DATA_DIR"); v != "" {
		cfg.Workspace.DataDir = v
	}
	if v := os.Getenv("TRACEWIRE_PLUGINS_DIR"); v != "" {
		cfg.Workspace.PluginsDir = v
	}

	// Database
	if v := os.Getenv("TRACEWIRE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TRACEWIRE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TRACEWIRE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TRACEWIRE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TRACEWIRE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("TRACEWIRE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - always set these via environment in production
	if v := os.Getenv("TRACEWIRE_API_TOKEN"); v != "" {
		cfg.Security.APIToken = v
	}
	if v := os.Getenv("TRACEWIRE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Workspace validation
	if c.Workspace.ID == "" {
		errs = append(errs, "workspace.id is required")
	}
	if c.Workspace.DataDir == "" {
		errs = append(errs, "workspace.data_dir is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Shared memory validation
	if c.SharedMemory.DefaultCapacity <= 0 {
		errs = append(errs, "shared_memory.default_capacity must be positive")
	}
	if c.SharedMemory.MaxCapacity < c.SharedMemory.DefaultCapacity {
		errs = append(errs, "shared_memory.max_capacity must be at least default_capacity")
	}
	if c.SharedMemory.GrowthStep <= 0 {
		errs = append(errs, "shared_memory.growth_step must be positive")
	}
	if c.SharedMemory.HighWatermark <= 0 || c.SharedMemory.HighWatermark > 1 {
		errs = append(errs, "shared_memory.high_watermark must be in (0, 1]")
	}
	if c.SharedMemory.MediumWatermark <= 0 || c.SharedMemory.MediumWatermark >= c.SharedMemory.HighWatermark {
		errs = append(errs, "shared_memory.medium_watermark must be positive and below high_watermark")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - the gateway refuses to run unauthenticated.
	// The API fronts device sessions and plugin control; an open port,
	// even on loopback, would let any local process drive hardware.
	if c.Security.APIToken == "" {
		errs = append(errs, "security.api_token is required (set TRACEWIRE_API_TOKEN environment variable)")
	}
	const minSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set TRACEWIRE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetCallTimeout returns the host control-call timeout as a Duration.
func (c *Config) GetCallTimeout() time.Duration {
	return time.Duration(c.Hosts.CallTimeout) * time.Second
}

// GetRestartDelay returns the initial host respawn delay as a Duration.
func (c *Config) GetRestartDelay() time.Duration {
	return time.Duration(c.Hosts.RestartDelaySeconds) * time.Second
}

// GetMaxRestartDelay returns the respawn delay cap as a Duration.
func (c *Config) GetMaxRestartDelay() time.Duration {
	return time.Duration(c.Hosts.MaxRestartDelaySeconds) * time.Second
}

// GetStableThreshold returns the stability window as a Duration.
func (c *Config) GetStableThreshold() time.Duration {
	return time.Duration(c.Hosts.StableThresholdSeconds) * time.Second
}

// GetTicketTTL returns the WebSocket ticket lifetime as a Duration.
func (c *Config) GetTicketTTL() time.Duration {
	return time.Duration(c.Security.JWT.TicketTTL) * time.Second
}
