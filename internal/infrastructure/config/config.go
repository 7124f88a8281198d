package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when ZWAVERELAY_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Relay        RelayConfig      `yaml:"relay"`
	Database     DatabaseConfig   `yaml:"database"`
	API          APIConfig        `yaml:"api"`
	WebSocket    WebSocketConfig  `yaml:"websocket"`
	ZWave        ZWaveConfig      `yaml:"zwave"`
	DeviceConfig DeviceFileConfig `yaml:"device_config"`
	MQTT         MQTTConfig       `yaml:"mqtt"`
	InfluxDB     InfluxDBConfig   `yaml:"influxdb"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	Discovery    DiscoveryConfig  `yaml:"discovery"`
	Logging      LoggingConfig    `yaml:"logging"`
}

// RelayConfig identifies this relay instance.
type RelayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP server settings.
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

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// AllowedOrigins also gates the socket upgrade's Origin check.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains client socket settings.
type WebSocketConfig struct {
	Path           string          `yaml:"path"`
	MaxMessageSize int             `yaml:"max_message_size"`
	PingInterval   int             `yaml:"ping_interval"`
	PongTimeout    int             `yaml:"pong_timeout"`
	SendBuffer     int             `yaml:"send_buffer"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// ZWaveConfig contains upstream driver settings.
type ZWaveConfig struct {
	// ServerURL is the zwave-js-server socket used when START has no port.
	ServerURL string `yaml:"server_url"`

	// AutoStart starts the driver at boot with ServerURL.
	AutoStart bool `yaml:"auto_start"`

	// ReadyTimeout bounds Start and the wait-for-ready helper (seconds).
	// Default: 30
	ReadyTimeout int `yaml:"ready_timeout"`

	// CommandTimeout bounds every upstream request (seconds).
	// Default: 30
	CommandTimeout int `yaml:"command_timeout"`

	// SchemaVersion is the server API schema to pin.
	SchemaVersion int `yaml:"schema_version"`

	// DefaultNodeID is used by SEND_COMMAND when nodeId is omitted.
	DefaultNodeID int `yaml:"default_node_id"`

	// ManufacturerID is used by SEND_COMMAND when manufacturerId is omitted.
	ManufacturerID int `yaml:"manufacturer_id"`
}

// DeviceFileConfig describes the device-metadata file written at startup.
type DeviceFileConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Path           string           `yaml:"path"`
	Manufacturer   string           `yaml:"manufacturer"`
	ManufacturerID int              `yaml:"manufacturer_id"`
	Label          string           `yaml:"label"`
	Description    string           `yaml:"description"`
	Devices        []DeviceIDConfig `yaml:"devices"`
	FirmwareMin    string           `yaml:"firmware_min"`
	FirmwareMax    string           `yaml:"firmware_max"`
}

// DeviceIDConfig is one product type/id pair.
type DeviceIDConfig struct {
	ProductType int `yaml:"product_type"`
	ProductID   int `yaml:"product_id"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating file output settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Path returns the configuration file location from ZWAVERELAY_CONFIG,
// falling back to DefaultPath.
func Path() string {
	if v := os.Getenv("ZWAVERELAY_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ZWAVERELAY_SECTION_KEY
// For example: ZWAVERELAY_DATABASE_PATH, ZWAVERELAY_ZWAVE_SERVER_URL
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ID:   "zwaverelay-001",
			Name: "Z-Wave Relay",
		},
		Database: DatabaseConfig{
			Path:        "./data/zwaverelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     64,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				MessagesPerSecond: 20,
				Burst:             40,
			},
		},
		ZWave: ZWaveConfig{
			ServerURL:      "ws://localhost:3000",
			ReadyTimeout:   30,
			CommandTimeout: 30,
			SchemaVersion:  35,
			DefaultNodeID:  2,
		},
		DeviceConfig: DeviceFileConfig{
			Path:        "./data/device-config.json",
			FirmwareMin: "0.0",
			FirmwareMax: "255.255",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "zwaverelay",
			},
			QoS:         1,
			TopicPrefix: "zwaverelay",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Discovery: DiscoveryConfig{
			Instance: "Z-Wave Relay",
			Service:  "_zwave-relay._tcp",
			Domain:   "local.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/zwaverelay.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ZWAVERELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 0, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = int(n)
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	// Database
	str("ZWAVERELAY_DATABASE_PATH", &cfg.Database.Path)

	// API
	str("ZWAVERELAY_API_HOST", &cfg.API.Host)
	num("ZWAVERELAY_API_PORT", &cfg.API.Port)

	// Z-Wave
	str("ZWAVERELAY_ZWAVE_SERVER_URL", &cfg.ZWave.ServerURL)
	flag("ZWAVERELAY_ZWAVE_AUTO_START", &cfg.ZWave.AutoStart)
	num("ZWAVERELAY_ZWAVE_DEFAULT_NODE_ID", &cfg.ZWave.DefaultNodeID)
	num("ZWAVERELAY_ZWAVE_MANUFACTURER_ID", &cfg.ZWave.ManufacturerID)

	// MQTT
	flag("ZWAVERELAY_MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("ZWAVERELAY_MQTT_HOST", &cfg.MQTT.Broker.Host)
	str("ZWAVERELAY_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("ZWAVERELAY_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// InfluxDB
	str("ZWAVERELAY_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Logging
	str("ZWAVERELAY_LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.ID == "" {
		errs = append(errs, "relay.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.RateLimit.Enabled && c.WebSocket.RateLimit.MessagesPerSecond <= 0 {
		errs = append(errs, "websocket.rate_limit.messages_per_second must be positive")
	}

	if c.ZWave.AutoStart && c.ZWave.ServerURL == "" {
		errs = append(errs, "zwave.server_url is required when zwave.auto_start is set")
	}
	if c.ZWave.ReadyTimeout < 0 || c.ZWave.CommandTimeout < 0 {
		errs = append(errs, "zwave timeouts must not be negative")
	}
	if c.ZWave.ManufacturerID < 0 || c.ZWave.ManufacturerID > 0xFFFF {
		errs = append(errs, "zwave.manufacturer_id must fit in 16 bits")
	}
	if c.ZWave.DefaultNodeID < 0 {
		errs = append(errs, "zwave.default_node_id must not be negative")
	}

	if c.DeviceConfig.Enabled && c.DeviceConfig.Path == "" {
		errs = append(errs, "device_config.path is required when device_config.enabled is set")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb.enabled is set")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "":
	case "file":
		if c.Logging.File.Path == "" {
			errs = append(errs, "logging.file.path is required for file output")
		}
	default:
		errs = append(errs, "logging.output must be stdout, stderr, or file")
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

// GetReadyTimeout returns the driver ready timeout as a Duration.
func (c *Config) GetReadyTimeout() time.Duration {
	return time.Duration(c.ZWave.ReadyTimeout) * time.Second
}

// GetCommandTimeout returns the upstream command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.ZWave.CommandTimeout) * time.Second
}
