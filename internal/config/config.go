package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Scan      ScanConfig      `yaml:"scan"`
	Connect   ConnectConfig   `yaml:"connect"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig identifies the meter. Address wins; Name is a
// case-insensitive substring of the advertised name.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Adapter string `yaml:"adapter"` // BlueZ controller, e.g. "hci0"; empty for default
}

// ScanConfig controls waiting for the meter to advertise before connecting.
type ScanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// ConnectConfig holds connection retry settings.
type ConnectConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
	BackoffMax int           `yaml:"backoff_max"` // seconds
}

// RetrievalConfig holds RACP retrieval settings.
type RetrievalConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	SkipCount        bool          `yaml:"skip_count"`
	Operator         string        `yaml:"operator"` // "all", "first" or "last"
	AbortTimeout     time.Duration `yaml:"abort_timeout"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// MQTTConfig holds publishing settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// MetricsConfig holds Prometheus textfile output settings.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "glucose-racp")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Enabled:  true,
			Timeout:  5 * time.Second,
			Attempts: 10,
			Interval: 2 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:    20 * time.Second,
			Attempts:   3,
			BackoffMax: 8,
		},
		Retrieval: RetrievalConfig{
			Timeout:          30 * time.Second,
			Operator:         "all",
			AbortTimeout:     2 * time.Second,
			LivenessInterval: time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "glucose-racp",
			TopicPrefix: "glucose",
			QoS:         1,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in metrics.textfile is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Metrics.Textfile = expandTilde(cfg.Metrics.Textfile)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Scan.Enabled {
		if c.Scan.Timeout <= 0 {
			return fmt.Errorf("scan.timeout must be > 0")
		}
		if c.Scan.Attempts <= 0 {
			return fmt.Errorf("scan.attempts must be > 0")
		}
		if c.Scan.Interval < 0 {
			return fmt.Errorf("scan.interval must not be negative")
		}
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}
	if c.Connect.Attempts <= 0 {
		return fmt.Errorf("connect.attempts must be > 0")
	}
	if c.Connect.BackoffMax <= 0 {
		return fmt.Errorf("connect.backoff_max must be > 0")
	}

	if c.Retrieval.Timeout <= 0 {
		return fmt.Errorf("retrieval.timeout must be > 0")
	}
	switch c.Retrieval.Operator {
	case "all", "first", "last":
	default:
		return fmt.Errorf("retrieval.operator must be \"all\", \"first\" or \"last\", got %q", c.Retrieval.Operator)
	}
	if c.Retrieval.AbortTimeout <= 0 {
		return fmt.Errorf("retrieval.abort_timeout must be > 0")
	}
	if c.Retrieval.LivenessInterval < 0 {
		return fmt.Errorf("retrieval.liveness_interval must not be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be in 1..65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# glucose-racp configuration
#
# Identify the meter by address (MAC, or the CoreBluetooth UUID on macOS)
# or by a case-insensitive substring of its advertised name.
device:
  address: ""
  name: ""
  adapter: ""

# Wait for the meter to advertise before connecting. Most meters only
# advertise while their Bluetooth transfer mode is active.
scan:
  enabled: true
  timeout: 5s
  attempts: 10
  interval: 2s

connect:
  timeout: 20s
  attempts: 3
  backoff_max: 8

retrieval:
  timeout: 30s
  skip_count: false
  operator: all # all, first or last
  abort_timeout: 2s
  liveness_interval: 1s

mqtt:
  enabled: false
  broker: localhost
  port: 1883
  client_id: glucose-racp
  topic_prefix: glucose
  qos: 1

metrics:
  textfile: ""

log_level: info
log_format: text
`

// WriteDefault writes a commented starter config to path, or to
// DefaultConfigPath when path is empty. It returns the written path, or ""
// if a file already exists there.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
