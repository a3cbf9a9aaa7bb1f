package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnvVar overrides forwarding.token when set.
const TokenEnvVar = "DEVICE_AGENT_TOKEN"

// Config is the root configuration structure
type Config struct {
	App        AppConfig        `json:"app" yaml:"app"`
	Scanner    ScannerConfig    `json:"scanner" yaml:"scanner"`
	Forwarding ForwardingConfig `json:"forwarding" yaml:"forwarding"`
	Serial     SerialConfig     `json:"serial" yaml:"serial"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name" yaml:"name"`
	InstanceID string `json:"instance_id" yaml:"instance_id"`
}

// ScannerConfig controls the background port scanner
type ScannerConfig struct {
	Enabled             *bool `json:"enabled" yaml:"enabled"`                             // nil = enabled
	IntervalSec         int   `json:"interval_sec" yaml:"interval_sec"`                   // Seconds between scans
	ProbeAvailability   bool  `json:"probe_availability" yaml:"probe_availability"`       // Test-open each port during a scan
	EnumerateTimeoutSec int   `json:"enumerate_timeout_sec" yaml:"enumerate_timeout_sec"` // Upper bound for one enumeration
}

// ForwardingConfig contains the shared secret for the remote forwarding endpoint
type ForwardingConfig struct {
	Token string `json:"token" yaml:"token"` // Empty rejects every forwarded line
}

// AutoConnect names a port to open at startup
type AutoConnect struct {
	Port     string `json:"port" yaml:"port"`           // e.g., "/dev/ttyUSB0" or "COM3"
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"` // 0 = auto-detect
}

// SerialConfig contains read loop and connection settings
type SerialConfig struct {
	DefaultBaudRate      int           `json:"default_baud_rate" yaml:"default_baud_rate"`
	ReadTimeoutMs        int           `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	IdleSleepMs          int           `json:"idle_sleep_ms" yaml:"idle_sleep_ms"`
	ErrorBackoffMs       int           `json:"error_backoff_ms" yaml:"error_backoff_ms"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	DisconnectTimeoutMs  int           `json:"disconnect_timeout_ms" yaml:"disconnect_timeout_ms"`
	AutoConnect          []AutoConnect `json:"autoconnect" yaml:"autoconnect"`
}

// DetectionConfig contains parameters for autobaud detection
type DetectionConfig struct {
	BaudRates           []int `json:"baud_rates" yaml:"baud_rates"`                       // List of baud rates to try
	DetectionTimeoutSec int   `json:"detection_timeout_sec" yaml:"detection_timeout_sec"` // Timeout per detection attempt
	MinBytesForValid    int   `json:"min_bytes_for_valid" yaml:"min_bytes_for_valid"`     // Minimum bytes to consider valid
}

// NATSConfig contains NATS connection settings. An empty URL disables publishing.
type NATSConfig struct {
	URL              string `json:"url" yaml:"url"`
	SubjectPrefix    string `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects    int    `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWaitSec int    `json:"reconnect_wait_sec" yaml:"reconnect_wait_sec"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the sink.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"` // e.g., "tcp://localhost:1883"
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath     string `json:"base_path" yaml:"base_path"`         // Empty logs to stdout and disables capture files
	MaxSizeMB    int    `json:"max_size_mb" yaml:"max_size_mb"`     // Max size before rotation
	MaxBackups   int    `json:"max_backups" yaml:"max_backups"`     // Max number of old log files
	Compress     bool   `json:"compress" yaml:"compress"`           // Compress rotated logs
	Level        string `json:"level" yaml:"level"`                 // debug, info, warn, error
	CaptureLines *bool  `json:"capture_lines" yaml:"capture_lines"` // nil = write per-port capture logs
}

// MonitoringConfig contains HTTP server settings
type MonitoringConfig struct {
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"` // Basic auth, empty disables
	Password string `json:"password" yaml:"password"`
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, used when
// no config file is given.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	cfg.applyEnv()
	return &cfg
}

// setDefaults fills in default values for optional fields
func (c *Config) setDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "SerialHub"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	// Scanner defaults
	if c.Scanner.Enabled == nil {
		enabled := true
		c.Scanner.Enabled = &enabled
	}
	if c.Scanner.IntervalSec == 0 {
		c.Scanner.IntervalSec = 5
	}
	if c.Scanner.EnumerateTimeoutSec == 0 {
		c.Scanner.EnumerateTimeoutSec = 3
	}

	// Serial defaults
	if c.Serial.DefaultBaudRate == 0 {
		c.Serial.DefaultBaudRate = 9600
	}
	if c.Serial.ReadTimeoutMs == 0 {
		c.Serial.ReadTimeoutMs = 500
	}
	if c.Serial.IdleSleepMs == 0 {
		c.Serial.IdleSleepMs = 50
	}
	if c.Serial.ErrorBackoffMs == 0 {
		c.Serial.ErrorBackoffMs = 1000
	}
	if c.Serial.MaxConsecutiveErrors == 0 {
		c.Serial.MaxConsecutiveErrors = 5
	}
	if c.Serial.DisconnectTimeoutMs == 0 {
		c.Serial.DisconnectTimeoutMs = 2000
	}

	// Detection defaults
	if len(c.Detection.BaudRates) == 0 {
		c.Detection.BaudRates = []int{9600, 19200, 38400, 57600, 115200, 4800, 2400, 1200, 300}
	}
	if c.Detection.DetectionTimeoutSec == 0 {
		c.Detection.DetectionTimeoutSec = 5
	}
	if c.Detection.MinBytesForValid == 0 {
		c.Detection.MinBytesForValid = 50
	}

	// NATS defaults (URL stays empty unless configured)
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "serialhub"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 5
	}

	// MQTT defaults
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "serialhub-" + c.App.InstanceID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "serialhub"
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.CaptureLines == nil {
		capture := true
		c.Logging.CaptureLines = &capture
	}

	// Monitoring defaults
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 8080
	}
}

func (c *Config) applyEnv() {
	if token := os.Getenv(TokenEnvVar); token != "" {
		c.Forwarding.Token = token
	}
}

// Helper methods for time conversions
func (s *ScannerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

func (s *ScannerConfig) EnumerateTimeout() time.Duration {
	return time.Duration(s.EnumerateTimeoutSec) * time.Second
}

// IsEnabled reports whether the scanner should run
func (s *ScannerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s *SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

func (s *SerialConfig) IdleSleep() time.Duration {
	return time.Duration(s.IdleSleepMs) * time.Millisecond
}

func (s *SerialConfig) ErrorBackoff() time.Duration {
	return time.Duration(s.ErrorBackoffMs) * time.Millisecond
}

func (s *SerialConfig) DisconnectTimeout() time.Duration {
	return time.Duration(s.DisconnectTimeoutMs) * time.Millisecond
}

func (d *DetectionConfig) DetectionTimeout() time.Duration {
	return time.Duration(d.DetectionTimeoutSec) * time.Second
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}

// Enabled reports whether a NATS server is configured
func (n *NATSConfig) Enabled() bool {
	return n.URL != ""
}

// Enabled reports whether an MQTT broker is configured
func (m *MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// CaptureEnabled reports whether per-port capture logs are written
func (l *LoggingConfig) CaptureEnabled() bool {
	return l.BasePath != "" && (l.CaptureLines == nil || *l.CaptureLines)
}
