package config

import (
	"fmt"
	"os"
	"strings"
)

var (
	// Valid baud rates
	validBaudRates = map[int]bool{
		300:    true,
		1200:   true,
		2400:   true,
		4800:   true,
		9600:   true,
		19200:  true,
		38400:  true,
		57600:  true,
		115200: true,
	}

	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	validMQTTSchemes = []string{"tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://", "mqtts://"}
)

// ValidBaudRate reports whether rate is one of the supported baud rates
func ValidBaudRate(rate int) bool {
	return validBaudRates[rate]
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateScanner(); err != nil {
		return fmt.Errorf("scanner config: %w", err)
	}

	if err := c.validateSerial(); err != nil {
		return fmt.Errorf("serial config: %w", err)
	}

	if err := c.validateDetection(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateMQTT(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	return nil
}

func (c *Config) validateScanner() error {
	if c.Scanner.IntervalSec <= 0 {
		return fmt.Errorf("interval_sec must be positive, got: %d", c.Scanner.IntervalSec)
	}

	if c.Scanner.EnumerateTimeoutSec <= 0 {
		return fmt.Errorf("enumerate_timeout_sec must be positive, got: %d", c.Scanner.EnumerateTimeoutSec)
	}

	return nil
}

func (c *Config) validateSerial() error {
	if !validBaudRates[c.Serial.DefaultBaudRate] {
		return fmt.Errorf("invalid default_baud_rate %d, must be one of: 300, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200",
			c.Serial.DefaultBaudRate)
	}

	if c.Serial.ReadTimeoutMs <= 0 {
		return fmt.Errorf("read_timeout_ms must be positive, got: %d", c.Serial.ReadTimeoutMs)
	}

	if c.Serial.IdleSleepMs < 0 {
		return fmt.Errorf("idle_sleep_ms must be non-negative, got: %d", c.Serial.IdleSleepMs)
	}

	if c.Serial.ErrorBackoffMs < 0 {
		return fmt.Errorf("error_backoff_ms must be non-negative, got: %d", c.Serial.ErrorBackoffMs)
	}

	if c.Serial.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max_consecutive_errors must be positive, got: %d", c.Serial.MaxConsecutiveErrors)
	}

	if c.Serial.DisconnectTimeoutMs <= 0 {
		return fmt.Errorf("disconnect_timeout_ms must be positive, got: %d", c.Serial.DisconnectTimeoutMs)
	}

	seen := make(map[string]bool)
	for i, ac := range c.Serial.AutoConnect {
		if ac.Port == "" {
			return fmt.Errorf("autoconnect %d: port is required", i)
		}
		if seen[ac.Port] {
			return fmt.Errorf("autoconnect %d: duplicate port %s", i, ac.Port)
		}
		seen[ac.Port] = true

		if ac.BaudRate != 0 && !validBaudRates[ac.BaudRate] {
			return fmt.Errorf("autoconnect %d (%s): invalid baud_rate %d", i, ac.Port, ac.BaudRate)
		}
	}

	return nil
}

func (c *Config) validateDetection() error {
	if len(c.Detection.BaudRates) == 0 {
		return fmt.Errorf("at least one baud rate must be configured")
	}

	for _, baudRate := range c.Detection.BaudRates {
		if !validBaudRates[baudRate] {
			return fmt.Errorf("invalid baud rate %d in detection config", baudRate)
		}
	}

	if c.Detection.DetectionTimeoutSec <= 0 {
		return fmt.Errorf("detection_timeout_sec must be positive, got: %d", c.Detection.DetectionTimeoutSec)
	}

	if c.Detection.MinBytesForValid <= 0 {
		return fmt.Errorf("min_bytes_for_valid must be positive, got: %d", c.Detection.MinBytesForValid)
	}

	return nil
}

func (c *Config) validateNATS() error {
	if c.NATS.URL == "" {
		return nil
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("url must start with nats:// or tls://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.ReconnectWaitSec <= 0 {
		return fmt.Errorf("reconnect_wait_sec must be positive, got: %d", c.NATS.ReconnectWaitSec)
	}

	return nil
}

func (c *Config) validateMQTT() error {
	if c.MQTT.Broker == "" {
		return nil
	}

	schemeOK := false
	for _, scheme := range validMQTTSchemes {
		if strings.HasPrefix(c.MQTT.Broker, scheme) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("broker must include a scheme such as tcp://, got: %s", c.MQTT.Broker)
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got: %d", c.MQTT.QoS)
	}

	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("topic_prefix is required")
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.BasePath != "" {
		// Check if base path exists or can be created
		if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
			if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
				return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
			}
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Monitoring.Port)
	}

	if (c.Monitoring.Username == "") != (c.Monitoring.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}

	return nil
}
