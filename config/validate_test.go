package config

import (
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	tmpDir := t.TempDir()
	enabled := true
	return &Config{
		App: AppConfig{
			Name:       "Test",
			InstanceID: "test-01",
		},
		Scanner: ScannerConfig{
			Enabled:             &enabled,
			IntervalSec:         5,
			EnumerateTimeoutSec: 3,
		},
		Serial: SerialConfig{
			DefaultBaudRate:      9600,
			ReadTimeoutMs:        500,
			IdleSleepMs:          50,
			ErrorBackoffMs:       1000,
			MaxConsecutiveErrors: 5,
			DisconnectTimeoutMs:  2000,
			AutoConnect: []AutoConnect{
				{Port: "/dev/ttyS1", BaudRate: 9600},
			},
		},
		Detection: DetectionConfig{
			BaudRates:           []int{9600},
			DetectionTimeoutSec: 5,
			MinBytesForValid:    50,
		},
		NATS: NATSConfig{
			URL:              "nats://localhost:4222",
			SubjectPrefix:    "test.serial",
			MaxReconnects:    -1,
			ReconnectWaitSec: 5,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "serialhub-test",
			TopicPrefix: "test",
			QoS:         1,
		},
		Logging: LoggingConfig{
			BasePath:   tmpDir,
			MaxSizeMB:  10,
			MaxBackups: 3,
			Level:      "info",
		},
		Monitoring: MonitoringConfig{
			Port: 8080,
		},
	}
}

type validateCase struct {
	name    string
	modify  func(*Config)
	wantErr bool
}

func runValidateCases(t *testing.T, tests []validateCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidateAppConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing app name", modify: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "missing instance_id", modify: func(c *Config) { c.App.InstanceID = "" }, wantErr: true},
	})
}

func TestValidateScannerConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid scanner", modify: func(c *Config) {}},
		{name: "zero interval", modify: func(c *Config) { c.Scanner.IntervalSec = 0 }, wantErr: true},
		{name: "negative interval", modify: func(c *Config) { c.Scanner.IntervalSec = -5 }, wantErr: true},
		{name: "zero enumerate timeout", modify: func(c *Config) { c.Scanner.EnumerateTimeoutSec = 0 }, wantErr: true},
		{
			name: "disabled scanner still validates interval",
			modify: func(c *Config) {
				disabled := false
				c.Scanner.Enabled = &disabled
			},
		},
	})
}

func TestValidateSerialConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid serial", modify: func(c *Config) {}},
		{name: "invalid default baud", modify: func(c *Config) { c.Serial.DefaultBaudRate = 12345 }, wantErr: true},
		{name: "zero read timeout", modify: func(c *Config) { c.Serial.ReadTimeoutMs = 0 }, wantErr: true},
		{name: "negative idle sleep", modify: func(c *Config) { c.Serial.IdleSleepMs = -1 }, wantErr: true},
		{name: "negative error backoff", modify: func(c *Config) { c.Serial.ErrorBackoffMs = -1 }, wantErr: true},
		{name: "zero max consecutive errors", modify: func(c *Config) { c.Serial.MaxConsecutiveErrors = 0 }, wantErr: true},
		{name: "zero disconnect timeout", modify: func(c *Config) { c.Serial.DisconnectTimeoutMs = 0 }, wantErr: true},
		{name: "autoconnect missing port", modify: func(c *Config) { c.Serial.AutoConnect[0].Port = "" }, wantErr: true},
		{name: "autoconnect invalid baud", modify: func(c *Config) { c.Serial.AutoConnect[0].BaudRate = 1234 }, wantErr: true},
		{name: "autoconnect baud 0 is valid (auto-detect)", modify: func(c *Config) { c.Serial.AutoConnect[0].BaudRate = 0 }},
		{
			name: "autoconnect duplicate port",
			modify: func(c *Config) {
				c.Serial.AutoConnect = append(c.Serial.AutoConnect, AutoConnect{Port: "/dev/ttyS1"})
			},
			wantErr: true,
		},
		{name: "no autoconnect is valid", modify: func(c *Config) { c.Serial.AutoConnect = nil }},
	})
}

func TestValidateDetectionConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid detection", modify: func(c *Config) {}},
		{name: "no baud_rates", modify: func(c *Config) { c.Detection.BaudRates = nil }, wantErr: true},
		{name: "invalid baud_rate in list", modify: func(c *Config) { c.Detection.BaudRates = []int{9600, 12345} }, wantErr: true},
		{name: "zero detection_timeout", modify: func(c *Config) { c.Detection.DetectionTimeoutSec = 0 }, wantErr: true},
		{name: "negative detection_timeout", modify: func(c *Config) { c.Detection.DetectionTimeoutSec = -1 }, wantErr: true},
		{name: "zero min_bytes", modify: func(c *Config) { c.Detection.MinBytesForValid = 0 }, wantErr: true},
	})
}

func TestValidateNATSConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid nats", modify: func(c *Config) {}},
		{name: "empty url disables nats", modify: func(c *Config) { c.NATS.URL = "" }},
		{name: "invalid url scheme", modify: func(c *Config) { c.NATS.URL = "http://localhost:4222" }, wantErr: true},
		{name: "missing subject_prefix", modify: func(c *Config) { c.NATS.SubjectPrefix = "" }, wantErr: true},
		{name: "max_reconnects -1 is valid (unlimited)", modify: func(c *Config) { c.NATS.MaxReconnects = -1 }},
		{name: "max_reconnects 0 is valid", modify: func(c *Config) { c.NATS.MaxReconnects = 0 }},
		{name: "max_reconnects -2 is invalid", modify: func(c *Config) { c.NATS.MaxReconnects = -2 }, wantErr: true},
		{name: "zero reconnect_wait", modify: func(c *Config) { c.NATS.ReconnectWaitSec = 0 }, wantErr: true},
	})
}

func TestValidateMQTTConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid mqtt", modify: func(c *Config) {}},
		{name: "empty broker disables mqtt", modify: func(c *Config) { c.MQTT.Broker = "" }},
		{name: "broker without scheme", modify: func(c *Config) { c.MQTT.Broker = "localhost:1883" }, wantErr: true},
		{name: "ssl broker", modify: func(c *Config) { c.MQTT.Broker = "ssl://broker:8883" }},
		{name: "qos 3", modify: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "negative qos", modify: func(c *Config) { c.MQTT.QoS = -1 }, wantErr: true},
		{name: "missing topic prefix", modify: func(c *Config) { c.MQTT.TopicPrefix = "" }, wantErr: true},
	})
}

func TestValidateLoggingConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid logging", modify: func(c *Config) {}},
		{name: "empty base_path logs to stdout", modify: func(c *Config) { c.Logging.BasePath = "" }},
		{name: "zero max_size_mb", modify: func(c *Config) { c.Logging.MaxSizeMB = 0 }, wantErr: true},
		{name: "negative max_backups", modify: func(c *Config) { c.Logging.MaxBackups = -1 }, wantErr: true},
		{name: "invalid log level", modify: func(c *Config) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "valid debug level", modify: func(c *Config) { c.Logging.Level = "debug" }},
		{name: "valid warn level", modify: func(c *Config) { c.Logging.Level = "warn" }},
		{name: "valid error level", modify: func(c *Config) { c.Logging.Level = "error" }},
	})
}

func TestValidateMonitoringConfig(t *testing.T) {
	runValidateCases(t, []validateCase{
		{name: "valid monitoring", modify: func(c *Config) {}},
		{name: "zero port", modify: func(c *Config) { c.Monitoring.Port = 0 }, wantErr: true},
		{name: "port too high", modify: func(c *Config) { c.Monitoring.Port = 65536 }, wantErr: true},
		{name: "port 65535 is valid", modify: func(c *Config) { c.Monitoring.Port = 65535 }},
		{
			name: "username and password",
			modify: func(c *Config) {
				c.Monitoring.Username = "admin"
				c.Monitoring.Password = "secret"
			},
		},
		{name: "username without password", modify: func(c *Config) { c.Monitoring.Username = "admin" }, wantErr: true},
	})
}

func TestValidBaudRates(t *testing.T) {
	validRates := []int{300, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

	for _, rate := range validRates {
		if !ValidBaudRate(rate) {
			t.Errorf("Expected %d to be a valid baud rate", rate)
		}
	}

	invalidRates := []int{0, 100, 1000, 9601, 100000}
	for _, rate := range invalidRates {
		if ValidBaudRate(rate) {
			t.Errorf("Expected %d to be an invalid baud rate", rate)
		}
	}
}
