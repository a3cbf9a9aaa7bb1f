package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMs      = 250
)

// ErrMQTTPublishTimeout is returned when the broker does not acknowledge in time
var ErrMQTTPublishTimeout = errors.New("mqtt publish timeout")

// mqttClient is the subset of mqtt.Client used by MQTTSink
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSinkConfig contains configuration for MQTTSink
type MQTTSinkConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// MQTTSink publishes records to an MQTT broker on
// {prefix}/{port}/{kind}
type MQTTSink struct {
	client      mqttClient
	topicPrefix string
	qos         byte
	logger      *slog.Logger
}

// NewMQTTSink connects to the broker and returns a sink
func NewMQTTSink(cfg *MQTTSinkConfig) (*MQTTSink, error) {
	logger := cfg.Logger

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("Connection to MQTT broker lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connection to MQTT broker %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newMQTTSink(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newMQTTSink(client mqttClient, topicPrefix string, qos byte, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Topic returns the MQTT topic for a record
func (s *MQTTSink) Topic(rec Record) string {
	kind := rec.Kind
	if kind == "" {
		kind = KindRaw
	}
	return s.topicPrefix + "/" + SanitizePortID(rec.PortID) + "/" + string(kind)
}

// WriteRecord implements Sink. Records are dropped while the broker is
// unreachable.
func (s *MQTTSink) WriteRecord(rec Record) error {
	if !s.client.IsConnected() {
		s.logger.Debug("Skipping MQTT publish - broker not connected", "port", rec.PortID)
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	topic := s.Topic(rec)
	token := s.client.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w on %s", ErrMQTTPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(mqttQuiesceMs)
	}
	s.logger.Info("MQTT sink closed")
}
