package output

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken is a completed mqtt.Token
type mockToken struct {
	err      error
	timedOut bool
}

func (t *mockToken) Wait() bool                     { return !t.timedOut }
func (t *mockToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMQTTClient struct {
	mu           sync.Mutex
	connected    bool
	token        *mockToken
	topics       []string
	payloads     [][]byte
	qos          []byte
	disconnected bool
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, payload.([]byte))
	m.qos = append(m.qos, qos)
	if m.token != nil {
		return m.token
	}
	return &mockToken{}
}

func (m *mockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnected = true
}

func TestMQTTSinkWriteRecord(t *testing.T) {
	client := &mockMQTTClient{connected: true}
	sink := newMQTTSink(client, "serialhub", 1, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rec := testRecord("/dev/ttyUSB0", "temp=21.5")
	rec.Kind = KindStructured
	if err := sink.WriteRecord(rec); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}

	if len(client.topics) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.topics))
	}
	if client.topics[0] != "serialhub/dev_ttyUSB0/structured" {
		t.Errorf("topic = %q", client.topics[0])
	}
	if client.qos[0] != 1 {
		t.Errorf("qos = %d, want 1", client.qos[0])
	}

	var got Record
	if err := json.Unmarshal(client.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Raw != "temp=21.5" {
		t.Errorf("Raw = %q", got.Raw)
	}

	sink.Close()
	if !client.disconnected {
		t.Error("Close() should disconnect the client")
	}
}

func TestMQTTSinkDisconnected(t *testing.T) {
	client := &mockMQTTClient{connected: false}
	sink := newMQTTSink(client, "serialhub", 0, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := sink.WriteRecord(testRecord("COM3", "x")); err != nil {
		t.Errorf("WriteRecord() error = %v, want nil while disconnected", err)
	}
	if len(client.topics) != 0 {
		t.Errorf("published %d messages while disconnected", len(client.topics))
	}
}

func TestMQTTSinkErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	timeout := &mockMQTTClient{connected: true, token: &mockToken{timedOut: true}}
	err := newMQTTSink(timeout, "serialhub", 0, logger).WriteRecord(testRecord("COM3", "x"))
	if !errors.Is(err, ErrMQTTPublishTimeout) {
		t.Errorf("WriteRecord() error = %v, want timeout", err)
	}

	brokerErr := errors.New("not authorized")
	failing := &mockMQTTClient{connected: true, token: &mockToken{err: brokerErr}}
	err = newMQTTSink(failing, "serialhub", 0, logger).WriteRecord(testRecord("COM3", "x"))
	if !errors.Is(err, brokerErr) {
		t.Errorf("WriteRecord() error = %v, want %v", err, brokerErr)
	}
}
