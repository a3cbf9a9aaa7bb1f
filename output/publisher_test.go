package output

import (
	"errors"
	"sync"
)

// mockPublisher records NATS publishes
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	subjects  []string
	payloads  [][]byte
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{connected: true}
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, append([]byte(nil), data...))
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects)
}

var errPublish = errors.New("nats: connection closed")
