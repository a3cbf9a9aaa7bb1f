package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNATSClosed is returned when publishing on a closed connection
var ErrNATSClosed = errors.New("nats connection closed")

// NATSConnection manages the NATS connection shared by every publisher
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewNATSConnection creates a new NATS connection
func NewNATSConnection(url string, maxReconnects int, reconnectWait time.Duration, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.Name("serialhub"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)

	return &NATSConnection{
		conn:   conn,
		url:    url,
		logger: logger,
	}, nil
}

// Publish sends data on subject
func (nc *NATSConnection) Publish(subject string, data []byte) error {
	if nc == nil {
		return ErrNATSClosed
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	if nc.conn == nil {
		return ErrNATSClosed
	}
	return nc.conn.Publish(subject, data)
}

// JetStream returns a JetStream context on the connection
func (nc *NATSConnection) JetStream() (nats.JetStreamContext, error) {
	if nc == nil {
		return nil, ErrNATSClosed
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	if nc.conn == nil {
		return nil, ErrNATSClosed
	}
	return nc.conn.JetStream()
}

// Close drains pending publishes and closes the NATS connection
func (nc *NATSConnection) Close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		if err := nc.conn.Flush(); err != nil {
			nc.logger.Debug("Failed to flush NATS before close", "error", err)
		}
		nc.conn.Close()
		nc.conn = nil
		nc.logger.Info("Closed NATS connection")
	}
}

// Conn returns the underlying NATS connection
func (nc *NATSConnection) Conn() *nats.Conn {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn
}

// IsConnected returns true if connected to NATS. Safe on a nil receiver.
func (nc *NATSConnection) IsConnected() bool {
	if nc == nil {
		return false
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}

// URL returns the server URL the connection was created with
func (nc *NATSConnection) URL() string {
	return nc.url
}
