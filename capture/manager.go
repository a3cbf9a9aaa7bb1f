package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"serialhub/output"
	"serialhub/serial"
)

// Defaults applied by NewManager
const (
	DefaultBaudRate          = 9600
	DefaultDisconnectTimeout = 2 * time.Second
)

// BaudDetector picks a baud rate for a device that was connected with baud 0
type BaudDetector interface {
	DetectBaudRate(device string) (int, error)
}

// Options configures a Manager
type Options struct {
	Opener            serial.Opener
	Detector          BaudDetector // nil uses DefaultBaudRate for baud 0
	DefaultBaudRate   int
	Worker            WorkerConfig
	DisconnectTimeout time.Duration
	Sinks             []output.Sink
	OnEvent           output.EventCallback
	Now               func() time.Time
}

// Manager owns every tracked connection: it opens and closes handles,
// runs one ReadWorker per open handle and routes ingested lines to sinks.
type Manager struct {
	opener            serial.Opener
	detector          BaudDetector
	defaultBaud       int
	workerCfg         WorkerConfig
	disconnectTimeout time.Duration
	sinks             []output.Sink
	onEvent           output.EventCallback
	now               func() time.Time

	reg    *registry
	logger *slog.Logger
}

// NewManager creates a connection manager
func NewManager(opts Options, logger *slog.Logger) *Manager {
	m := &Manager{
		opener:            opts.Opener,
		detector:          opts.Detector,
		defaultBaud:       opts.DefaultBaudRate,
		workerCfg:         opts.Worker,
		disconnectTimeout: opts.DisconnectTimeout,
		sinks:             opts.Sinks,
		onEvent:           opts.OnEvent,
		now:               opts.Now,
		reg:               newRegistry(),
		logger:            logger,
	}
	if m.defaultBaud <= 0 {
		m.defaultBaud = DefaultBaudRate
	}
	if m.disconnectTimeout <= 0 {
		m.disconnectTimeout = DefaultDisconnectTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Connect opens portID at baudRate (0 auto-detects) and starts reading it
func (m *Manager) Connect(portID string, baudRate int) (Ack, error) {
	if portID == "" {
		return Ack{}, &ValidationError{Field: "port", Reason: "must not be empty"}
	}
	if baudRate < 0 {
		return Ack{}, &ValidationError{Field: "baudrate", Reason: "must not be negative"}
	}

	// Reserve the slot so concurrent connects for the same port are refused
	// while the OS open runs outside the lock
	e := &entry{
		portID:  portID,
		session: uuid.NewString(),
		source:  SourceLocal,
		state:   StateConnecting,
	}
	m.reg.mu.Lock()
	if m.reg.closed {
		m.reg.mu.Unlock()
		return Ack{}, ErrClosed
	}
	if _, exists := m.reg.entries[portID]; exists {
		m.reg.mu.Unlock()
		return Ack{}, ErrAlreadyConnected
	}
	m.reg.entries[portID] = e
	m.reg.mu.Unlock()

	logger := m.logger.With("port", portID)

	rate := baudRate
	if rate == 0 {
		rate = m.resolveBaudRate(portID, logger)
	}

	port, err := m.opener.Open(portID, rate)
	if err != nil {
		m.reg.removeIf(portID, e)
		openErr := &OpenError{Port: portID, Reason: serial.OpenFailureReason(err), Err: err}
		logger.Warn("Failed to open port", "baud", rate, "error", err)
		m.emit(output.Event{
			Type:    output.EventError,
			Port:    portID,
			Message: openErr.Error(),
		})
		return Ack{}, openErr
	}

	counting := serial.NewCountingPort(port)
	openedAt := m.now()
	session := e.session

	worker := NewReadWorker(counting, m.workerCfg,
		func(line string, receivedAt time.Time) {
			m.deliver(portID, session, line, receivedAt)
		},
		func(err error) {
			m.markFaulted(portID, session, err)
		},
		logger)

	m.reg.mu.Lock()
	if m.reg.closed {
		delete(m.reg.entries, portID)
		m.reg.mu.Unlock()
		counting.Close()
		return Ack{}, ErrClosed
	}
	e.port = counting
	e.worker = worker
	e.baudRate = rate
	e.openedAt = openedAt
	e.state = StateOpen
	m.reg.mu.Unlock()

	worker.Start()

	logger.Info("Port opened", "baud", rate, "session", session)
	m.emit(output.Event{
		Type:    output.EventConnected,
		Port:    portID,
		Session: session,
		Details: map[string]any{"baud_rate": rate},
	})

	return Ack{At: openedAt}, nil
}

func (m *Manager) resolveBaudRate(portID string, logger *slog.Logger) int {
	if m.detector == nil {
		return m.defaultBaud
	}

	rate, err := m.detector.DetectBaudRate(portID)
	if err != nil {
		logger.Warn("Baud rate detection failed, using default",
			"default", m.defaultBaud,
			"error", err)
		return m.defaultBaud
	}

	m.emit(output.Event{
		Type:    output.EventBaudDetected,
		Port:    portID,
		Details: map[string]any{"baud_rate": rate},
	})
	return rate
}

// Disconnect stops the reader, closes the handle and forgets portID
func (m *Manager) Disconnect(portID string) (Ack, error) {
	m.reg.mu.Lock()
	e, ok := m.reg.entries[portID]
	if !ok || e.state == StateConnecting || e.state == StateClosing {
		m.reg.mu.Unlock()
		return Ack{}, ErrNotConnected
	}
	e.state = StateClosing
	m.reg.mu.Unlock()

	m.teardown(e)
	m.reg.removeIf(portID, e)

	m.logger.Info("Port disconnected", "port", portID, "session", e.session)
	m.emit(output.Event{
		Type:    output.EventDisconnected,
		Port:    portID,
		Session: e.session,
	})

	return Ack{At: m.now()}, nil
}

// teardown stops the worker with a bounded wait and closes the handle.
// The entry must already be marked closing.
func (m *Manager) teardown(e *entry) {
	m.reg.mu.RLock()
	worker, port := e.worker, e.port
	m.reg.mu.RUnlock()

	if worker != nil {
		worker.Stop()
		if !worker.Wait(m.disconnectTimeout) {
			m.logger.Warn("Reader did not stop in time, forcing close",
				"port", e.portID,
				"timeout", m.disconnectTimeout)
		}
	}

	if port != nil {
		e.writeMu.Lock()
		if !e.closed {
			e.closed = true
			if err := port.Close(); err != nil {
				m.logger.Warn("Error closing port", "port", e.portID, "error", err)
			}
		}
		e.writeMu.Unlock()
	}

	// A forced close unblocks a stuck read
	if worker != nil {
		worker.Wait(m.disconnectTimeout)
	}
}

// Send writes command plus a newline to an open local connection. A failed
// write leaves the connection open.
func (m *Manager) Send(portID, command string) (Ack, error) {
	m.reg.mu.RLock()
	e, ok := m.reg.entries[portID]
	var port *serial.CountingPort
	if ok && e.state == StateOpen {
		port = e.port
	}
	m.reg.mu.RUnlock()

	if port == nil {
		return Ack{}, ErrNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return Ack{}, ErrNotConnected
	}
	if _, err := port.Write([]byte(command + "\n")); err != nil {
		m.logger.Warn("Write failed", "port", portID, "error", err)
		return Ack{}, &WriteError{Port: portID, Err: err}
	}

	m.logger.Debug("Command sent", "port", portID, "bytes", len(command)+1)
	return Ack{At: m.now()}, nil
}

// List returns a snapshot of every tracked connection sorted by port
func (m *Manager) List() []ConnectionSummary {
	return m.reg.summaries()
}

// Get returns the snapshot for one port
func (m *Manager) Get(portID string) (ConnectionSummary, bool) {
	return m.reg.get(portID)
}

// Ingest records a line for portID and hands it to the sinks. Unknown
// ports are registered as passive remote connections.
func (m *Manager) Ingest(portID, raw string, receivedAt time.Time) (Ack, error) {
	if portID == "" {
		return Ack{}, &ValidationError{Field: "port", Reason: "must not be empty"}
	}

	m.reg.mu.Lock()
	e, ok := m.reg.entries[portID]
	registered := false
	if !ok {
		e = &entry{
			portID:   portID,
			session:  uuid.NewString(),
			source:   SourceRemote,
			state:    StateOpen,
			openedAt: m.now(),
		}
		m.reg.entries[portID] = e
		registered = true
	}
	session := e.session
	m.reg.mu.Unlock()

	if registered {
		m.logger.Info("Registered remote connection", "port", portID, "session", session)
		m.emit(output.Event{
			Type:    output.EventRemoteRegistered,
			Port:    portID,
			Session: session,
		})
	}

	m.deliver(portID, session, raw, receivedAt)
	return Ack{At: receivedAt}, nil
}

// deliver updates the entry owned by session and writes the record to
// every sink. Lines from a replaced or removed session are dropped.
func (m *Manager) deliver(portID, session, raw string, receivedAt time.Time) {
	e, ok := m.reg.current(portID, session)
	if !ok {
		return
	}

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	m.reg.mu.Lock()
	if m.reg.entries[portID] != e {
		m.reg.mu.Unlock()
		return
	}
	e.lastLine = raw
	e.lineCount++
	e.lastUpdatedAt = receivedAt
	source := e.source
	m.reg.mu.Unlock()

	rec := Decode(portID, raw, receivedAt)
	rec.Source = string(source)
	rec.SessionID = session

	for _, sink := range m.sinks {
		if err := sink.WriteRecord(rec); err != nil {
			m.logger.Debug("Sink rejected record", "port", portID, "error", err)
		}
	}
}

// markFaulted is the worker fault callback. Stale sessions and entries
// already being torn down are ignored.
func (m *Manager) markFaulted(portID, session string, err error) {
	readErr := &ReadError{Port: portID, Err: err}

	m.reg.mu.Lock()
	e, ok := m.reg.entries[portID]
	if !ok || e.session != session || e.state != StateOpen {
		m.reg.mu.Unlock()
		return
	}
	e.state = StateFaulted
	e.lastError = readErr.Error()
	m.reg.mu.Unlock()

	m.logger.Warn("Connection faulted", "port", portID, "session", session, "error", err)
	m.emit(output.Event{
		Type:    output.EventFaulted,
		Port:    portID,
		Session: session,
		Message: readErr.Error(),
	})
}

// Reconcile drops faulted local connections whose port no longer shows up
// in an enumeration
func (m *Manager) Reconcile(ports []serial.PortDescriptor) {
	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		present[p.ID] = true
	}

	m.reg.mu.Lock()
	var stale []*entry
	for id, e := range m.reg.entries {
		if e.source == SourceLocal && e.state == StateFaulted && !present[id] {
			e.state = StateClosing
			stale = append(stale, e)
		}
	}
	m.reg.mu.Unlock()

	for _, e := range stale {
		m.teardown(e)
		m.reg.removeIf(e.portID, e)
		m.logger.Info("Removed faulted connection for missing port", "port", e.portID)
		m.emit(output.Event{
			Type:    output.EventDisconnected,
			Port:    e.portID,
			Session: e.session,
			Message: "port no longer present",
		})
	}
}

// Shutdown disconnects every connection concurrently. Connect fails with
// ErrClosed afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.reg.mu.Lock()
	m.reg.closed = true
	var entries []*entry
	for _, e := range m.reg.entries {
		if e.state == StateConnecting || e.state == StateClosing {
			continue
		}
		e.state = StateClosing
		entries = append(entries, e)
	}
	m.reg.mu.Unlock()

	m.logger.Info("Shutting down connection manager", "connections", len(entries))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				m.teardown(e)
				m.reg.removeIf(e.portID, e)
			}(e)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		m.logger.Info("Connection manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether Shutdown has been called
func (m *Manager) Closed() bool {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.reg.closed
}

// ConnectionHealth returns per-connection data for health heartbeats
func (m *Manager) ConnectionHealth() []output.ConnectionHealth {
	summaries := m.List()
	now := m.now()

	health := make([]output.ConnectionHealth, 0, len(summaries))
	for _, s := range summaries {
		// Seconds since last line, -1 if never
		var lastLineAgo int64 = -1
		if s.LastUpdatedAt != nil {
			lastLineAgo = int64(now.Sub(*s.LastUpdatedAt).Seconds())
		}
		health = append(health, output.ConnectionHealth{
			Port:        s.PortID,
			State:       s.State.String(),
			Source:      string(s.Source),
			BaudRate:    s.BaudRate,
			BytesRead:   s.BytesRead,
			LinesRead:   s.LineCount,
			LastLineAgo: lastLineAgo,
		})
	}
	return health
}

func (m *Manager) emit(event output.Event) {
	if m.onEvent != nil {
		m.onEvent(event)
	}
}
