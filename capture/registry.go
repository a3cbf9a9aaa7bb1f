package capture

import (
	"sort"
	"sync"
	"time"

	"serialhub/serial"
)

// entry is one tracked connection. Fields below mu are guarded by the
// registry lock; the handle is written and closed under writeMu.
type entry struct {
	portID  string
	session string
	source  Source

	// guarded by registry.mu
	baudRate      int
	openedAt      time.Time
	state         LifecycleState
	lastLine      string
	lineCount     int64
	lastUpdatedAt time.Time
	lastError     string
	port          *serial.CountingPort // nil for remote entries
	worker        *ReadWorker

	writeMu sync.Mutex
	closed  bool // guarded by writeMu

	ingestMu sync.Mutex // keeps per-port delivery order
}

// summary copies the entry. Caller holds the registry lock.
func (e *entry) summary() ConnectionSummary {
	s := ConnectionSummary{
		PortID:    e.portID,
		BaudRate:  e.baudRate,
		OpenedAt:  e.openedAt,
		LastLine:  e.lastLine,
		LineCount: e.lineCount,
		State:     e.state,
		SessionID: e.session,
		Source:    e.source,
		LastError: e.lastError,
	}
	if !e.lastUpdatedAt.IsZero() {
		t := e.lastUpdatedAt
		s.LastUpdatedAt = &t
	}
	if e.port != nil {
		s.BytesRead, s.BytesWritten, _ = e.port.Stats()
	}
	return s
}

// registry maps port ids to entries. Only the Manager touches it.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// current returns the entry for portID if it still belongs to session
func (r *registry) current(portID, session string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[portID]
	if !ok || e.session != session {
		return nil, false
	}
	return e, true
}

// removeIf deletes portID only while it still maps to e
func (r *registry) removeIf(portID string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[portID] != e {
		return false
	}
	delete(r.entries, portID)
	return true
}

func (r *registry) summaries() []ConnectionSummary {
	r.mu.RLock()
	out := make([]ConnectionSummary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PortID < out[j].PortID })
	return out
}

func (r *registry) get(portID string) (ConnectionSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[portID]
	if !ok {
		return ConnectionSummary{}, false
	}
	return e.summary(), true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
