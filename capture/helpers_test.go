package capture

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"serialhub/output"
	"serialhub/serial/serialtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink keeps every record it receives
type recordingSink struct {
	mu      sync.Mutex
	records []output.Record
}

func (s *recordingSink) WriteRecord(rec output.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) raws() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Raw
	}
	return out
}

func (s *recordingSink) all() []output.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]output.Record(nil), s.records...)
}

// eventLog keeps every emitted event
type eventLog struct {
	mu     sync.Mutex
	events []output.Event
}

func (l *eventLog) add(e output.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	manager *Manager
	opener  *serialtest.FakeOpener
	sink    *recordingSink
	events  *eventLog
}

func newFixture(t *testing.T, devices ...string) *fixture {
	t.Helper()

	f := &fixture{
		opener: serialtest.NewFakeOpener(devices...),
		sink:   &recordingSink{},
		events: &eventLog{},
	}
	f.manager = NewManager(Options{
		Opener: f.opener,
		Worker: WorkerConfig{
			IdleSleep:    time.Millisecond,
			ErrorBackoff: time.Millisecond,
		},
		DisconnectTimeout: time.Second,
		Sinks:             []output.Sink{f.sink},
		OnEvent:           f.events.add,
	}, testLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})
	return f
}

func (f *fixture) state(portID string) LifecycleState {
	s, ok := f.manager.Get(portID)
	if !ok {
		return StateDisconnected
	}
	return s.State
}
