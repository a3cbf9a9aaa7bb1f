package output

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func TestHealthMessageJSON(t *testing.T) {
	msg := HealthMessage{
		Version:       1,
		Timestamp:     "2025-12-05T18:30:00Z",
		InstanceID:    "lab-01",
		UptimeSec:     86400,
		NATSConnected: true,
		Connections: []ConnectionHealth{
			{
				Port:        "/dev/ttyUSB0",
				State:       "open",
				Source:      "local",
				BaudRate:    9600,
				BytesRead:   1234567,
				LinesRead:   5432,
				LastLineAgo: 5,
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var parsed HealthMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if parsed.Version != 1 {
		t.Errorf("Version = %d, want 1", parsed.Version)
	}
	if parsed.InstanceID != "lab-01" {
		t.Errorf("InstanceID = %q, want %q", parsed.InstanceID, "lab-01")
	}
	if len(parsed.Connections) != 1 {
		t.Errorf("len(Connections) = %d, want 1", len(parsed.Connections))
	}

	for _, field := range []string{`"baud"`, `"src"`, `"last_line_ago_sec"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("JSON %s missing field %s", data, field)
		}
	}
}

func TestBuildHealthSubject(t *testing.T) {
	tests := []struct {
		prefix     string
		instanceID string
		want       string
	}{
		{"serialhub", "lab-01", "serialhub.health.lab-01"},
		{"site.serial", "lab-02", "site.health.lab-02"},
		{"a.b.c", "x", "a.health.x"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := BuildHealthSubject(tt.prefix, tt.instanceID)
			if got != tt.want {
				t.Errorf("BuildHealthSubject(%q, %q) = %q, want %q",
					tt.prefix, tt.instanceID, got, tt.want)
			}
		})
	}
}

func TestHealthPublisherPublishes(t *testing.T) {
	pub := newMockPublisher()
	h := NewHealthPublisher(&HealthPublisherConfig{
		Conn:       pub,
		Subject:    "serialhub.health.test",
		InstanceID: "test",
		Interval:   time.Hour,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		StatsFunc: func() HealthStats {
			return HealthStats{
				NATSConnected: true,
				Connections:   []ConnectionHealth{{Port: "COM3", State: "open", LastLineAgo: -1}},
			}
		},
	})

	h.Start()
	h.Stop()

	// One heartbeat on start, one on stop
	if pub.count() != 2 {
		t.Fatalf("published %d heartbeats, want 2", pub.count())
	}
	if pub.subjects[0] != "serialhub.health.test" {
		t.Errorf("subject = %q", pub.subjects[0])
	}

	var msg HealthMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("heartbeat is not JSON: %v", err)
	}
	if len(msg.Connections) != 1 || msg.Connections[0].Port != "COM3" {
		t.Errorf("Connections = %+v", msg.Connections)
	}
}

func TestHealthPublisherSkipsWhenDisconnected(t *testing.T) {
	pub := newMockPublisher()
	pub.connected = false
	called := false

	h := NewHealthPublisher(&HealthPublisherConfig{
		Conn:     pub,
		Subject:  "serialhub.health.test",
		Interval: time.Hour,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		StatsFunc: func() HealthStats {
			called = true
			return HealthStats{}
		},
	})
	h.Start()
	h.Stop()

	if pub.count() != 0 {
		t.Errorf("published %d heartbeats while disconnected", pub.count())
	}
	if called {
		t.Error("stats should not be gathered while disconnected")
	}
}

func TestTally(t *testing.T) {
	conns := []ConnectionHealth{
		{Port: "COM3", State: "open", Source: "local", LinesRead: 10, LastLineAgo: 2},
		{Port: "COM4", State: "open", Source: "local", LastLineAgo: -1},
		{Port: "COM5", State: "open", Source: "remote", LinesRead: 5, LastLineAgo: 600},
		{Port: "/dev/ttyUSB0", State: "faulted", Source: "local", LinesRead: 1, LastLineAgo: 900},
		{Port: "COM6", State: "closing", Source: "local"},
	}

	got := Tally(conns, 5*time.Minute)
	want := ConnectionTotals{Open: 3, Faulted: 1, Remote: 1, Silent: 2, Lines: 16}
	if got != want {
		t.Errorf("Tally() = %+v, want %+v", got, want)
	}

	if empty := Tally(nil, time.Minute); empty != (ConnectionTotals{}) {
		t.Errorf("Tally(nil) = %+v, want zero", empty)
	}
}

func TestHealthPublisherReportsTotals(t *testing.T) {
	pub := newMockPublisher()
	h := NewHealthPublisher(&HealthPublisherConfig{
		Conn:        pub,
		Subject:     "serialhub.health.test",
		Interval:    time.Hour,
		SilentAfter: time.Minute,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		StatsFunc: func() HealthStats {
			return HealthStats{
				NATSConnected: true,
				Connections: []ConnectionHealth{
					{Port: "COM3", State: "open", Source: "remote", LinesRead: 4, LastLineAgo: 120},
					{Port: "COM4", State: "faulted", Source: "local", LastLineAgo: -1},
				},
			}
		},
	})
	h.Start()
	h.Stop()

	if pub.count() == 0 {
		t.Fatal("no heartbeat published")
	}
	var msg HealthMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("heartbeat is not JSON: %v", err)
	}
	want := ConnectionTotals{Open: 1, Faulted: 1, Remote: 1, Silent: 1, Lines: 4}
	if msg.Totals != want {
		t.Errorf("Totals = %+v, want %+v", msg.Totals, want)
	}
	if !strings.Contains(string(pub.payloads[0]), `"totals":{"open":1,"faulted":1,"remote":1,"silent":1,"lines":4}`) {
		t.Errorf("unexpected totals encoding in %s", pub.payloads[0])
	}
}
