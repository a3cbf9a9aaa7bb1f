package output

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// HealthPublisher publishes a heartbeat with the state of every serial
// connection to NATS.
type HealthPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	startTime  time.Time
	interval   time.Duration
	logger     *slog.Logger

	silentAfter time.Duration
	statsFunc   func() HealthStats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HealthStats is supplied by the connection manager on every heartbeat
type HealthStats struct {
	NATSConnected bool
	Connections   []ConnectionHealth
}

// ConnectionHealth contains per-connection health data
type ConnectionHealth struct {
	Port        string `json:"port"`
	State       string `json:"state"`
	Source      string `json:"src"`
	BaudRate    int    `json:"baud"`
	BytesRead   int64  `json:"bytes"`
	LinesRead   int64  `json:"lines"`
	LastLineAgo int64  `json:"last_line_ago_sec"` // Seconds since last line, -1 if never
}

// HealthMessage is the JSON payload published to NATS
type HealthMessage struct {
	Version       int                `json:"v"`
	Timestamp     string             `json:"ts"`
	InstanceID    string             `json:"instance_id"`
	UptimeSec     int64              `json:"uptime_sec"`
	NATSConnected bool               `json:"nats_connected"`
	Totals        ConnectionTotals   `json:"totals"`
	Connections   []ConnectionHealth `json:"connections"`
}

// ConnectionTotals summarises the connection table so alerting does not
// have to walk Connections
type ConnectionTotals struct {
	Open    int `json:"open"`
	Faulted int `json:"faulted"`
	Remote  int `json:"remote"`
	// Open connections with no line for longer than the silence threshold,
	// including ports that never produced one
	Silent int   `json:"silent"`
	Lines  int64 `json:"lines"`
}

// Tally counts connections by state and source. Connections whose last
// line is older than silentAfter seconds count as silent.
func Tally(conns []ConnectionHealth, silentAfter time.Duration) ConnectionTotals {
	var t ConnectionTotals
	limit := int64(silentAfter.Seconds())
	for _, c := range conns {
		switch c.State {
		case "open":
			t.Open++
			if c.LastLineAgo < 0 || c.LastLineAgo > limit {
				t.Silent++
			}
		case "faulted":
			t.Faulted++
		}
		if c.Source == "remote" {
			t.Remote++
		}
		t.Lines += c.LinesRead
	}
	return t
}

// HealthPublisherConfig contains configuration for HealthPublisher
type HealthPublisherConfig struct {
	Conn       Publisher
	Subject    string        // e.g., "serialhub.health.lab-01"
	InstanceID string        // e.g., "lab-01"
	Interval   time.Duration // How often to publish (default 60s)

	// SilentAfter marks an open connection silent (default 5m)
	SilentAfter time.Duration
	Logger      *slog.Logger
	StatsFunc   func() HealthStats
}

// NewHealthPublisher creates a new HealthPublisher
func NewHealthPublisher(cfg *HealthPublisherConfig) *HealthPublisher {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	silentAfter := cfg.SilentAfter
	if silentAfter == 0 {
		silentAfter = 5 * time.Minute
	}

	return &HealthPublisher{
		conn:        cfg.Conn,
		subject:     cfg.Subject,
		instanceID:  cfg.InstanceID,
		startTime:   time.Now(),
		interval:    interval,
		logger:      cfg.Logger,
		silentAfter: silentAfter,
		statsFunc:   cfg.StatsFunc,
		stopCh:      make(chan struct{}),
	}
}

// Start begins publishing health heartbeats
func (h *HealthPublisher) Start() {
	h.wg.Add(1)
	go h.publishLoop()
	h.logger.Info("Health publisher started",
		"subject", h.subject,
		"interval", h.interval)
}

// Stop stops the health publisher
func (h *HealthPublisher) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.logger.Info("Health publisher stopped")
}

func (h *HealthPublisher) publishLoop() {
	defer h.wg.Done()

	// Publish immediately on start
	h.publish()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			// Publish final message before stopping
			h.publish()
			return
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *HealthPublisher) publish() {
	if h.conn == nil || !h.conn.IsConnected() {
		h.logger.Debug("Skipping health publish - NATS not connected")
		return
	}

	stats := h.statsFunc()

	msg := HealthMessage{
		Version:       1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		InstanceID:    h.instanceID,
		UptimeSec:     int64(time.Since(h.startTime).Seconds()),
		NATSConnected: stats.NATSConnected,
		Totals:        Tally(stats.Connections, h.silentAfter),
		Connections:   stats.Connections,
	}
	if msg.Connections == nil {
		msg.Connections = []ConnectionHealth{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal health message", "error", err)
		return
	}

	if err := h.conn.Publish(h.subject, data); err != nil {
		h.logger.Warn("Failed to publish health message", "error", err)
		return
	}

	h.logger.Debug("Published health heartbeat",
		"subject", h.subject,
		"uptime_sec", msg.UptimeSec,
		"open", msg.Totals.Open,
		"faulted", msg.Totals.Faulted,
		"silent", msg.Totals.Silent)
	if msg.Totals.Faulted > 0 {
		h.logger.Warn("Faulted connections reported in heartbeat", "count", msg.Totals.Faulted)
	}
}

// BuildHealthSubject constructs the health subject: {first prefix segment}.health.{instance}
func BuildHealthSubject(subjectPrefix, instanceID string) string {
	return firstSegment(subjectPrefix) + ".health." + instanceID
}
