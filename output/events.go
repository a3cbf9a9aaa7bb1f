package output

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types - these are the discrete events we publish
const (
	EventServiceStart     = "service_start"
	EventServiceStop      = "service_stop"
	EventUncleanShutdown  = "unclean_shutdown" // Previous run didn't stop cleanly (power loss, crash, reboot)
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventFaulted          = "faulted"
	EventRemoteRegistered = "remote_registered"
	EventBaudDetected     = "baud_detected"
	EventError            = "error"
)

// Event is the base structure for all events published to NATS.
// Keep it simple and flat for easy querying.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance"`
	Port       string         `json:"port,omitempty"`
	Session    string         `json:"session,omitempty"`
	Message    string         `json:"msg,omitempty"`     // Human-readable message
	Details    map[string]any `json:"details,omitempty"` // Optional extra data
}

// EventCallback is the function signature for event handlers.
// The connection manager calls this when events occur; it doesn't know about NATS.
type EventCallback func(event Event)

// jetStreamer is implemented by connections that expose JetStream
type jetStreamer interface {
	JetStream() (nats.JetStreamContext, error)
}

// EventPublisher publishes discrete events to NATS.
// It's designed to be optional - if nil, nothing breaks.
type EventPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	logger     *slog.Logger
}

// EventPublisherConfig contains configuration for EventPublisher
type EventPublisherConfig struct {
	Conn       Publisher
	Subject    string // e.g., "serialhub.events.lab-01"
	InstanceID string
	Logger     *slog.Logger
}

// NewEventPublisher creates a new EventPublisher.
// Returns nil if conn is nil (disabled mode).
func NewEventPublisher(cfg *EventPublisherConfig) *EventPublisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	return &EventPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger,
	}
}

// Publish sends an event to NATS. Safe to call on nil receiver.
func (e *EventPublisher) Publish(event Event) {
	if e == nil || e.conn == nil || !e.conn.IsConnected() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.InstanceID == "" {
		event.InstanceID = e.instanceID
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "error", err, "type", event.Type)
		return
	}

	e.logger.Debug("Published event",
		"type", event.Type,
		"port", event.Port,
		"message", event.Message)
}

// PublishServiceStart publishes a service start event
func (e *EventPublisher) PublishServiceStart(version string) {
	e.Publish(Event{
		Type:    EventServiceStart,
		Message: "SerialHub service started",
		Details: map[string]any{"version": version},
	})
}

// PublishServiceStop publishes a service stop event
func (e *EventPublisher) PublishServiceStop(reason string) {
	e.Publish(Event{
		Type:    EventServiceStop,
		Message: "SerialHub service stopping",
		Details: map[string]any{"reason": reason},
	})
}

// BuildEventsSubject constructs the events subject: {first prefix segment}.events.{instance}
func BuildEventsSubject(subjectPrefix, instanceID string) string {
	return firstSegment(subjectPrefix) + ".events." + instanceID
}

func firstSegment(subjectPrefix string) string {
	if i := strings.IndexByte(subjectPrefix, '.'); i >= 0 {
		return subjectPrefix[:i]
	}
	return subjectPrefix
}

// CheckAndPublishUncleanShutdown checks if the previous run ended without a service_stop event.
// If so, it publishes an unclean_shutdown event. Call this right after creating the EventPublisher.
func (e *EventPublisher) CheckAndPublishUncleanShutdown() {
	if e == nil || e.conn == nil {
		return
	}

	jsConn, ok := e.conn.(jetStreamer)
	if !ok {
		return
	}
	js, err := jsConn.JetStream()
	if err != nil {
		e.logger.Debug("JetStream not available for unclean shutdown check", "error", err)
		return
	}

	// Get the last message for our subject from the events stream
	sub, err := js.PullSubscribe(
		e.subject,
		"",
		nats.DeliverLast(),
		nats.BindStream("events"),
	)
	if err != nil {
		e.logger.Debug("Could not subscribe to check last event", "error", err)
		return
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
	if err != nil || len(msgs) == 0 {
		e.logger.Debug("No previous events found - clean start")
		return
	}

	var lastEvent Event
	if err := json.Unmarshal(msgs[0].Data, &lastEvent); err != nil {
		e.logger.Debug("Could not parse last event", "error", err)
		msgs[0].Ack()
		return
	}
	msgs[0].Ack()

	if lastEvent.Type == EventServiceStop {
		e.logger.Debug("Previous run ended cleanly")
		return
	}

	e.logger.Warn("Previous run did not shut down cleanly",
		"last_event_type", lastEvent.Type,
		"last_event_time", lastEvent.Timestamp)

	e.Publish(Event{
		Type:    EventUncleanShutdown,
		Message: "Previous run ended unexpectedly (power loss, crash, or system reboot)",
		Details: map[string]any{
			"last_event_type": lastEvent.Type,
			"last_event_time": lastEvent.Timestamp,
		},
	})
}
