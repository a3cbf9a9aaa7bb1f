package output

import (
	"time"
)

// RecordKind tells whether a line was decoded into fields
type RecordKind string

const (
	KindStructured RecordKind = "structured"
	KindRaw        RecordKind = "raw"
)

// Record is one ingested line handed to sinks. Records are not retained.
type Record struct {
	PortID     string         `json:"port"`
	Raw        string         `json:"raw"`
	ReceivedAt time.Time      `json:"received_at"`
	Kind       RecordKind     `json:"kind"`
	Fields     map[string]any `json:"fields,omitempty"`
	Source     string         `json:"source,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// Sink consumes ingested records. Implementations must be safe for
// concurrent use; records for one port arrive in order.
type Sink interface {
	WriteRecord(rec Record) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(rec Record) error

// WriteRecord implements Sink
func (f SinkFunc) WriteRecord(rec Record) error {
	return f(rec)
}

// Publisher is the subset of a NATS connection used by the publishers in
// this package
type Publisher interface {
	IsConnected() bool
	Publish(subject string, data []byte) error
}
