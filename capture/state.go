package capture

import (
	"time"
)

// LifecycleState represents the state of a tracked connection
type LifecycleState int

const (
	StateDisconnected LifecycleState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s LifecycleState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source tells whether a connection owns a local handle or was registered
// by forwarded data
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ConnectionSummary is a point-in-time copy of one registry entry
type ConnectionSummary struct {
	PortID        string         `json:"port"`
	BaudRate      int            `json:"baudrate"`
	OpenedAt      time.Time      `json:"connected_at"`
	LastLine      string         `json:"last_line,omitempty"`
	LineCount     int64          `json:"line_count"`
	LastUpdatedAt *time.Time     `json:"last_update,omitempty"`
	State         LifecycleState `json:"state"`
	SessionID     string         `json:"session_id"`
	Source        Source         `json:"source"`
	BytesRead     int64          `json:"bytes_read"`
	BytesWritten  int64          `json:"bytes_written"`
	LastError     string         `json:"last_error,omitempty"`
}

// Ack acknowledges a successful operation
type Ack struct {
	At time.Time `json:"at"`
}
