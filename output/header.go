package output

import (
	"fmt"
	"time"
)

// BuildHeader constructs a capture log header: [PORT][YYYY-MM-DD HH:MM:SS.mmm]
func BuildHeader(portID string, timestamp time.Time) string {
	// Format: [/dev/ttyUSB0][2025-12-03 15:04:05.123]
	return fmt.Sprintf("[%s][%s] ", portID, FormatTimestamp(timestamp))
}

// FormatTimestamp formats a timestamp in the required format with milliseconds
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000")
}
