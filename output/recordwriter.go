package output

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RecordWriter writes each record to a rotating per-port capture log and
// publishes it to NATS
type RecordWriter struct {
	logBasePath   string
	logMaxSizeMB  int
	logMaxBackups int
	logCompress   bool
	captureLogs   bool

	publisher     Publisher
	subjectPrefix string
	logger        *slog.Logger

	logs map[string]*lumberjack.Logger
	mu   sync.Mutex
}

// RecordWriterConfig contains configuration for RecordWriter
type RecordWriterConfig struct {
	LogBasePath   string // Empty disables capture logs
	LogMaxSizeMB  int
	LogMaxBackups int
	LogCompress   bool
	Publisher     Publisher // nil disables NATS publishing
	SubjectPrefix string
	Logger        *slog.Logger
}

// NewRecordWriter creates a new RecordWriter
func NewRecordWriter(cfg *RecordWriterConfig) *RecordWriter {
	rw := &RecordWriter{
		logBasePath:   cfg.LogBasePath,
		logMaxSizeMB:  cfg.LogMaxSizeMB,
		logMaxBackups: cfg.LogMaxBackups,
		logCompress:   cfg.LogCompress,
		captureLogs:   cfg.LogBasePath != "",
		publisher:     cfg.Publisher,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        cfg.Logger,
		logs:          make(map[string]*lumberjack.Logger),
	}

	cfg.Logger.Info("Initialized record writer",
		"log_path", cfg.LogBasePath,
		"capture_logs", rw.captureLogs,
		"nats_enabled", rw.publisher != nil)

	return rw
}

// LogPath returns the capture log file for a port, or "" when capture
// logs are disabled
func (rw *RecordWriter) LogPath(portID string) string {
	if !rw.captureLogs {
		return ""
	}
	return filepath.Join(rw.logBasePath, SanitizePortID(portID)+".log")
}

func (rw *RecordWriter) logFor(portID string) *lumberjack.Logger {
	if lj, ok := rw.logs[portID]; ok {
		return lj
	}
	lj := &lumberjack.Logger{
		Filename:   rw.LogPath(portID),
		MaxSize:    rw.logMaxSizeMB,
		MaxBackups: rw.logMaxBackups,
		Compress:   rw.logCompress,
	}
	rw.logs[portID] = lj
	return lj
}

// WriteRecord implements Sink. The capture log is the primary output; a
// NATS failure is reported but does not stop the log write.
func (rw *RecordWriter) WriteRecord(rec Record) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	var lastErr error

	if rw.captureLogs {
		line := BuildHeader(rec.PortID, rec.ReceivedAt.UTC()) + rec.Raw + "\n"
		if _, err := io.WriteString(rw.logFor(rec.PortID), line); err != nil {
			rw.logger.Error("Failed to write to capture log",
				"port", rec.PortID,
				"error", err)
			lastErr = err
		}
	}

	if rw.publisher != nil && rw.publisher.IsConnected() {
		subject := RecordSubject(rw.subjectPrefix, rec.PortID, rec.Kind)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := rw.publisher.Publish(subject, data); err != nil {
			rw.logger.Warn("Failed to publish to NATS",
				"port", rec.PortID,
				"subject", subject,
				"error", err)
			if lastErr == nil {
				lastErr = err
			}
		}
	}

	return lastErr
}

// Close closes every capture log
func (rw *RecordWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	var firstErr error
	for portID, lj := range rw.logs {
		if err := lj.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close capture log for %s: %w", portID, err)
		}
	}
	rw.logs = make(map[string]*lumberjack.Logger)
	return firstErr
}

// SanitizePortID turns a port id into a file name: "/dev/ttyUSB0" becomes
// "dev_ttyUSB0", "COM3" stays "COM3"
func SanitizePortID(portID string) string {
	var b strings.Builder
	for _, r := range portID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "port"
	}
	return s
}

// RecordSubject builds the NATS subject for a record:
// {prefix}.records.{port}.{kind}
func RecordSubject(prefix, portID string, kind RecordKind) string {
	if kind == "" {
		kind = KindRaw
	}
	return prefix + ".records." + SanitizePortID(portID) + "." + string(kind)
}
