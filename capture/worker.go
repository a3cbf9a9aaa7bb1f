package capture

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"serialhub/serial"
)

// WorkerState represents the state of a ReadWorker
type WorkerState int32

const (
	WorkerRunning WorkerState = iota
	WorkerStopping
	WorkerFaulted
	WorkerStopped
)

// Buffer sizes for line reading
const (
	// ReadChunkSize is how much a single port read asks for
	ReadChunkSize = 4096

	// MaxLineBufferSize is the longest partial line kept before it is
	// delivered as-is without a terminator
	MaxLineBufferSize = 1024 * 1024 // 1MB
)

// Worker defaults
const (
	DefaultIdleSleep            = 50 * time.Millisecond
	DefaultErrorBackoff         = time.Second
	DefaultMaxConsecutiveErrors = 5
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerFaulted:
		return "faulted"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerConfig tunes the read loop
type WorkerConfig struct {
	IdleSleep            time.Duration // Pause after a read that returned no data
	ErrorBackoff         time.Duration // Pause after a transient read error
	MaxConsecutiveErrors int           // Transient errors in a row before faulting
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	return c
}

// LineFunc receives each complete line in arrival order
type LineFunc func(line string, receivedAt time.Time)

// FaultFunc is called once when the worker gives up on its port
type FaultFunc func(err error)

// ReadWorker reads one port on its own goroutine and splits the byte
// stream into lines. It never closes the port.
type ReadWorker struct {
	port    serial.Port
	cfg     WorkerConfig
	onLine  LineFunc
	onFault FaultFunc
	now     func() time.Time

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	partial []byte
	logger  *slog.Logger
}

// NewReadWorker creates a worker for port. onFault may be nil.
func NewReadWorker(port serial.Port, cfg WorkerConfig, onLine LineFunc, onFault FaultFunc, logger *slog.Logger) *ReadWorker {
	w := &ReadWorker{
		port:    port,
		cfg:     cfg.withDefaults(),
		onLine:  onLine,
		onFault: onFault,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
	}
	w.state.Store(int32(WorkerRunning))
	return w
}

// Start launches the read loop. Calling it more than once has no effect.
func (w *ReadWorker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop asks the read loop to exit. It does not wait.
func (w *ReadWorker) Stop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopping))
		close(w.stopCh)
	})
}

// Wait blocks until the loop exits or timeout passes, reporting whether
// it exited.
func (w *ReadWorker) Wait(timeout time.Duration) bool {
	if !w.started.Load() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// State returns the current worker state
func (w *ReadWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *ReadWorker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or a stop request, reporting whether it slept fully
func (w *ReadWorker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *ReadWorker) run() {
	defer close(w.doneCh)

	buf := make([]byte, ReadChunkSize)
	consecutiveErrors := 0

	for {
		if w.stopRequested() {
			w.finish()
			return
		}

		n, err := w.port.Read(buf)
		if n > 0 {
			consecutiveErrors = 0
			w.feed(buf[:n], w.now())
		}

		// A read failing because we are being torn down is not a fault
		if w.stopRequested() {
			w.finish()
			return
		}

		switch {
		case err == nil:
			if n == 0 && !w.sleep(w.cfg.IdleSleep) {
				w.finish()
				return
			}

		case serial.IsTimeout(err):
			continue

		case serial.IsVanished(err):
			w.logger.Warn("Device vanished", "device", w.port.Device(), "error", err)
			w.fault(err)
			return

		default:
			consecutiveErrors++
			w.logger.Warn("Read error",
				"device", w.port.Device(),
				"error", err,
				"consecutive_errors", consecutiveErrors)

			if consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
				w.fault(err)
				return
			}
			if !w.sleep(w.cfg.ErrorBackoff) {
				w.finish()
				return
			}
		}
	}
}

func (w *ReadWorker) finish() {
	w.state.CompareAndSwap(int32(WorkerStopping), int32(WorkerStopped))
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopped))
}

func (w *ReadWorker) fault(err error) {
	// The device is gone, so a trailing partial line will never complete
	if len(w.partial) > 0 {
		w.logger.Warn("Delivering unterminated line before fault",
			"device", w.port.Device(),
			"bytes", len(w.partial))
		w.deliver(w.partial, w.now())
		w.partial = nil
	}
	w.state.Store(int32(WorkerFaulted))
	if w.onFault != nil {
		w.onFault(err)
	}
}

// feed appends data to the partial line and delivers every complete line
func (w *ReadWorker) feed(data []byte, receivedAt time.Time) {
	w.partial = append(w.partial, data...)

	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.deliver(w.partial[:idx], receivedAt)
		w.partial = w.partial[idx+1:]
	}

	if len(w.partial) >= MaxLineBufferSize {
		w.logger.Warn("Line exceeds maximum length, delivering unterminated",
			"device", w.port.Device(),
			"bytes", len(w.partial))
		w.deliver(w.partial, receivedAt)
		w.partial = nil
	}

	// Release the backing array once drained
	if len(w.partial) == 0 {
		w.partial = nil
	}
}

func (w *ReadWorker) deliver(raw []byte, receivedAt time.Time) {
	line := strings.TrimRight(string(raw), "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.onLine(line, receivedAt)
}
