package serial

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds a single Read so reader loops can observe stop
// requests between reads.
const DefaultReadTimeout = 500 * time.Millisecond

// Port is an open serial connection
type Port interface {
	io.Reader
	io.Writer
	io.Closer
	Device() string
}

// Opener opens serial ports. Connections are always 8N1 without flow control.
type Opener interface {
	Open(device string, baudRate int) (Port, error)
}

// RealOpener opens ports using go.bug.st/serial
type RealOpener struct {
	ReadTimeout time.Duration
}

// Open implements Opener
func (o RealOpener) Open(device string, baudRate int) (Port, error) {
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return OpenRealPort(device, baudRate, timeout)
}

// RealPort implements Port using go.bug.st/serial
type RealPort struct {
	device string
	port   serial.Port
	closed bool
	mu     sync.Mutex
}

// OpenRealPort opens device at baudRate with 8N1 framing
func OpenRealPort(device string, baudRate int, readTimeout time.Duration) (*RealPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &RealPort{
		device: device,
		port:   port,
	}, nil
}

// Read implements io.Reader. An expired read timeout with no data is
// reported as ErrReadTimeout.
func (r *RealPort) Read(p []byte) (int, error) {
	r.mu.Lock()
	port, closed := r.port, r.closed
	r.mu.Unlock()

	if closed {
		return 0, ErrPortClosed
	}

	n, err := port.Read(p)
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	return n, err
}

// Write implements io.Writer. Writes and Close are serialized.
func (r *RealPort) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrPortClosed
	}
	return r.port.Write(p)
}

// Close implements io.Closer. A Read blocked in another goroutine returns
// once the port is closed.
func (r *RealPort) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.port.Close()
}

// ResetInputBuffer discards unread input
func (r *RealPort) ResetInputBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrPortClosed
	}
	return r.port.ResetInputBuffer()
}

// Device returns the device path
func (r *RealPort) Device() string {
	return r.device
}

// CountingPort wraps a Port to track traffic statistics
type CountingPort struct {
	port         Port
	bytesRead    int64
	bytesWritten int64
	errors       int64
	mu           sync.RWMutex
}

// NewCountingPort creates a new CountingPort
func NewCountingPort(port Port) *CountingPort {
	return &CountingPort{
		port: port,
	}
}

// Read implements io.Reader and tracks bytes read
func (c *CountingPort) Read(p []byte) (n int, err error) {
	n, err = c.port.Read(p)

	c.mu.Lock()
	c.bytesRead += int64(n)
	if err != nil && !IsTimeout(err) {
		c.errors++
	}
	c.mu.Unlock()

	return n, err
}

// Write implements io.Writer and tracks bytes written
func (c *CountingPort) Write(p []byte) (n int, err error) {
	n, err = c.port.Write(p)

	c.mu.Lock()
	c.bytesWritten += int64(n)
	if err != nil {
		c.errors++
	}
	c.mu.Unlock()

	return n, err
}

// Close implements io.Closer
func (c *CountingPort) Close() error {
	return c.port.Close()
}

// Device returns the device path
func (c *CountingPort) Device() string {
	return c.port.Device()
}

// Stats returns current statistics
func (c *CountingPort) Stats() (bytesRead, bytesWritten, errors int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesRead, c.bytesWritten, c.errors
}
