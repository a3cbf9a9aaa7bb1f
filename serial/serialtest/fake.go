// Package serialtest provides in-memory serial ports for tests.
package serialtest

import (
	"bytes"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"serialhub/serial"
)

// DefaultFakeReadTimeout is how long a FakePort Read waits for scripted data
const DefaultFakeReadTimeout = 10 * time.Millisecond

type chunk struct {
	data []byte
	err  error
}

// FakePort is a scripted serial.Port. Reads return pushed chunks and
// errors in order, or serial.ErrReadTimeout when nothing is queued.
type FakePort struct {
	device      string
	ReadTimeout time.Duration

	reads   chan chunk
	closeCh chan struct{}

	mu         sync.Mutex
	pending    []byte
	written    bytes.Buffer
	writeErr   error
	closed     bool
	closeCount int
}

// NewFakePort creates an open FakePort for device
func NewFakePort(device string) *FakePort {
	return &FakePort{
		device:      device,
		ReadTimeout: DefaultFakeReadTimeout,
		reads:       make(chan chunk, 1024),
		closeCh:     make(chan struct{}),
	}
}

// PushData queues bytes for Read
func (p *FakePort) PushData(s string) {
	p.reads <- chunk{data: []byte(s)}
}

// PushError queues an error for Read
func (p *FakePort) PushError(err error) {
	p.reads <- chunk{err: err}
}

// SetWriteError makes subsequent writes fail with err (nil clears it)
func (p *FakePort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Read implements serial.Port
func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case <-p.closeCh:
		return 0, serial.ErrPortClosed
	default:
	}

	select {
	case c := <-p.reads:
		if c.err != nil {
			return 0, c.err
		}
		n := copy(b, c.data)
		if n < len(c.data) {
			p.mu.Lock()
			p.pending = append(p.pending, c.data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closeCh:
		return 0, serial.ErrPortClosed
	case <-time.After(p.ReadTimeout):
		return 0, serial.ErrReadTimeout
	}
}

// Write implements serial.Port
func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, serial.ErrPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

// Close implements serial.Port. Blocked reads return serial.ErrPortClosed.
func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCount++
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return nil
}

// Device implements serial.Port
func (p *FakePort) Device() string {
	return p.device
}

// Written returns everything written so far
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Closed reports whether Close was called
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCount returns how many times Close was called
func (p *FakePort) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// OpenCall records one FakeOpener.Open invocation
type OpenCall struct {
	Device   string
	BaudRate int
}

// FakeOpener hands out FakePorts. Unknown devices fail with fs.ErrNotExist.
type FakeOpener struct {
	// Gate, when set, blocks every Open until it is closed or receives
	Gate chan struct{}

	mu    sync.Mutex
	ports map[string]*FakePort
	errs  map[string]error
	calls []OpenCall
}

// NewFakeOpener creates a FakeOpener that knows the given devices
func NewFakeOpener(devices ...string) *FakeOpener {
	o := &FakeOpener{
		ports: make(map[string]*FakePort),
		errs:  make(map[string]error),
	}
	for _, d := range devices {
		o.ports[d] = NewFakePort(d)
	}
	return o
}

// Port returns the current FakePort for device, creating it if needed
func (o *FakeOpener) Port(device string) *FakePort {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.ports[device]
	if !ok {
		p = NewFakePort(device)
		o.ports[device] = p
	}
	return p
}

// FailWith makes Open(device) fail with err (nil clears it)
func (o *FakeOpener) FailWith(device string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err == nil {
		delete(o.errs, device)
		return
	}
	o.errs[device] = err
}

// Open implements serial.Opener. A closed port is replaced by a fresh one
// so a device can be reconnected.
func (o *FakeOpener) Open(device string, baudRate int) (serial.Port, error) {
	if o.Gate != nil {
		<-o.Gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, OpenCall{Device: device, BaudRate: baudRate})

	if err, ok := o.errs[device]; ok {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}

	p, ok := o.ports[device]
	if !ok {
		return nil, fmt.Errorf("failed to open %s: %w", device, fs.ErrNotExist)
	}
	if p.Closed() {
		p = NewFakePort(device)
		o.ports[device] = p
	}
	return p, nil
}

// Calls returns every Open invocation so far
func (o *FakeOpener) Calls() []OpenCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OpenCall(nil), o.calls...)
}

// FakeLister scripts enumerator results. Each call consumes one scripted
// result; the last one repeats.
type FakeLister struct {
	mu      sync.Mutex
	results []listResult
	calls   int
}

type listResult struct {
	details []*enumerator.PortDetails
	err     error
	panic   bool
}

// Return queues a successful result
func (l *FakeLister) Return(details ...*enumerator.PortDetails) *FakeLister {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, listResult{details: details})
	return l
}

// Fail queues a failing result
func (l *FakeLister) Fail(err error) *FakeLister {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, listResult{err: err})
	return l
}

// Panic queues a call that panics
func (l *FakeLister) Panic() *FakeLister {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, listResult{panic: true})
	return l
}

// List matches serial.ListFunc
func (l *FakeLister) List() ([]*enumerator.PortDetails, error) {
	l.mu.Lock()
	idx := l.calls
	l.calls++
	if idx >= len(l.results) {
		idx = len(l.results) - 1
	}
	var res listResult
	if idx >= 0 {
		res = l.results[idx]
	}
	l.mu.Unlock()

	if res.panic {
		panic("enumeration exploded")
	}
	return res.details, res.err
}

// Calls returns how many times List ran
func (l *FakeLister) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// USB builds PortDetails for a USB adapter
func USB(name, vid, pid, serialNumber, product string) *enumerator.PortDetails {
	return &enumerator.PortDetails{
		Name:         name,
		IsUSB:        true,
		VID:          vid,
		PID:          pid,
		SerialNumber: serialNumber,
		Product:      product,
	}
}

// Native builds PortDetails for an on-board port
func Native(name string) *enumerator.PortDetails {
	return &enumerator.PortDetails{Name: name}
}
