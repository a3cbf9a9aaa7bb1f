// Package scanner periodically enumerates serial ports in the background
// and keeps the latest snapshot for presentation callers.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"serialhub/serial"
)

// DefaultInterval is the time between scan cycles
const DefaultInterval = 5 * time.Second

// Scan cycle results passed to Config.OnCycle
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

const snapshotKey = "ports"

// Lister enumerates ports. *serial.Enumerator satisfies it.
type Lister interface {
	List(ctx context.Context) ([]serial.PortDescriptor, error)
}

// Config configures a Scanner
type Config struct {
	Interval   time.Duration
	OnSnapshot func(ports []serial.PortDescriptor) // Called after each successful cycle
	OnCycle    func(result string)                 // Called after every cycle
}

// Stats summarizes scanner activity
type Stats struct {
	Cycles      int64     `json:"cycles"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
}

type snapshot struct {
	ports   []serial.PortDescriptor
	takenAt time.Time
}

// Scanner runs port enumeration on a ticker. A failing cycle keeps the
// previous snapshot; the snapshot goes stale after three missed intervals.
type Scanner struct {
	lister     Lister
	interval   time.Duration
	onSnapshot func([]serial.PortDescriptor)
	onCycle    func(string)
	logger     *slog.Logger

	fresh *cache.Cache

	mu        sync.RWMutex
	last      snapshot
	lastError string
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	cycles   atomic.Int64
	failures atomic.Int64
}

// New creates a Scanner
func New(lister Lister, cfg Config, logger *slog.Logger) *Scanner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Scanner{
		lister:     lister,
		interval:   interval,
		onSnapshot: cfg.OnSnapshot,
		onCycle:    cfg.OnCycle,
		logger:     logger.With("component", "scanner"),
		fresh:      cache.New(3*interval, 0),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the scan loop. The first cycle runs immediately. Calling
// Start more than once has no effect.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	go s.run()
	s.logger.Info("Scanner started", "interval", s.interval)
}

// Stop signals the loop and waits up to timeout for it to exit, reporting
// whether it did
func (s *Scanner) Stop(timeout time.Duration) bool {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if !started {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.doneCh:
		s.logger.Info("Scanner stopped")
		return true
	case <-timer.C:
		s.logger.Warn("Scanner did not stop in time", "timeout", timeout)
		return false
	}
}

func (s *Scanner) run() {
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.ScanNow(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ScanNow(ctx)
		}
	}
}

// ScanNow runs one cycle inline. Failures are logged and returned; the
// previous snapshot is kept.
func (s *Scanner) ScanNow(ctx context.Context) (err error) {
	s.cycles.Add(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
		if err != nil {
			s.failures.Add(1)
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
			s.logger.Warn("Port scan failed", "error", err)
			s.cycleDone(ResultFailure)
		}
	}()

	ports, err := s.lister.List(ctx)
	if err != nil {
		return err
	}

	snap := snapshot{ports: ports, takenAt: time.Now()}
	s.mu.Lock()
	s.last = snap
	s.lastError = ""
	s.mu.Unlock()
	s.fresh.Set(snapshotKey, snap, cache.DefaultExpiration)

	s.logger.Debug("Port scan complete", "ports", len(ports))

	if s.onSnapshot != nil {
		s.onSnapshot(ports)
	}
	s.cycleDone(ResultSuccess)
	return nil
}

func (s *Scanner) cycleDone(result string) {
	if s.onCycle != nil {
		s.onCycle(result)
	}
}

// Snapshot returns the latest ports, when they were taken and whether
// they are still fresh. Before the first successful cycle it returns nil
// and a zero time.
func (s *Scanner) Snapshot() ([]serial.PortDescriptor, time.Time, bool) {
	if v, ok := s.fresh.Get(snapshotKey); ok {
		snap := v.(snapshot)
		return append([]serial.PortDescriptor(nil), snap.ports...), snap.takenAt, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]serial.PortDescriptor(nil), s.last.ports...), s.last.takenAt, false
}

// Stats returns scanner counters
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Cycles:      s.cycles.Load(),
		Failures:    s.failures.Load(),
		LastError:   s.lastError,
		LastSuccess: s.last.takenAt,
	}
}
