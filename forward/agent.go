package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"serialhub/capture"
	"serialhub/serial"
)

// Agent defaults
const (
	DefaultQueueSize   = 1024
	DefaultPostTimeout = 5 * time.Second
	stopWait           = 2 * time.Second
)

// Agent reads lines from a local serial port and posts each one to a
// remote /api/forward-serial endpoint.
type Agent struct {
	device    string
	baudRate  int
	portName  string
	remoteURL string
	token     string
	opener    serial.Opener
	workerCfg capture.WorkerConfig
	client    *http.Client
	logger    *slog.Logger

	queue chan string

	connected atomic.Bool
	forwarded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// AgentConfig configures an Agent
type AgentConfig struct {
	Device    string
	BaudRate  int
	PortName  string // Port name sent upstream, defaults to Device
	RemoteURL string // e.g. http://hub:8080/api/forward-serial
	Token     string
	Opener    serial.Opener // Defaults to serial.RealOpener
	Worker    capture.WorkerConfig
	Client    *http.Client
	QueueSize int
	Logger    *slog.Logger
}

// Stats reports forwarding activity
type Stats struct {
	Enabled   bool  `json:"enabled"`
	Connected bool  `json:"connected"`
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// NewAgent creates an Agent
func NewAgent(cfg *AgentConfig) *Agent {
	portName := cfg.PortName
	if portName == "" {
		portName = cfg.Device
	}
	opener := cfg.Opener
	if opener == nil {
		opener = serial.RealOpener{}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultPostTimeout}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Agent{
		device:    cfg.Device,
		baudRate:  cfg.BaudRate,
		portName:  portName,
		remoteURL: cfg.RemoteURL,
		token:     cfg.Token,
		opener:    opener,
		workerCfg: cfg.Worker,
		client:    client,
		logger:    cfg.Logger.With("component", "agent", "device", cfg.Device),
		queue:     make(chan string, queueSize),
	}
}

// Run forwards lines until ctx is cancelled or the port fails
func (a *Agent) Run(ctx context.Context) error {
	port, err := a.opener.Open(a.device, a.baudRate)
	if err != nil {
		return fmt.Errorf("failed to open %s: %s: %w", a.device, serial.OpenFailureReason(err), err)
	}
	defer port.Close()

	faultCh := make(chan error, 1)
	worker := capture.NewReadWorker(port, a.workerCfg, a.enqueue, func(err error) {
		faultCh <- err
	}, a.logger)

	sendCtx, stopSend := context.WithCancel(context.Background())
	defer stopSend()
	sendDone := make(chan struct{})
	go a.sendLoop(sendCtx, sendDone)

	worker.Start()
	a.logger.Info("Forwarding serial lines",
		"baud", a.baudRate,
		"remote", a.remoteURL)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-faultCh:
		runErr = fmt.Errorf("serial read failed: %w", err)
	}

	worker.Stop()
	if !worker.Wait(stopWait) {
		a.logger.Warn("Reader did not stop in time")
	}
	// Cancels an in-flight POST too
	stopSend()
	<-sendDone

	a.logger.Info("Agent stopped")
	return runErr
}

func (a *Agent) enqueue(line string, _ time.Time) {
	select {
	case a.queue <- line:
	default:
		a.dropped.Add(1)
		a.logger.Warn("Forward queue full, dropping line")
	}
}

func (a *Agent) sendLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			if n := len(a.queue); n > 0 {
				a.logger.Warn("Discarding unsent lines", "count", n)
			}
			return
		case line := <-a.queue:
			if err := a.post(ctx, line); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.connected.Store(false)
				a.failed.Add(1)
				a.logger.Warn("Failed to forward line", "error", err)
				continue
			}
			a.connected.Store(true)
			a.forwarded.Add(1)
			a.logger.Debug("Forwarded line", "bytes", len(line))
		}
	}
}

func (a *Agent) post(ctx context.Context, line string) error {
	body, err := json.Marshal(capture.ForwardRequest{Port: a.portName, Data: line})
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.remoteURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(capture.TokenHeader, a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Stats returns forwarding statistics
func (a *Agent) Stats() Stats {
	return Stats{
		Enabled:   true,
		Connected: a.connected.Load(),
		Forwarded: a.forwarded.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
	}
}
