package monitoring

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"serialhub/capture"
	"serialhub/config"
	"serialhub/serial"
)

const (
	defaultFeedCount = 50
	maxFeedCount     = 200
)

// PortSource lists and probes serial ports. *serial.Enumerator satisfies it.
type PortSource interface {
	Enumerate(ctx context.Context) []serial.PortDescriptor
	Probe(id string) serial.Availability
}

// SnapshotSource returns the scanner's latest port list. *scanner.Scanner
// satisfies it.
type SnapshotSource interface {
	Snapshot() ([]serial.PortDescriptor, time.Time, bool)
}

// LogLocator maps a port to its capture log. *output.RecordWriter
// satisfies it.
type LogLocator interface {
	LogPath(portID string) string
}

// ForwardStatsSource reports forwarding counters. *capture.ForwardHandler
// satisfies it.
type ForwardStatsSource interface {
	GetStats() capture.ForwardStats
}

// Options holds the collaborators served by the HTTP API. Scanner, Logs
// and Metrics may be nil.
type Options struct {
	Manager *capture.Manager
	Ports   PortSource
	Scanner SnapshotSource
	Forward http.Handler
	Logs    LogLocator
	Metrics http.Handler
	Broker  *SSEBroker
}

// Server provides the HTTP API
type Server struct {
	config  *config.MonitoringConfig
	opts    Options
	logger  *slog.Logger
	server  *http.Server
	handler http.Handler
	broker  *SSEBroker
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new API server and starts its SSE broker
func NewServer(cfg *config.MonitoringConfig, opts Options, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	broker := opts.Broker
	if broker == nil {
		broker = NewSSEBroker()
	}

	s := &Server{
		config: cfg,
		opts:   opts,
		logger: logger.With("component", "api"),
		broker: broker,
		ctx:    ctx,
		cancel: cancel,
	}
	s.handler = s.routes()

	go broker.Run(ctx)

	return s
}

// Handler returns the routed handler, including basic auth when configured
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/ports/probe", s.handleProbe)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/stream", s.handleSSE)
	mux.HandleFunc("/api/feed", s.handleFeed)

	noAuthPaths := make(map[string]bool)
	if s.opts.Forward != nil {
		mux.Handle("/api/forward-serial", s.opts.Forward)
		noAuthPaths["/api/forward-serial"] = true
	}
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
		noAuthPaths["/metrics"] = true
	}

	if s.config.Username != "" && s.config.Password != "" {
		s.logger.Info("Basic auth enabled (forwarding and metrics excluded)")
		return s.selectiveAuth(mux, noAuthPaths)
	}
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("Starting API server", "port", s.config.Port)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// selectiveAuth applies basic auth except for noAuthPaths
func (s *Server) selectiveAuth(next http.Handler, noAuthPaths map[string]bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if noAuthPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != s.config.Username || pass != s.config.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="serialhub"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	// Cancel the broker first so SSE clients return
	s.cancel()

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping API server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": len(s.opts.Manager.List()),
		"sse_clients": s.broker.ClientCount(),
	}
	if s.opts.Manager.Closed() {
		health["status"] = "stopping"
	}
	if fs, ok := s.opts.Forward.(ForwardStatsSource); ok {
		health["forwarding"] = fs.GetStats()
	}

	writeJSON(w, http.StatusOK, health)
}

// handlePorts serves the scanner snapshot while it is fresh and a live
// enumeration otherwise
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "1" && s.opts.Scanner != nil {
		if ports, takenAt, fresh := s.opts.Scanner.Snapshot(); fresh {
			writeJSON(w, http.StatusOK, map[string]any{
				"ports":    ports,
				"scanned":  takenAt.UTC().Format(time.RFC3339),
				"snapshot": true,
			})
			return
		}
	}

	ports := s.opts.Ports.Enumerate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ports":    ports,
		"scanned":  time.Now().UTC().Format(time.RFC3339),
		"snapshot": false,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		writeError(w, http.StatusBadRequest, "port parameter required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"port":         port,
		"availability": s.opts.Ports.Probe(port),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.opts.Manager.List(),
	})
}

type connectRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baudrate"`
}

type portRequest struct {
	Port string `json:"port"`
}

type sendRequest struct {
	Port    string `json:"port"`
	Command string `json:"command"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodePost(w, r, &req) {
		return
	}

	ack, err := s.opts.Manager.Connect(req.Port, req.BaudRate)
	if err != nil {
		s.writeManagerError(w, "connect", req.Port, err)
		return
	}

	conn, _ := s.opts.Manager.Get(req.Port)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"at":         ack.At,
		"connection": conn,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !decodePost(w, r, &req) {
		return
	}

	ack, err := s.opts.Manager.Disconnect(req.Port)
	if err != nil {
		s.writeManagerError(w, "disconnect", req.Port, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "at": ack.At})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodePost(w, r, &req) {
		return
	}

	ack, err := s.opts.Manager.Send(req.Port, req.Command)
	if err != nil {
		s.writeManagerError(w, "send", req.Port, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "at": ack.At})
}

// writeManagerError maps Manager errors onto HTTP statuses
func (s *Server) writeManagerError(w http.ResponseWriter, op, port string, err error) {
	var validationErr *capture.ValidationError
	var openErr *capture.OpenError
	var writeErr *capture.WriteError
	var authErr *capture.AuthError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrNotConnected):
		status = http.StatusNotFound
	case errors.As(err, &openErr), errors.As(err, &writeErr):
		status = http.StatusBadGateway
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.Is(err, capture.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "op", op, "port", port, "error", err)
	}
	writeError(w, status, err.Error())
}

// handleSSE streams ingested records as Server-Sent Events
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	port := r.URL.Query().Get("port")
	if port == "" {
		port = allPorts
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	client := &SSEClient{
		port: port,
		send: make(chan string, 64),
		done: make(chan struct{}),
	}

	select {
	case s.broker.register <- client:
	case <-r.Context().Done():
		return
	case <-s.ctx.Done():
		return
	}

	defer func() {
		select {
		case s.broker.unregister <- client:
		case <-s.ctx.Done():
		}
	}()

	hello, _ := json.Marshal(map[string]string{"port": port})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.done:
			return

		case data := <-client.send:
			fmt.Fprintf(w, "event: line\ndata: %s\n\n", data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// handleFeed returns the last lines of a port's capture log
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		writeError(w, http.StatusBadRequest, "port parameter required")
		return
	}

	count := defaultFeedCount
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if n, err := strconv.Atoi(countStr); err == nil && n > 0 {
			count = n
		}
	}
	if count > maxFeedCount {
		count = maxFeedCount
	}

	lines := []string{}
	if s.opts.Logs != nil {
		if path := s.opts.Logs.LogPath(port); path != "" {
			tail, err := tailFile(path, count)
			if err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to read capture log", "path", path, "error", err)
			}
			if tail != nil {
				lines = tail
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"port":  port,
		"lines": lines,
	})
}

// tailFile returns the last n lines from a file, keeping at most n in
// memory
func tailFile(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ring := make([]string, n)
	idx := 0
	count := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[idx] = scanner.Text()
		idx = (idx + 1) % n
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count < n {
		return ring[:count], nil
	}

	// idx points at the oldest line
	result := make([]string, n)
	for i := 0; i < n; i++ {
		result[i] = ring[(idx+i)%n]
	}
	return result, nil
}

// decodePost rejects non-POST requests and decodes a JSON body into v
func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, capture.MaxForwardBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
