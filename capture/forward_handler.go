package capture

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MaxForwardBodySize is the maximum size of a forwarded request body (1MB)
const MaxForwardBodySize = 1024 * 1024

// TokenHeader carries the forwarding secret
const TokenHeader = "X-DEVICE-AGENT-TOKEN"

// ForwardRequest is the body of POST /api/forward-serial. Line is accepted
// as an alias of Data.
type ForwardRequest struct {
	Port string `json:"port"`
	Data string `json:"data"`
	Line string `json:"line,omitempty"`
}

// ForwardHandler serves POST /api/forward-serial on top of an Ingress
type ForwardHandler struct {
	ingress *Ingress
	logger  *slog.Logger

	// OnResult, when set, is called with "ok", "unauthorized" or "invalid"
	// after each request
	OnResult func(result string)

	statsMutex      sync.RWMutex
	lastRequestTime time.Time
	bytesRead       atomic.Int64
	requestCount    atomic.Int64
	errorCount      atomic.Int64
}

// ForwardStats tracks forwarding requests
type ForwardStats struct {
	BytesRead       int64     `json:"bytes_read"`
	RequestCount    int64     `json:"requests"`
	Errors          int64     `json:"errors"`
	LastRequestTime time.Time `json:"last_request_time"`
}

// NewForwardHandler creates a handler for ingress
func NewForwardHandler(ingress *Ingress, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		ingress: ingress,
		logger:  logger.With("handler", "forward-serial"),
	}
}

// ServeHTTP handles incoming forwarded lines
func (h *ForwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errorCount.Add(1)
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.ingress.Authenticate(r.Header.Get(TokenHeader)); err != nil {
		h.logger.Warn("Rejected forwarded request", "remote", r.RemoteAddr, "error", err)
		h.fail(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxForwardBodySize)

	var req ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "invalid JSON body", "invalid")
		return
	}

	data := req.Data
	if data == "" {
		data = req.Line
	}

	_, err := h.ingress.Receive(r.Header.Get(TokenHeader), req.Port, data)
	if err != nil {
		var authErr *AuthError
		var validationErr *ValidationError
		switch {
		case errors.As(err, &authErr):
			h.fail(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		case errors.As(err, &validationErr):
			h.fail(w, http.StatusBadRequest, "missing data", "invalid")
		default:
			h.logger.Warn("Failed to ingest forwarded data", "error", err)
			h.fail(w, http.StatusInternalServerError, "internal server error", "error")
		}
		return
	}

	h.bytesRead.Add(int64(len(data)))
	h.requestCount.Add(1)
	h.statsMutex.Lock()
	h.lastRequestTime = time.Now()
	h.statsMutex.Unlock()
	h.result("ok")

	h.logger.Debug("Accepted forwarded line", "port", req.Port, "bytes", len(data))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"success":true}`))
}

func (h *ForwardHandler) fail(w http.ResponseWriter, status int, msg, result string) {
	h.errorCount.Add(1)
	h.result(result)
	writeJSONError(w, status, msg)
}

func (h *ForwardHandler) result(result string) {
	if h.OnResult != nil {
		h.OnResult(result)
	}
}

// GetStats returns current forwarding statistics
func (h *ForwardHandler) GetStats() ForwardStats {
	h.statsMutex.RLock()
	defer h.statsMutex.RUnlock()

	return ForwardStats{
		BytesRead:       h.bytesRead.Load(),
		RequestCount:    h.requestCount.Load(),
		Errors:          h.errorCount.Load(),
		LastRequestTime: h.lastRequestTime,
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
