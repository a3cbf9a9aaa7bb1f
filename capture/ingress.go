package capture

import (
	"crypto/subtle"
	"log/slog"
	"time"
)

// DefaultForwardPort is used when forwarded data names no port
const DefaultForwardPort = "agent"

// Ingress accepts lines pushed by remote agents. Every call must carry the
// shared secret; an empty secret rejects everything.
type Ingress struct {
	manager *Manager
	secret  string
	now     func() time.Time
	logger  *slog.Logger
}

// NewIngress creates an Ingress that feeds manager
func NewIngress(manager *Manager, secret string, logger *slog.Logger) *Ingress {
	return &Ingress{
		manager: manager,
		secret:  secret,
		now:     time.Now,
		logger:  logger,
	}
}

// Authenticate checks token against the shared secret
func (i *Ingress) Authenticate(token string) error {
	if i.secret == "" {
		return &AuthError{Reason: "forwarding is not configured"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(i.secret)) != 1 {
		return &AuthError{Reason: "invalid token"}
	}
	return nil
}

// Receive authenticates token and ingests raw for portID
func (i *Ingress) Receive(token, portID, raw string) (Ack, error) {
	if err := i.Authenticate(token); err != nil {
		i.logger.Warn("Rejected forwarded data", "port", portID, "error", err)
		return Ack{}, err
	}
	if raw == "" {
		return Ack{}, &ValidationError{Field: "data", Reason: "must not be empty"}
	}
	if portID == "" {
		portID = DefaultForwardPort
	}

	return i.manager.Ingest(portID, raw, i.now())
}
