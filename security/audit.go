package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security-relevant broker events with PII protection:
// user identifiers are hashed before they reach the log stream, and token
// material is never accepted at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a security audit event.
type Event struct {
	Type      string
	UserID    string
	Service   string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"service", event.Service,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationStarted logs the start of an authorization handshake.
func (a *Auditor) LogAuthorizationStarted(userID, service, ipAddress string) {
	a.LogEvent(Event{
		Type:      "authorization_started",
		UserID:    userID,
		Service:   service,
		IPAddress: ipAddress,
	})
}

// LogAuthorizationCompleted logs the outcome of a callback exchange.
func (a *Auditor) LogAuthorizationCompleted(userID, service string, hasRefreshToken bool) {
	a.LogEvent(Event{
		Type:    "authorization_completed",
		UserID:  userID,
		Service: service,
		Details: map[string]any{
			"has_refresh_token": hasRefreshToken,
		},
	})
}

// LogCallbackRejected logs a callback that failed state validation.
func (a *Auditor) LogCallbackRejected(reason string) {
	a.LogEvent(Event{
		Type: "callback_rejected",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs a successful refresh exchange.
func (a *Auditor) LogTokenRefreshed(userID, service string, rotated bool) {
	a.LogEvent(Event{
		Type:    "token_refreshed",
		UserID:  userID,
		Service: service,
		Details: map[string]any{
			"refresh_token_rotated": rotated,
		},
	})
}

// LogTokenRevoked logs the deletion of a stored credential.
func (a *Auditor) LogTokenRevoked(userID, service string) {
	a.LogEvent(Event{
		Type:    "token_revoked",
		UserID:  userID,
		Service: service,
	})
}

// LogDecryptionFailure logs an undecryptable credential record. Spikes of
// this event are the operational signal of a key-rotation incident.
func (a *Auditor) LogDecryptionFailure(userID, service string) {
	a.LogEvent(Event{
		Type:    "decryption_failure",
		UserID:  userID,
		Service: service,
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
