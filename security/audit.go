// Package security provides the security primitives of the auth subsystem:
// the encrypted-secret vault, client fingerprinting, rate limiting, audit
// logging, and timing-safe helpers.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/internal/util"
)

// fingerprintLogLength is the number of fingerprint-hash characters included
// in audit records. Enough to correlate, not enough to reverse-probe.
const fingerprintLogLength = 16

// Auditor handles security event logging with PII protection.
// Secrets and token material are never logged; user IDs are hashed and
// fingerprints truncated.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor. metrics may be nil; when set,
// every emitted event also bumps the audit-event counter.
func NewAuditor(logger *slog.Logger, enabled bool, metrics *instrumentation.Metrics) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		metrics: metrics,
	}
}

// Event represents a security audit event.
type Event struct {
	Type        string
	UserID      string
	Provider    string
	Fingerprint string // fingerprint hash, truncated before logging
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"provider", event.Provider,
		"fingerprint", util.SafeTruncate(event.Fingerprint, fingerprintLogLength),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginStarted logs the initiation of a login flow.
func (a *Auditor) LogLoginStarted(provider, fingerprint string) {
	a.LogEvent(Event{
		Type:        EventLoginStarted,
		Provider:    provider,
		Fingerprint: fingerprint,
	})
}

// LogLoginCompleted logs a successful callback and session issuance.
func (a *Auditor) LogLoginCompleted(userID, provider, fingerprint string) {
	a.LogEvent(Event{
		Type:        EventLoginCompleted,
		UserID:      userID,
		Provider:    provider,
		Fingerprint: fingerprint,
	})
}

// LogLoginFailed logs an aborted login flow with the error kind (never the secret material).
func (a *Auditor) LogLoginFailed(provider, fingerprint, reason string) {
	a.LogEvent(Event{
		Type:        EventLoginFailed,
		Provider:    provider,
		Fingerprint: fingerprint,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogStateFailure logs a state validation failure with its kind.
func (a *Auditor) LogStateFailure(eventType, fingerprint string) {
	a.LogEvent(Event{
		Type:        eventType,
		Fingerprint: fingerprint,
	})
}

// LogSessionIssued logs session creation.
func (a *Auditor) LogSessionIssued(userID, fingerprint, sessionID string) {
	a.LogEvent(Event{
		Type:        EventSessionIssued,
		UserID:      userID,
		Fingerprint: fingerprint,
		Details: map[string]any{
			"session_id": util.SafeTruncate(sessionID, 8),
		},
	})
}

// LogSessionRevoked logs session revocation with its cause.
func (a *Auditor) LogSessionRevoked(userID, sessionID, cause string) {
	a.LogEvent(Event{
		Type:   EventSessionRevoked,
		UserID: userID,
		Details: map[string]any{
			"session_id": util.SafeTruncate(sessionID, 8),
			"cause":      cause,
		},
	})
}

// LogFingerprintDrift logs a fingerprint mismatch on an active session.
func (a *Auditor) LogFingerprintDrift(userID, sessionID string, riskFlags int) {
	a.LogEvent(Event{
		Type:   EventFingerprintDrift,
		UserID: userID,
		Details: map[string]any{
			"session_id": util.SafeTruncate(sessionID, 8),
			"risk_flags": riskFlags,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(fingerprint, limiter string) {
	a.LogEvent(Event{
		Type:        EventRateLimitExceeded,
		Fingerprint: fingerprint,
		Details: map[string]any{
			"limiter": limiter,
		},
	})
}

// LogTokensRotated logs a provider token rotation.
func (a *Auditor) LogTokensRotated(userID, provider string) {
	a.LogEvent(Event{
		Type:     EventTokensRotated,
		UserID:   userID,
		Provider: provider,
	})
}

// LogTokenDecryptFailed logs a failed decryption of a stored token pair.
func (a *Auditor) LogTokenDecryptFailed(userID, provider string) {
	a.LogEvent(Event{
		Type:     EventTokenDecryptFailed,
		UserID:   userID,
		Provider: provider,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
