package authkit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/security"
	"github.com/willowapp/authkit/storage"
)

// SessionHandle is what a caller holds after login. Ref is the signed
// reference handed to clients; the raw session ID never leaves the server
// boundary except inside Ref's signed payload.
type SessionHandle struct {
	Ref       string
	SessionID string
	UserID    string
	ExpiresAt time.Time
}

// SessionInfo is the result of a successful (or drift-flagged) validation.
type SessionInfo struct {
	SessionID string
	UserID    string

	// Drifted is set when the presenting fingerprint differs from the one
	// the session was issued to but the risk threshold has not been
	// reached. Policy (step-up auth, re-login) is the caller's call.
	Drifted bool
}

// SessionGuard issues, validates, and revokes sessions. The client-facing
// reference is "sessionID.issuedAt.signature"; the signature is verified
// before any store lookup so forged or guessed references cannot probe the
// store.
type SessionGuard struct {
	store         storage.SessionStore
	signingKey    []byte
	idleTTL       time.Duration
	absoluteTTL   time.Duration
	riskThreshold int
	logger        *slog.Logger
	auditor       *security.Auditor
	metrics       *instrumentation.Metrics
}

// NewSessionGuard creates a session guard. The signing key is HKDF-derived
// from the root secret, independent of the state signing key.
func NewSessionGuard(store storage.SessionStore, signingSecret []byte, cfg SessionConfig, logger *slog.Logger, auditor *security.Auditor, inst *instrumentation.Instrumentation) (*SessionGuard, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.IdleTTL <= 0 || cfg.AbsoluteTTL <= 0 || cfg.IdleTTL > cfg.AbsoluteTTL {
		return nil, fmt.Errorf("invalid session TTLs: idle %s, absolute %s", cfg.IdleTTL, cfg.AbsoluteTTL)
	}
	if cfg.RiskThreshold < 1 {
		return nil, fmt.Errorf("risk threshold must be at least 1")
	}

	key, err := security.DeriveKey(signingSecret, "authkit/session-signing")
	if err != nil {
		return nil, fmt.Errorf("failed to derive session signing key: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	g := &SessionGuard{
		store:         store,
		signingKey:    key,
		idleTTL:       cfg.IdleTTL,
		absoluteTTL:   cfg.AbsoluteTTL,
		riskThreshold: cfg.RiskThreshold,
		logger:        logger,
		auditor:       auditor,
	}
	if inst != nil {
		g.metrics = inst.Metrics()
	}
	return g, nil
}

// Issue creates a session for the user bound to the given fingerprint and
// returns its signed reference.
func (g *SessionGuard) Issue(ctx context.Context, userID, fingerprint string) (*SessionHandle, error) {
	now := time.Now().UTC()
	record := &storage.SessionRecord{
		ID:                uuid.NewString(),
		UserID:            userID,
		FingerprintHash:   fingerprint,
		CreatedAt:         now,
		LastSeenAt:        now,
		IdleExpiresAt:     now.Add(g.idleTTL),
		AbsoluteExpiresAt: now.Add(g.absoluteTTL),
	}

	if err := g.store.SaveSession(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if g.auditor != nil {
		g.auditor.LogSessionIssued(userID, fingerprint, record.ID)
	}
	if g.metrics != nil {
		g.metrics.RecordSessionIssued(ctx)
	}

	return &SessionHandle{
		Ref:       g.reference(record.ID, now),
		SessionID: record.ID,
		UserID:    userID,
		ExpiresAt: record.AbsoluteExpiresAt,
	}, nil
}

// Validate checks a signed session reference against the store and the
// presenting fingerprint.
//
// A fingerprint mismatch below the risk threshold soft-flags the session:
// Validate returns the session info together with ErrFingerprintDrift so
// the caller can apply policy. Reaching the threshold revokes the session
// and returns ErrSessionRevoked with no info.
func (g *SessionGuard) Validate(ctx context.Context, sessionRef, fingerprint string) (*SessionInfo, error) {
	sessionID, ok := g.verifyReference(sessionRef)
	if !ok {
		return nil, sessionError(CodeSignatureInvalid)
	}

	record, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			// Valid signature but no record: expired and collected.
			return nil, sessionError(CodeExpired)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if record.Revoked {
		return nil, sessionError(CodeRevoked)
	}
	if security.IsExpired(record.AbsoluteExpiresAt) || security.IsExpired(record.IdleExpiresAt) {
		return nil, sessionError(CodeExpired)
	}

	info := &SessionInfo{SessionID: record.ID, UserID: record.UserID}

	if subtle.ConstantTimeCompare([]byte(record.FingerprintHash), []byte(fingerprint)) != 1 {
		count, err := g.store.AddRiskFlag(ctx, sessionID, storage.RiskFingerprintDrift)
		if err != nil {
			return nil, fmt.Errorf("failed to record fingerprint drift: %w", err)
		}

		if g.auditor != nil {
			g.auditor.LogFingerprintDrift(record.UserID, sessionID, count)
		}
		if g.metrics != nil {
			g.metrics.RecordFingerprintDrift(ctx)
		}

		if count >= g.riskThreshold {
			if err := g.Revoke(ctx, sessionID, "risk_threshold_exceeded"); err != nil {
				return nil, err
			}
			return nil, sessionError(CodeRevoked)
		}

		info.Drifted = true
		return info, sessionError(CodeFingerprintDrift)
	}

	return info, nil
}

// Touch extends the sliding idle window. It is the only mutation on the hot
// read path; last-writer-wins semantics are fine since the idle window is
// advisory.
func (g *SessionGuard) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	if err := g.store.TouchSession(ctx, sessionID, now, now.Add(g.idleTTL)); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return sessionError(CodeExpired)
		}
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke terminates a session. Revoked is terminal; only a new Issue
// re-authenticates the user.
func (g *SessionGuard) Revoke(ctx context.Context, sessionID, cause string) error {
	// The record is read first so the audit line names the user. A miss is
	// fine; revoking an already-collected session is a no-op below.
	userID := ""
	if record, err := g.store.GetSession(ctx, sessionID); err == nil {
		userID = record.UserID
	}

	if err := g.store.RevokeSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	if g.auditor != nil {
		g.auditor.LogSessionRevoked(userID, sessionID, cause)
	}
	if g.metrics != nil {
		g.metrics.RecordSessionRevoked(ctx, cause)
	}
	return nil
}

// RevokeAllForUser revokes every live session of a user (logout
// everywhere).
func (g *SessionGuard) RevokeAllForUser(ctx context.Context, userID string) error {
	sessions, err := g.store.ListUserSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	for _, s := range sessions {
		if s.Revoked {
			continue
		}
		if err := g.Revoke(ctx, s.ID, "revoke_all"); err != nil {
			return err
		}
	}
	return nil
}

// Sessions lists a user's live session records.
func (g *SessionGuard) Sessions(ctx context.Context, userID string) ([]*storage.SessionRecord, error) {
	return g.store.ListUserSessions(ctx, userID)
}

// reference builds the signed session reference
// "sessionID.issuedAtUnix.signature".
func (g *SessionGuard) reference(sessionID string, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.Unix(), 10)
	return sessionID + "." + ts + "." + g.signReference(sessionID, ts)
}

// verifyReference parses and verifies a session reference without touching
// the store. Returns ok=false on any structural or signature failure.
func (g *SessionGuard) verifyReference(ref string) (sessionID string, ok bool) {
	parts := strings.Split(ref, ".")
	if len(parts) != 3 {
		return "", false
	}

	expected := g.signReference(parts[0], parts[1])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[2])) != 1 {
		return "", false
	}

	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", false
	}

	return parts[0], true
}

func (g *SessionGuard) signReference(sessionID, issuedAtUnix string) string {
	mac := hmac.New(sha256.New, g.signingKey)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(issuedAtUnix))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
