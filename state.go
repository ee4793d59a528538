package authkit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/willowapp/authkit/security"
	"github.com/willowapp/authkit/storage"
)

// stateNonceSize is the random nonce size in bytes (256 bits, comfortably
// above the 128-bit entropy floor).
const stateNonceSize = 32

// State is an issued OAuth state handed to the caller. Value travels in the
// provider round-trip; Signature binds it to the issuing client.
type State struct {
	Value     string
	Signature string
	ExpiresAt time.Time
}

// StateManager issues and validates HMAC-signed, time-bound, single-use
// OAuth state values bound to a client fingerprint.
type StateManager struct {
	store      storage.StateStore
	signingKey []byte
	ttl        time.Duration
	logger     *slog.Logger
	auditor    *security.Auditor
}

// NewStateManager creates a state manager. The signing key is derived from
// the root secret with HKDF so state signatures never share raw key bytes
// with other HMAC domains.
func NewStateManager(store storage.StateStore, signingSecret []byte, ttl time.Duration, logger *slog.Logger, auditor *security.Auditor) (*StateManager, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if ttl <= 0 || ttl > maxStateTTL {
		return nil, fmt.Errorf("state TTL must be in (0, %s], got %s", maxStateTTL, ttl)
	}

	key, err := security.DeriveKey(signingSecret, "authkit/state-signing")
	if err != nil {
		return nil, fmt.Errorf("failed to derive state signing key: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &StateManager{
		store:      store,
		signingKey: key,
		ttl:        ttl,
		logger:     logger,
		auditor:    auditor,
	}, nil
}

// Issue generates a signed state bound to the given fingerprint and stores
// it with the configured TTL.
func (m *StateManager) Issue(ctx context.Context, fingerprint string) (*State, error) {
	nonce := make([]byte, stateNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(nonce)

	now := time.Now().UTC()
	record := &storage.StateRecord{
		Value:           value,
		FingerprintHash: fingerprint,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.ttl),
	}

	if err := m.store.SaveState(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	return &State{
		Value:     value,
		Signature: m.sign(value, fingerprint, now),
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Validate consumes a state and checks its signature, expiry, and
// fingerprint binding. Consumption is atomic: of any number of concurrent
// calls carrying the same value, exactly one proceeds past the store and
// the rest fail with ErrReplayDetected.
//
// Every failure is terminal for the login attempt. The state is consumed
// even when a later check fails, so a partially valid state cannot be
// retried with corrected parameters.
func (m *StateManager) Validate(ctx context.Context, value, signature, fingerprint string) error {
	record, err := m.store.ConsumeState(ctx, value)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStateConsumed):
			m.audit(security.EventStateReplayDetected, fingerprint)
			return stateError(CodeReplayDetected)
		case errors.Is(err, storage.ErrStateNotFound):
			m.audit(security.EventStateUnknown, fingerprint)
			return stateError(CodeUnknown)
		default:
			return fmt.Errorf("failed to consume state: %w", err)
		}
	}

	// Signature is recomputed from the stored binding, never from
	// request-supplied data, and compared in constant time.
	expected := m.sign(record.Value, record.FingerprintHash, record.IssuedAt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		m.audit(security.EventStateUnknown, fingerprint)
		return stateError(CodeUnknown)
	}

	if security.IsExpired(record.ExpiresAt) {
		m.audit(security.EventStateExpired, fingerprint)
		return stateError(CodeExpired)
	}

	if subtle.ConstantTimeCompare([]byte(record.FingerprintHash), []byte(fingerprint)) != 1 {
		m.audit(security.EventStateFingerprintMismatch, fingerprint)
		return stateError(CodeFingerprintMismatch)
	}

	return nil
}

// sign computes the HMAC-SHA256 signature over value, fingerprint, and
// issue time. The timestamp is pinned to Unix nanoseconds so the signature
// survives serialization round-trips through storage.
func (m *StateManager) sign(value, fingerprint string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, m.signingKey)
	mac.Write([]byte(value))
	mac.Write([]byte{0})
	mac.Write([]byte(fingerprint))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(issuedAt.UnixNano(), 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *StateManager) audit(eventType, fingerprint string) {
	if m.auditor != nil {
		m.auditor.LogStateFailure(eventType, fingerprint)
	}
}
