// Package storage defines the persistence interfaces of the auth subsystem:
// short-lived OAuth state records, encrypted provider token pairs, and
// session records. Backends include in-memory (development, tests) and
// Valkey (production).
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by stores. Messages are generic on purpose so
// they can be surfaced without leaking which artifact failed or why.
var (
	// ErrStateNotFound indicates no state record matches the value
	// (forged, expired and garbage-collected, or never issued).
	ErrStateNotFound = errors.New("state not found")

	// ErrStateConsumed indicates the state record was already consumed
	// (replay attempt).
	ErrStateConsumed = errors.New("state already consumed")

	// ErrTokensNotFound indicates no token record exists for the user/provider pair.
	ErrTokensNotFound = errors.New("tokens not found")

	// ErrSessionNotFound indicates no session record matches the ID.
	ErrSessionNotFound = errors.New("session not found")
)

// TokenKind distinguishes the two halves of a provider token pair.
type TokenKind string

const (
	// TokenKindAccess marks a provider access token.
	TokenKindAccess TokenKind = "access"

	// TokenKindRefresh marks a provider refresh token.
	TokenKindRefresh TokenKind = "refresh"
)

// EncryptedToken is a single provider token sealed by the vault.
// Plaintext token material never reaches a store.
type EncryptedToken struct {
	// Ciphertext is the base64-encoded AEAD sealed box (nonce prepended).
	Ciphertext string

	// KeyVersion identifies which vault key sealed this ciphertext,
	// so rotation keeps old records readable.
	KeyVersion int

	// Kind is access or refresh.
	Kind TokenKind

	// ExpiresAt is the provider-asserted expiry. Zero for refresh tokens.
	ExpiresAt time.Time
}

// TokenRecord holds the live encrypted token pair for one user/provider
// combination. The record is always written as a single unit: a reader never
// observes an access token from one rotation paired with a refresh token
// from another.
type TokenRecord struct {
	UserID    string
	Provider  string
	Access    EncryptedToken
	Refresh   EncryptedToken
	UpdatedAt time.Time
}

// StateRecord is a single-use, time-bound OAuth state bound to the client
// fingerprint that initiated the flow. The raw client signals are never
// stored, only the fingerprint hash.
type StateRecord struct {
	Value           string
	FingerprintHash string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Consumed        bool
}

// RiskFlag marks a session anomaly.
type RiskFlag string

// RiskFingerprintDrift is recorded when a session is presented with a
// fingerprint that differs from the one it was issued to.
const RiskFingerprintDrift RiskFlag = "fingerprint_drift"

// SessionRecord is a server-side session. The ID is never handed to clients
// directly; callers receive a signed reference that resolves to it.
type SessionRecord struct {
	ID                string
	UserID            string
	FingerprintHash   string
	CreatedAt         time.Time
	LastSeenAt        time.Time
	IdleExpiresAt     time.Time
	AbsoluteExpiresAt time.Time
	RiskFlags         []RiskFlag
	Revoked           bool
	RevokedAt         time.Time
}

// StateStore persists short-lived OAuth state records. Implementations are
// TTL-backed; records disappear at ExpiresAt plus a small retention margin
// for replay detection.
type StateStore interface {
	// SaveState stores a state record keyed by its value.
	SaveState(ctx context.Context, state *StateRecord) error

	// ConsumeState atomically marks the record consumed and returns it.
	// Exactly one of any number of concurrent calls for the same value
	// succeeds; the rest receive ErrStateConsumed. Unknown values yield
	// ErrStateNotFound.
	//
	// SECURITY: This operation MUST be atomic. Two concurrent callbacks
	// replaying the same state must never both succeed.
	ConsumeState(ctx context.Context, value string) (*StateRecord, error)
}

// TokenStore persists encrypted provider token pairs, one live record per
// (userID, provider). SaveTokenRecord replaces the whole record in a single
// write, which is what makes rotation atomic with respect to readers.
type TokenStore interface {
	// SaveTokenRecord stores or replaces the token record for its
	// (UserID, Provider) key.
	SaveTokenRecord(ctx context.Context, record *TokenRecord) error

	// GetTokenRecord retrieves the token record for a user/provider pair.
	GetTokenRecord(ctx context.Context, userID, provider string) (*TokenRecord, error)

	// DeleteTokenRecord removes the token record for a user/provider pair.
	// Deleting a missing record is not an error.
	DeleteTokenRecord(ctx context.Context, userID, provider string) error
}

// SessionStore persists session records. Records survive process restarts.
type SessionStore interface {
	// SaveSession stores a session record keyed by its ID.
	SaveSession(ctx context.Context, session *SessionRecord) error

	// GetSession retrieves a session record by ID.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// TouchSession updates LastSeenAt and IdleExpiresAt. This is the hot
	// read-path mutation; last-writer-wins semantics are acceptable since
	// the idle window is advisory, not a security boundary.
	TouchSession(ctx context.Context, sessionID string, lastSeen, idleExpiresAt time.Time) error

	// AddRiskFlag atomically appends a risk flag and returns the new flag
	// count, so callers can apply revocation thresholds without races.
	AddRiskFlag(ctx context.Context, sessionID string, flag RiskFlag) (int, error)

	// RevokeSession marks a session revoked. Revoked is terminal; the
	// record is retained until expiry for audit purposes.
	RevokeSession(ctx context.Context, sessionID string) error

	// ListUserSessions returns all live session records for a user
	// (multi-device support).
	ListUserSessions(ctx context.Context, userID string) ([]*SessionRecord, error)
}
