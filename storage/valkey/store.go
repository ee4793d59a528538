package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/storage"
)

const (
	// defaultKeyPrefix namespaces all keys so the subsystem can share a
	// Valkey instance with other applications.
	defaultKeyPrefix = "authkit:"

	// connectionVerifyTimeout bounds the initial PING during New.
	connectionVerifyTimeout = 5 * time.Second

	// consumedStateRetention is how long a consumed-state marker outlives
	// the state's own expiry, so replays of a just-consumed value are
	// still reported as replays rather than unknown states.
	consumedStateRetention = 5 * time.Minute
)

// Config holds the Valkey store configuration.
type Config struct {
	// Address is the Valkey server address (host:port).
	Address string

	// Password is the optional server password.
	Password string

	// DB selects the logical database number.
	DB int

	// KeyPrefix namespaces all keys. Defaults to "authkit:".
	KeyPrefix string

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.StateStore,
// storage.TokenStore, and storage.SessionStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a Valkey store and verifies connectivity with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Address, err)
	}

	logger.Info("Connected to Valkey", "address", cfg.Address, "db", cfg.DB)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close releases the underlying client connection.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Key helpers. All keys live under the configured prefix.

func (s *Store) stateKey(value string) string {
	return s.prefix + "state:" + value
}

func (s *Store) stateConsumedKey(value string) string {
	return s.prefix + "state_consumed:" + value
}

func (s *Store) tokenKey(userID, provider string) string {
	return s.prefix + "tokens:" + userID + ":" + provider
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) userSessionsKey(userID string) string {
	return s.prefix + "user_sessions:" + userID
}

// JSON representations. Stored records use snake_case field names and
// RFC 3339 timestamps.

type encryptedTokenJSON struct {
	Ciphertext string    `json:"ciphertext"`
	KeyVersion int       `json:"key_version"`
	Kind       string    `json:"kind"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type tokenRecordJSON struct {
	UserID    string             `json:"user_id"`
	Provider  string             `json:"provider"`
	Access    encryptedTokenJSON `json:"access"`
	Refresh   encryptedTokenJSON `json:"refresh"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type stateJSON struct {
	Value           string    `json:"value"`
	FingerprintHash string    `json:"fingerprint_hash"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type sessionJSON struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	FingerprintHash   string    `json:"fingerprint_hash"`
	CreatedAt         time.Time `json:"created_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	IdleExpiresAt     time.Time `json:"idle_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	RiskFlags         []string  `json:"risk_flags,omitempty"`
	Revoked           bool      `json:"revoked"`
	RevokedAt         time.Time `json:"revoked_at,omitzero"`
}

func toEncryptedTokenJSON(t storage.EncryptedToken) encryptedTokenJSON {
	return encryptedTokenJSON{
		Ciphertext: t.Ciphertext,
		KeyVersion: t.KeyVersion,
		Kind:       string(t.Kind),
		ExpiresAt:  t.ExpiresAt,
	}
}

func fromEncryptedTokenJSON(j encryptedTokenJSON) storage.EncryptedToken {
	return storage.EncryptedToken{
		Ciphertext: j.Ciphertext,
		KeyVersion: j.KeyVersion,
		Kind:       storage.TokenKind(j.Kind),
		ExpiresAt:  j.ExpiresAt,
	}
}

func toTokenRecordJSON(r *storage.TokenRecord) *tokenRecordJSON {
	return &tokenRecordJSON{
		UserID:    r.UserID,
		Provider:  r.Provider,
		Access:    toEncryptedTokenJSON(r.Access),
		Refresh:   toEncryptedTokenJSON(r.Refresh),
		UpdatedAt: r.UpdatedAt,
	}
}

func fromTokenRecordJSON(j *tokenRecordJSON) *storage.TokenRecord {
	return &storage.TokenRecord{
		UserID:    j.UserID,
		Provider:  j.Provider,
		Access:    fromEncryptedTokenJSON(j.Access),
		Refresh:   fromEncryptedTokenJSON(j.Refresh),
		UpdatedAt: j.UpdatedAt,
	}
}

func toStateJSON(r *storage.StateRecord) *stateJSON {
	return &stateJSON{
		Value:           r.Value,
		FingerprintHash: r.FingerprintHash,
		IssuedAt:        r.IssuedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func fromStateJSON(j *stateJSON) *storage.StateRecord {
	return &storage.StateRecord{
		Value:           j.Value,
		FingerprintHash: j.FingerprintHash,
		IssuedAt:        j.IssuedAt,
		ExpiresAt:       j.ExpiresAt,
	}
}

func toSessionJSON(r *storage.SessionRecord) *sessionJSON {
	j := &sessionJSON{
		ID:                r.ID,
		UserID:            r.UserID,
		FingerprintHash:   r.FingerprintHash,
		CreatedAt:         r.CreatedAt,
		LastSeenAt:        r.LastSeenAt,
		IdleExpiresAt:     r.IdleExpiresAt,
		AbsoluteExpiresAt: r.AbsoluteExpiresAt,
		Revoked:           r.Revoked,
		RevokedAt:         r.RevokedAt,
	}
	for _, f := range r.RiskFlags {
		j.RiskFlags = append(j.RiskFlags, string(f))
	}
	return j
}

func fromSessionJSON(j *sessionJSON) *storage.SessionRecord {
	r := &storage.SessionRecord{
		ID:                j.ID,
		UserID:            j.UserID,
		FingerprintHash:   j.FingerprintHash,
		CreatedAt:         j.CreatedAt,
		LastSeenAt:        j.LastSeenAt,
		IdleExpiresAt:     j.IdleExpiresAt,
		AbsoluteExpiresAt: j.AbsoluteExpiresAt,
		Revoked:           j.Revoked,
		RevokedAt:         j.RevokedAt,
	}
	for _, f := range j.RiskFlags {
		r.RiskFlags = append(r.RiskFlags, storage.RiskFlag(f))
	}
	return r
}

// getAndUnmarshal fetches a key and unmarshals its JSON value. A nil reply
// maps to notFoundErr.
func getAndUnmarshal[T any](ctx context.Context, s *Store, key string, notFoundErr error) (*T, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// calculateTTL returns the remaining lifetime of a record, clamped at zero.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a tracing span for a storage operation (nil-safe).
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("storage.type", "valkey"),
		))

	return ctx, span
}

// recordStorageOperation records metrics and span status for a completed
// storage operation (nil-safe).
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
