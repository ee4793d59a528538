// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/storage"
)

const (
	// consumedStateRetention is how long a consumed state record is kept
	// past its expiry so a replay can be distinguished from a forged value.
	consumedStateRetention = 5 * time.Minute

	// revokedSessionRetention is how long revoked session records are kept
	// for audit before cleanup removes them.
	revokedSessionRetention = 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
// It implements StateStore, TokenStore, and SessionStore.
type Store struct {
	mu sync.RWMutex

	// State storage (single-use, TTL-backed)
	states map[string]*storage.StateRecord

	// Encrypted token pairs keyed by userID|provider
	tokens map[string]*storage.TokenRecord

	// Session storage with a per-user index for multi-device listing
	sessions       map[string]*storage.SessionRecord
	sessionsByUser map[string]map[string]struct{}

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for gauges (lock-free access during metric collection)
	statesCountAtomic   atomic.Int64
	tokensCountAtomic   atomic.Int64
	sessionsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[string]*storage.StateRecord),
		tokens:          make(map[string]*storage.TokenRecord),
		sessions:        make(map[string]*storage.SessionRecord),
		sessionsByUser:  make(map[string]map[string]struct{}),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.statesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// StateStore Implementation
// ============================================================

// SaveState stores a state record keyed by its value.
func (s *Store) SaveState(ctx context.Context, state *storage.StateRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_state", err, startTime)
	}()

	if state == nil || state.Value == "" {
		err = fmt.Errorf("invalid state record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.Value] = &cp
	s.statesCountAtomic.Store(int64(len(s.states)))

	return nil
}

// ConsumeState atomically marks a state consumed and returns it.
// The mutex makes the check-and-set atomic: of any number of concurrent
// calls for the same value, exactly one sees Consumed=false.
func (s *Store) ConsumeState(ctx context.Context, value string) (*storage.StateRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_state", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.states[value]
	if !ok {
		err = storage.ErrStateNotFound
		return nil, err
	}
	if record.Consumed {
		err = storage.ErrStateConsumed
		return nil, err
	}

	record.Consumed = true
	cp := *record
	return &cp, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenKey builds the map key for a user/provider pair.
func tokenKey(userID, provider string) string {
	return userID + "|" + provider
}

// SaveTokenRecord stores or replaces the token record for its key.
// The whole record is replaced in one step under the lock, so readers never
// observe a mixed access/refresh pair.
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_token_record", err, startTime)
	}()

	if record == nil || record.UserID == "" || record.Provider == "" {
		err = fmt.Errorf("invalid token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.tokens[tokenKey(record.UserID, record.Provider)] = &cp
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	return nil
}

// GetTokenRecord retrieves the token record for a user/provider pair.
func (s *Store) GetTokenRecord(ctx context.Context, userID, provider string) (*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_record", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[tokenKey(userID, provider)]
	if !ok {
		err = storage.ErrTokensNotFound
		return nil, err
	}

	cp := *record
	return &cp, nil
}

// DeleteTokenRecord removes the token record for a user/provider pair.
func (s *Store) DeleteTokenRecord(ctx context.Context, userID, provider string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token_record", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, tokenKey(userID, provider))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores a session record keyed by its ID.
func (s *Store) SaveSession(ctx context.Context, session *storage.SessionRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.ID == "" || session.UserID == "" {
		err = fmt.Errorf("invalid session record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	cp.RiskFlags = append([]storage.RiskFlag(nil), session.RiskFlags...)
	s.sessions[session.ID] = &cp

	byUser, ok := s.sessionsByUser[session.UserID]
	if !ok {
		byUser = make(map[string]struct{})
		s.sessionsByUser[session.UserID] = byUser
	}
	byUser[session.ID] = struct{}{}

	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	return nil
}

// GetSession retrieves a session record by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	cp := *record
	cp.RiskFlags = append([]storage.RiskFlag(nil), record.RiskFlags...)
	return &cp, nil
}

// TouchSession updates LastSeenAt and IdleExpiresAt (last-writer-wins).
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastSeen, idleExpiresAt time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "touch_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "touch_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return err
	}

	record.LastSeenAt = lastSeen
	record.IdleExpiresAt = idleExpiresAt

	return nil
}

// AddRiskFlag atomically appends a risk flag and returns the new flag count.
func (s *Store) AddRiskFlag(ctx context.Context, sessionID string, flag storage.RiskFlag) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "add_risk_flag")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "add_risk_flag", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return 0, err
	}

	record.RiskFlags = append(record.RiskFlags, flag)
	return len(record.RiskFlags), nil
}

// RevokeSession marks a session revoked. Revoking an already-revoked or
// missing session is not an error (revocation is idempotent).
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !record.Revoked {
		record.Revoked = true
		record.RevokedAt = time.Now()
	}

	return nil
}

// ListUserSessions returns all session records for a user.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*storage.SessionRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "list_user_sessions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_user_sessions", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.sessionsByUser[userID]
	if !ok {
		return nil, nil
	}

	sessions := make([]*storage.SessionRecord, 0, len(ids))
	for id := range ids {
		if record, ok := s.sessions[id]; ok {
			cp := *record
			cp.RiskFlags = append([]storage.RiskFlag(nil), record.RiskFlags...)
			sessions = append(sessions, &cp)
		}
	}

	return sessions, nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired records.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired states and dead sessions.
// Consumed states are retained briefly past expiry so that a late replay is
// reported as a replay rather than an unknown value.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedStates := 0
	for value, record := range s.states {
		deadline := record.ExpiresAt
		if record.Consumed {
			deadline = deadline.Add(consumedStateRetention)
		}
		if now.After(deadline) {
			delete(s.states, value)
			removedStates++
		}
	}

	removedSessions := 0
	for id, record := range s.sessions {
		expired := now.After(record.AbsoluteExpiresAt)
		revokedLongAgo := record.Revoked && now.After(record.RevokedAt.Add(revokedSessionRetention))
		if expired || revokedLongAgo {
			delete(s.sessions, id)
			if byUser, ok := s.sessionsByUser[record.UserID]; ok {
				delete(byUser, id)
				if len(byUser) == 0 {
					delete(s.sessionsByUser, record.UserID)
				}
			}
			removedSessions++
		}
	}

	s.statesCountAtomic.Store(int64(len(s.states)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	if removedStates > 0 || removedSessions > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed_states", removedStates,
			"removed_sessions", removedSessions,
			"remaining_states", len(s.states),
			"remaining_sessions", len(s.sessions))
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a tracing span for a storage operation (nil-safe).
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records the metric and span outcome of an operation.
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
