package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/willowapp/authkit/storage"
)

// luaAddRiskFlag appends a risk flag to a session record and returns the new
// flag count, keeping the record's TTL. Returns -1 when the session does not
// exist. The read-modify-write runs server-side so concurrent flaggers never
// lose each other's flags and the returned count is exact.
const luaAddRiskFlag = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return -1
end
local rec = cjson.decode(raw)
local flags = rec['risk_flags']
if flags == nil or flags == cjson.null then
    flags = {}
end
table.insert(flags, ARGV[1])
rec['risk_flags'] = flags
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return #flags
`

// SaveSession stores a session record with a TTL at its absolute expiry and
// indexes it under the owning user for multi-device listing.
func (s *Store) SaveSession(ctx context.Context, session *storage.SessionRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.ID == "" || session.UserID == "" {
		err = fmt.Errorf("session record with ID and user ID is required")
		return err
	}

	ttl := calculateTTL(session.AbsoluteExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("session already expired")
		return err
	}

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		err = fmt.Errorf("failed to marshal session: %w", err)
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).
			Ex(ttl).Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to save session: %w", err)
		return err
	}

	indexKey := s.userSessionsKey(session.UserID)
	if err = s.client.Do(ctx,
		s.client.B().Sadd().Key(indexKey).Member(session.ID).Build(),
	).Error(); err != nil {
		err = fmt.Errorf("failed to index session: %w", err)
		return err
	}

	// Keep the index alive at least as long as its newest session.
	if err = s.client.Do(ctx,
		s.client.B().Expire().Key(indexKey).Seconds(int64(ttl/time.Second)+1).Gt().Build(),
	).Error(); err != nil {
		err = fmt.Errorf("failed to refresh session index TTL: %w", err)
		return err
	}

	s.logger.Debug("Saved session record",
		"absolute_expires_at", session.AbsoluteExpiresAt)
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

	j, err := getAndUnmarshal[sessionJSON](ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, err
		}
		err = fmt.Errorf("failed to get session: %w", err)
		return nil, err
	}

	return fromSessionJSON(j), nil
}

// TouchSession updates LastSeenAt and IdleExpiresAt. Last-writer-wins is
// acceptable here; the idle window is advisory and the absolute expiry is
// enforced by the key's TTL regardless.
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastSeen, idleExpiresAt time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "touch_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "touch_session", err, startTime)
	}()

	j, err := getAndUnmarshal[sessionJSON](ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			err = fmt.Errorf("failed to get session: %w", err)
		}
		return err
	}

	j.LastSeenAt = lastSeen
	j.IdleExpiresAt = idleExpiresAt

	data, err := json.Marshal(j)
	if err != nil {
		err = fmt.Errorf("failed to marshal session: %w", err)
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(sessionID)).Value(string(data)).
			Keepttl().Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to touch session: %w", err)
		return err
	}

	return nil
}

// AddRiskFlag atomically appends a risk flag to a session and returns the
// new flag count.
func (s *Store) AddRiskFlag(ctx context.Context, sessionID string, flag storage.RiskFlag) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "add_risk_flag")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "add_risk_flag", err, startTime)
	}()

	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAddRiskFlag).
			Numkeys(1).
			Key(s.sessionKey(sessionID)).
			Arg(string(flag)).
			Build(),
	).AsInt64()
	if err != nil {
		err = fmt.Errorf("failed to add risk flag: %w", err)
		return 0, err
	}

	if count < 0 {
		err = storage.ErrSessionNotFound
		return 0, err
	}

	s.logger.Debug("Added session risk flag",
		"flag", string(flag),
		"flag_count", count)
	return int(count), nil
}

// RevokeSession marks a session revoked. Revocation is terminal and
// idempotent; the record is retained until its TTL expires for audit.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_session", err, startTime)
	}()

	j, err := getAndUnmarshal[sessionJSON](ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			err = fmt.Errorf("failed to get session: %w", err)
		}
		return err
	}

	if j.Revoked {
		return nil
	}

	j.Revoked = true
	j.RevokedAt = time.Now()

	data, err := json.Marshal(j)
	if err != nil {
		err = fmt.Errorf("failed to marshal session: %w", err)
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(sessionID)).Value(string(data)).
			Keepttl().Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to revoke session: %w", err)
		return err
	}

	s.logger.Info("Revoked session")
	return nil
}

// ListUserSessions returns all live session records for a user. Index
// entries whose sessions have expired are pruned as a side effect.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*storage.SessionRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "list_user_sessions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_user_sessions", err, startTime)
	}()

	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.userSessionsKey(userID)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		err = fmt.Errorf("failed to list user sessions: %w", err)
		return nil, err
	}

	var sessions []*storage.SessionRecord
	var stale []string
	for _, id := range ids {
		j, getErr := getAndUnmarshal[sessionJSON](ctx, s, s.sessionKey(id), storage.ErrSessionNotFound)
		if getErr != nil {
			if errors.Is(getErr, storage.ErrSessionNotFound) {
				stale = append(stale, id)
				continue
			}
			err = fmt.Errorf("failed to load session %s: %w", id, getErr)
			return nil, err
		}
		sessions = append(sessions, fromSessionJSON(j))
	}

	if len(stale) > 0 {
		if remErr := s.client.Do(ctx,
			s.client.B().Srem().Key(s.userSessionsKey(userID)).Member(stale...).Build(),
		).Error(); remErr != nil {
			s.logger.Warn("Failed to prune stale session index entries",
				"error", remErr)
		}
	}

	return sessions, nil
}
