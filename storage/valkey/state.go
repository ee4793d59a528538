package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/willowapp/authkit/storage"
)

// luaConsumeState atomically consumes a state record. It deletes the record
// and leaves a consumed marker behind so a replay of the same value is
// distinguishable from a value that never existed. KEYS[1] is the state key,
// KEYS[2] the consumed marker, ARGV[1] the marker TTL in seconds.
const luaConsumeState = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    if redis.call('EXISTS', KEYS[2]) == 1 then
        return 'CONSUMED'
    end
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
return raw
`

// SaveState stores a state record with a TTL derived from its expiry.
// Already-expired records are not written.
func (s *Store) SaveState(ctx context.Context, state *storage.StateRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_state", err, startTime)
	}()

	if state == nil || state.Value == "" {
		err = fmt.Errorf("state record and value are required")
		return err
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("state already expired")
		return err
	}

	data, err := json.Marshal(toStateJSON(state))
	if err != nil {
		err = fmt.Errorf("failed to marshal state: %w", err)
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.stateKey(state.Value)).Value(string(data)).
			Ex(ttl).Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to save state: %w", err)
		return err
	}

	s.logger.Debug("Saved state record", "expires_at", state.ExpiresAt)
	return nil
}

// ConsumeState atomically marks a state record consumed and returns it.
// The record and its consumed marker are manipulated in a single Lua script,
// so exactly one of any number of concurrent consumers succeeds; the rest
// observe storage.ErrStateConsumed.
func (s *Store) ConsumeState(ctx context.Context, value string) (*storage.StateRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_state", err, startTime)
	}()

	markerTTL := int64(consumedStateRetention / time.Second)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeState).
			Numkeys(2).
			Key(s.stateKey(value), s.stateConsumedKey(value)).
			Arg(strconv.FormatInt(markerTTL, 10)).
			Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to consume state: %w", err)
		return nil, err
	}

	switch result {
	case "NOT_FOUND":
		err = storage.ErrStateNotFound
		return nil, err
	case "CONSUMED":
		err = storage.ErrStateConsumed
		return nil, err
	}

	var j stateJSON
	if err = json.Unmarshal([]byte(result), &j); err != nil {
		err = fmt.Errorf("failed to unmarshal state: %w", err)
		return nil, err
	}

	record := fromStateJSON(&j)
	record.Consumed = true

	s.logger.Debug("Consumed state record")
	return record, nil
}
