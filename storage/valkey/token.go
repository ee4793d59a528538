package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/willowapp/authkit/storage"
)

// tokenRecordDefaultTTL bounds how long a token record whose refresh token
// carries no expiry stays alive without being rotated. Each save resets it.
const tokenRecordDefaultTTL = 90 * 24 * time.Hour

// SaveTokenRecord stores or replaces the whole token record for its
// (UserID, Provider) key in a single SET. Readers therefore always observe
// an access/refresh pair from the same rotation.
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_token_record", err, startTime)
	}()

	if record == nil || record.UserID == "" || record.Provider == "" {
		err = fmt.Errorf("token record with user ID and provider is required")
		return err
	}

	data, err := json.Marshal(toTokenRecordJSON(record))
	if err != nil {
		err = fmt.Errorf("failed to marshal token record: %w", err)
		return err
	}

	ttl := tokenRecordDefaultTTL
	if !record.Refresh.ExpiresAt.IsZero() {
		if remaining := calculateTTL(record.Refresh.ExpiresAt); remaining > 0 {
			ttl = remaining
		}
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(record.UserID, record.Provider)).
			Value(string(data)).Ex(ttl).Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to save token record: %w", err)
		return err
	}

	s.logger.Debug("Saved token record",
		"provider", record.Provider,
		"key_version", record.Access.KeyVersion)
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

	j, err := getAndUnmarshal[tokenRecordJSON](ctx, s, s.tokenKey(userID, provider), storage.ErrTokensNotFound)
	if err != nil {
		if errors.Is(err, storage.ErrTokensNotFound) {
			return nil, err
		}
		err = fmt.Errorf("failed to get token record: %w", err)
		return nil, err
	}

	return fromTokenRecordJSON(j), nil
}

// DeleteTokenRecord removes the token record for a user/provider pair.
// Deleting a missing record is not an error.
func (s *Store) DeleteTokenRecord(ctx context.Context, userID, provider string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token_record", err, startTime)
	}()

	err = s.client.Do(ctx,
		s.client.B().Del().Key(s.tokenKey(userID, provider)).Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to delete token record: %w", err)
		return err
	}

	s.logger.Debug("Deleted token record", "provider", provider)
	return nil
}
