package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/willowapp/authkit/storage"
)

const (
	testUserID   = "test-user"
	testProvider = "google"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if VALKEY_TEST_ADDR is not set and no local server is
// reachable. Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("authkittest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's prefix.
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func testState(value string) *storage.StateRecord {
	now := time.Now()
	return &storage.StateRecord{
		Value:           value,
		FingerprintHash: "fp-hash",
		IssuedAt:        now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func testTokenRecord() *storage.TokenRecord {
	return &storage.TokenRecord{
		UserID:   testUserID,
		Provider: testProvider,
		Access: storage.EncryptedToken{
			Ciphertext: "access-ciphertext",
			KeyVersion: 1,
			Kind:       storage.TokenKindAccess,
			ExpiresAt:  time.Now().Add(time.Hour),
		},
		Refresh: storage.EncryptedToken{
			Ciphertext: "refresh-ciphertext",
			KeyVersion: 1,
			Kind:       storage.TokenKindRefresh,
		},
		UpdatedAt: time.Now(),
	}
}

func testSession(id string) *storage.SessionRecord {
	now := time.Now()
	return &storage.SessionRecord{
		ID:                id,
		UserID:            testUserID,
		FingerprintHash:   "fp-hash",
		CreatedAt:         now,
		LastSeenAt:        now,
		IdleExpiresAt:     now.Add(30 * time.Minute),
		AbsoluteExpiresAt: now.Add(12 * time.Hour),
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestStateLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := testState("state-lifecycle")
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.ConsumeState(ctx, state.Value)
	if err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	if got.FingerprintHash != state.FingerprintHash {
		t.Errorf("fingerprint hash = %q, want %q", got.FingerprintHash, state.FingerprintHash)
	}
	if !got.Consumed {
		t.Error("returned record should be marked consumed")
	}

	// Second consume is a replay.
	if _, err := s.ConsumeState(ctx, state.Value); !errors.Is(err, storage.ErrStateConsumed) {
		t.Errorf("replay error = %v, want ErrStateConsumed", err)
	}
}

func TestConsumeState_Unknown(t *testing.T) {
	s := testStore(t)

	_, err := s.ConsumeState(context.Background(), "never-issued")
	if !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound", err)
	}
}

func TestConsumeState_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := testState("state-concurrent")
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeState(ctx, state.Value); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", successes)
	}
}

func TestSaveState_Expired(t *testing.T) {
	s := testStore(t)

	state := testState("state-expired")
	state.ExpiresAt = time.Now().Add(-time.Minute)

	if err := s.SaveState(context.Background(), state); err == nil {
		t.Error("expected error saving an already-expired state")
	}
}

func TestTokenRecordLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := testTokenRecord()
	if err := s.SaveTokenRecord(ctx, record); err != nil {
		t.Fatalf("SaveTokenRecord: %v", err)
	}

	got, err := s.GetTokenRecord(ctx, testUserID, testProvider)
	if err != nil {
		t.Fatalf("GetTokenRecord: %v", err)
	}
	if got.Access.Ciphertext != record.Access.Ciphertext {
		t.Errorf("access ciphertext = %q, want %q", got.Access.Ciphertext, record.Access.Ciphertext)
	}
	if got.Refresh.Kind != storage.TokenKindRefresh {
		t.Errorf("refresh kind = %q, want %q", got.Refresh.Kind, storage.TokenKindRefresh)
	}

	if err := s.DeleteTokenRecord(ctx, testUserID, testProvider); err != nil {
		t.Fatalf("DeleteTokenRecord: %v", err)
	}

	if _, err := s.GetTokenRecord(ctx, testUserID, testProvider); !errors.Is(err, storage.ErrTokensNotFound) {
		t.Errorf("error after delete = %v, want ErrTokensNotFound", err)
	}
}

func TestSaveTokenRecord_ReplacesWholePair(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := testTokenRecord()
	if err := s.SaveTokenRecord(ctx, record); err != nil {
		t.Fatalf("SaveTokenRecord: %v", err)
	}

	rotated := testTokenRecord()
	rotated.Access.Ciphertext = "access-ciphertext-v2"
	rotated.Refresh.Ciphertext = "refresh-ciphertext-v2"
	if err := s.SaveTokenRecord(ctx, rotated); err != nil {
		t.Fatalf("SaveTokenRecord (rotated): %v", err)
	}

	got, err := s.GetTokenRecord(ctx, testUserID, testProvider)
	if err != nil {
		t.Fatalf("GetTokenRecord: %v", err)
	}
	if got.Access.Ciphertext != "access-ciphertext-v2" || got.Refresh.Ciphertext != "refresh-ciphertext-v2" {
		t.Errorf("got pair (%q, %q), want both rotated values",
			got.Access.Ciphertext, got.Refresh.Ciphertext)
	}
}

func TestDeleteTokenRecord_Missing(t *testing.T) {
	s := testStore(t)

	if err := s.DeleteTokenRecord(context.Background(), "nobody", testProvider); err != nil {
		t.Errorf("deleting a missing record should not error, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session := testSession("sess-lifecycle")
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != testUserID {
		t.Errorf("user ID = %q, want %q", got.UserID, testUserID)
	}
	if got.Revoked {
		t.Error("new session should not be revoked")
	}

	lastSeen := time.Now().Add(time.Minute)
	idleExpiry := lastSeen.Add(30 * time.Minute)
	if err := s.TouchSession(ctx, session.ID, lastSeen, idleExpiry); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	got, err = s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession after touch: %v", err)
	}
	if !got.IdleExpiresAt.After(session.IdleExpiresAt) {
		t.Error("touch should extend the idle expiry")
	}

	if err := s.RevokeSession(ctx, session.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	got, err = s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession after revoke: %v", err)
	}
	if !got.Revoked || got.RevokedAt.IsZero() {
		t.Error("session should be revoked with a revocation time")
	}

	// Revocation is idempotent.
	if err := s.RevokeSession(ctx, session.ID); err != nil {
		t.Errorf("second revoke should not error, got %v", err)
	}
}

func TestGetSession_Unknown(t *testing.T) {
	s := testStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestAddRiskFlag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session := testSession("sess-risk")
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := s.AddRiskFlag(ctx, session.ID, storage.RiskFingerprintDrift)
		if err != nil {
			t.Fatalf("AddRiskFlag #%d: %v", want, err)
		}
		if count != want {
			t.Errorf("flag count = %d, want %d", count, want)
		}
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.RiskFlags) != 3 {
		t.Errorf("stored flags = %d, want 3", len(got.RiskFlags))
	}
}

func TestAddRiskFlag_UnknownSession(t *testing.T) {
	s := testStore(t)

	_, err := s.AddRiskFlag(context.Background(), "missing", storage.RiskFingerprintDrift)
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestListUserSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		if err := s.SaveSession(ctx, testSession(id)); err != nil {
			t.Fatalf("SaveSession %s: %v", id, err)
		}
	}

	sessions, err := s.ListUserSessions(ctx, testUserID)
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("session count = %d, want 3", len(sessions))
	}

	sessions, err = s.ListUserSessions(ctx, "someone-else")
	if err != nil {
		t.Fatalf("ListUserSessions (other user): %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("session count for other user = %d, want 0", len(sessions))
	}
}
