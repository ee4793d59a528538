package authkit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/willowapp/authkit/storage/memory"
)

func testSigningSecret() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func testStateManager(t *testing.T, ttl time.Duration) *StateManager {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	m, err := NewStateManager(store, testSigningSecret(), ttl, nil, nil)
	if err != nil {
		t.Fatalf("NewStateManager: %v", err)
	}
	return m
}

func TestNewStateManager_RejectsBadTTL(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	if _, err := NewStateManager(store, testSigningSecret(), 0, nil, nil); err == nil {
		t.Error("expected error for zero TTL")
	}
	if _, err := NewStateManager(store, testSigningSecret(), time.Hour, nil, nil); err == nil {
		t.Error("expected error for TTL above the cap")
	}
}

func TestState_IssueAndValidate(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if state.Value == "" || state.Signature == "" {
		t.Fatal("issued state missing value or signature")
	}

	if err := m.Validate(ctx, state.Value, state.Signature, "fp-1"); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestState_SingleUse(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := m.Validate(ctx, state.Value, state.Signature, "fp-1"); err != nil {
		t.Fatalf("first validate: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := m.Validate(ctx, state.Value, state.Signature, "fp-1")
		if !errors.Is(err, ErrReplayDetected) {
			t.Errorf("replay %d error = %v, want ErrReplayDetected", i+1, err)
		}
	}
}

func TestState_ConcurrentValidation(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, replays := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Validate(ctx, state.Value, state.Signature, "fp-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrReplayDetected):
				replays++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if replays != workers-1 {
		t.Errorf("replays = %d, want %d", replays, workers-1)
	}
}

func TestState_Expiry(t *testing.T) {
	m := testStateManager(t, 20*time.Millisecond)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if err := m.Validate(ctx, state.Value, state.Signature, "fp-1"); !errors.Is(err, ErrStateExpired) {
		t.Errorf("error = %v, want ErrStateExpired", err)
	}
}

func TestState_FingerprintBinding(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-issuer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	err = m.Validate(ctx, state.Value, state.Signature, "fp-attacker")
	if !errors.Is(err, ErrStateFingerprintMismatch) {
		t.Errorf("error = %v, want ErrStateFingerprintMismatch", err)
	}
}

func TestState_ForgedSignature(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	state, err := m.Issue(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	err = m.Validate(ctx, state.Value, "forged-signature", "fp-1")
	if !errors.Is(err, ErrStateUnknown) {
		t.Errorf("error = %v, want ErrStateUnknown", err)
	}
}

func TestState_UnknownValue(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)

	err := m.Validate(context.Background(), "never-issued", "whatever", "fp-1")
	if !errors.Is(err, ErrStateUnknown) {
		t.Errorf("error = %v, want ErrStateUnknown", err)
	}
}

func TestState_ValuesAreUnique(t *testing.T) {
	m := testStateManager(t, 5*time.Minute)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := m.Issue(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if seen[state.Value] {
			t.Fatal("duplicate state value issued")
		}
		seen[state.Value] = true
	}
}
