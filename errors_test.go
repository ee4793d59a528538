package authkit

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAuthError_Is(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel *AuthError
		want     bool
	}{
		{"replay matches replay", stateError(CodeReplayDetected), ErrReplayDetected, true},
		{"replay does not match expired", stateError(CodeReplayDetected), ErrStateExpired, false},
		{"session expired is not state expired", sessionError(CodeExpired), ErrStateExpired, false},
		{"rate limit with hint matches bare sentinel", rateLimitError(3 * time.Second), ErrRateLimited, true},
		{"wrapped still matches", fmt.Errorf("callback: %w", stateError(CodeFingerprintMismatch)), ErrStateFingerprintMismatch, true},
		{"crypto with cause matches", cryptoError(CodeDecryptionFailed, errors.New("boom")), ErrDecryptionFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthError_RetryAfter(t *testing.T) {
	err := rateLimitError(42 * time.Second)

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatal("errors.As failed")
	}
	if authErr.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %s, want 42s", authErr.RetryAfter)
	}
}

func TestAuthError_Retryable(t *testing.T) {
	if !providerError(CodeNetworkTimeout, nil).Retryable() {
		t.Error("provider errors should be retryable")
	}
	if stateError(CodeReplayDetected).Retryable() {
		t.Error("state errors must never be retryable")
	}
	if cryptoError(CodeDecryptionFailed, nil).Retryable() {
		t.Error("crypto errors must never be retryable")
	}
}

func TestAuthError_MessageCarriesNoSecrets(t *testing.T) {
	err := cryptoError(CodeDecryptionFailed, errors.New("cipher: message authentication failed"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty message")
	}
	// Kind and code only; the cause is mechanical, not secret material.
	if want := "crypto/decryption_failed"; len(msg) < len(want) || msg[:len(want)] != want {
		t.Errorf("message = %q, want %q prefix", msg, want)
	}
}
