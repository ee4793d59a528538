package authkit

import (
	"fmt"
	"time"
)

// Kind identifies an error family in the public taxonomy.
type Kind string

const (
	// KindState covers OAuth state validation failures. Always aborts the
	// login attempt; never retried automatically.
	KindState Kind = "state"

	// KindRateLimit covers rate limit denials. Not a system fault; the
	// caller receives a retry hint.
	KindRateLimit Kind = "rate_limit"

	// KindCrypto covers encryption and decryption failures. Fatal for the
	// affected token pair; forces re-authentication.
	KindCrypto Kind = "crypto"

	// KindSession covers session validation failures.
	KindSession Kind = "session"

	// KindProvider covers upstream identity provider failures. Retryable
	// at the orchestrator level; the flow restarts from the beginning.
	KindProvider Kind = "provider"
)

// Code identifies the specific failure within a family.
type Code string

const (
	CodeExpired             Code = "expired"
	CodeUnknown             Code = "unknown"
	CodeFingerprintMismatch Code = "fingerprint_mismatch"
	CodeReplayDetected      Code = "replay_detected"

	CodeDenied Code = "denied"

	CodeDecryptionFailed Code = "decryption_failed"
	CodeEncryptionFailed Code = "encryption_failed"

	CodeRevoked          Code = "revoked"
	CodeSignatureInvalid Code = "signature_invalid"
	CodeFingerprintDrift Code = "fingerprint_drift"

	CodeNetworkTimeout   Code = "network_timeout"
	CodeExchangeRejected Code = "exchange_rejected"
)

// AuthError is the public error type of the subsystem. Callers branch on
// Kind and Code via errors.Is against the exported sentinels; messages are
// generic on purpose and never carry token or secret material.
type AuthError struct {
	Kind Kind
	Code Code

	// RetryAfter is set on rate limit denials.
	RetryAfter time.Duration

	cause error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %v", e.Kind, e.Code, e.cause)
	}
	return fmt.Sprintf("%s/%s", e.Kind, e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// Is matches another *AuthError by Kind and Code, so sentinels work with
// errors.Is regardless of wrapped cause or retry hint.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Retryable reports whether the caller may retry the whole flow. Provider
// failures are; everything else requires a fresh start or re-auth anyway.
func (e *AuthError) Retryable() bool {
	return e.Kind == KindProvider
}

// Sentinels for errors.Is comparisons.
var (
	ErrStateExpired             = &AuthError{Kind: KindState, Code: CodeExpired}
	ErrStateUnknown             = &AuthError{Kind: KindState, Code: CodeUnknown}
	ErrStateFingerprintMismatch = &AuthError{Kind: KindState, Code: CodeFingerprintMismatch}
	ErrReplayDetected           = &AuthError{Kind: KindState, Code: CodeReplayDetected}

	ErrRateLimited = &AuthError{Kind: KindRateLimit, Code: CodeDenied}

	ErrDecryptionFailed = &AuthError{Kind: KindCrypto, Code: CodeDecryptionFailed}
	ErrEncryptionFailed = &AuthError{Kind: KindCrypto, Code: CodeEncryptionFailed}

	ErrSessionExpired          = &AuthError{Kind: KindSession, Code: CodeExpired}
	ErrSessionRevoked          = &AuthError{Kind: KindSession, Code: CodeRevoked}
	ErrSessionSignatureInvalid = &AuthError{Kind: KindSession, Code: CodeSignatureInvalid}
	ErrFingerprintDrift        = &AuthError{Kind: KindSession, Code: CodeFingerprintDrift}

	ErrProviderTimeout  = &AuthError{Kind: KindProvider, Code: CodeNetworkTimeout}
	ErrExchangeRejected = &AuthError{Kind: KindProvider, Code: CodeExchangeRejected}
)

func stateError(code Code) *AuthError {
	return &AuthError{Kind: KindState, Code: code}
}

func rateLimitError(retryAfter time.Duration) *AuthError {
	return &AuthError{Kind: KindRateLimit, Code: CodeDenied, RetryAfter: retryAfter}
}

func cryptoError(code Code, cause error) *AuthError {
	return &AuthError{Kind: KindCrypto, Code: code, cause: cause}
}

func sessionError(code Code) *AuthError {
	return &AuthError{Kind: KindSession, Code: code}
}

func providerError(code Code, cause error) *AuthError {
	return &AuthError{Kind: KindProvider, Code: code, cause: cause}
}
