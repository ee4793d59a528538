package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Login flow events

	// EventLoginStarted is logged when a login flow is initiated
	EventLoginStarted = "login_started"

	// EventLoginCompleted is logged when a callback completes and a session is issued
	EventLoginCompleted = "login_completed"

	// EventLoginFailed is logged when a login flow aborts
	EventLoginFailed = "login_failed"

	// State validation events

	// EventStateReplayDetected is logged when an already-consumed state is presented again
	EventStateReplayDetected = "state_replay_detected"

	// EventStateExpired is logged when an expired state is presented
	EventStateExpired = "state_expired"

	// EventStateFingerprintMismatch is logged when a state is presented by a different client
	EventStateFingerprintMismatch = "state_fingerprint_mismatch"

	// EventStateUnknown is logged when a state value has no matching record (forged or GC'd)
	EventStateUnknown = "state_unknown"

	// Session lifecycle events

	// EventSessionIssued is logged when a new session is created
	EventSessionIssued = "session_issued"

	// EventSessionRevoked is logged when a session is revoked (logout, expiry, risk)
	EventSessionRevoked = "session_revoked"

	// EventSessionSignatureInvalid is logged when a session reference fails signature verification
	EventSessionSignatureInvalid = "session_signature_invalid"

	// EventFingerprintDrift is logged when a session is used from a different fingerprint
	EventFingerprintDrift = "fingerprint_drift"

	// EventRiskThresholdExceeded is logged when accumulated risk flags force a revocation
	EventRiskThresholdExceeded = "risk_threshold_exceeded"

	// Token events

	// EventTokensStored is logged when a provider token pair is encrypted and persisted
	EventTokensStored = "tokens_stored" //nolint:gosec // G101: event type name, not a credential

	// EventTokensRotated is logged when a provider token pair is rotated
	EventTokensRotated = "tokens_rotated" //nolint:gosec // G101: event type name, not a credential

	// EventTokenDecryptFailed is logged when a stored token fails to decrypt (forces re-auth)
	EventTokenDecryptFailed = "token_decrypt_failed" //nolint:gosec // G101: event type name, not a credential

	// Abuse events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Provider events

	// EventProviderExchangeFailed is logged when the code exchange with the provider fails
	EventProviderExchangeFailed = "provider_exchange_failed"

	// EventProviderRefreshFailed is logged when a refresh-token exchange with the provider fails
	EventProviderRefreshFailed = "provider_refresh_failed"
)
