package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks on deadlines asserted by external systems (provider token
	// expiries); 5 seconds covers typical NTP drift between us and the
	// provider.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a deadline has passed. A zero deadline never
// expires. No grace period: this is for deadlines this service issued
// itself (state TTLs, session windows), where the issuing and checking
// clock are the same and an expired artifact must fail closed immediately.
func IsExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt)
}

// IsExpiredWithGracePeriod checks whether a deadline has passed with a
// grace period. A zero deadline never expires. Only for deadlines asserted
// by an external clock, never for server-issued ones.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon checks whether a deadline falls within the given threshold
// from now. Used to trigger provider refresh before the access token lapses.
func IsExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
