// Package providers defines the OAuth identity provider interface and the
// Identity type for authenticated user data.
//
// Implementations live in subpackages:
//   - providers/google: Google OAuth 2.0
//   - providers/spotify: Spotify Web API OAuth
//   - providers/mock: in-memory provider for testing
//
// Provider implementations handle authorization URL generation, code
// exchange, token refresh, identity lookup, and revocation. They are
// stateless; token persistence and encryption happen elsewhere.
package providers
