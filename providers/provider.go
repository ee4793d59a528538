package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Identity is the provider-asserted identity of an authenticated user.
type Identity struct {
	// ID is the provider's stable subject identifier.
	ID string

	// Email is the user's email address, if the provider shares it.
	Email string

	// EmailVerified reports whether the provider has verified the email.
	EmailVerified bool

	// Name is the user's display name.
	Name string

	// Picture is a URL to the user's avatar.
	Picture string
}

// Provider is an OAuth identity provider. Implementations wrap a single
// upstream (Google, Spotify, ...) and never see stored token material;
// callers hand them plaintext tokens only for the duration of a call.
type Provider interface {
	// Name returns the provider's registry name (e.g. "google").
	Name() string

	// AuthorizationURL builds the upstream authorization URL carrying the
	// given state value.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for a token pair.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// RefreshToken obtains a fresh token pair from a refresh token. Some
	// providers rotate the refresh token on every use; callers must
	// persist whatever comes back.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// FetchIdentity resolves the identity behind an access token.
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)

	// RevokeToken revokes a token upstream. Providers without a
	// revocation endpoint return nil.
	RevokeToken(ctx context.Context, token string) error
}
