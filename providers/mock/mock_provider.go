// Package mock provides a mock implementation of the Provider interface for
// testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/willowapp/authkit/providers"
)

// MockProvider is a mock implementation of the Provider interface for
// testing. Per-method hooks can be replaced; defaults return plausible
// values. CallCounts tracks invocations per method.
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*oauth2.Token, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// FetchIdentityFunc is called when FetchIdentity() is invoked
	FetchIdentityFunc func(ctx context.Context, accessToken string) (*providers.Identity, error)

	// RevokeTokenFunc is called when RevokeToken() is invoked
	RevokeTokenFunc func(ctx context.Context, token string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.Mutex
}

// NewMockProvider creates a new mock provider with default implementations.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s", state)
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "new-mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		FetchIdentityFunc: func(ctx context.Context, accessToken string) (*providers.Identity, error) {
			return &providers.Identity{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error {
			return nil
		},
	}
}

// record bumps the call counter and returns without holding the lock, so a
// hook that calls back into the mock cannot deadlock.
func (m *MockProvider) record(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Calls returns how many times a method was invoked.
func (m *MockProvider) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	m.record("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL generates the URL to redirect users for authentication.
func (m *MockProvider) AuthorizationURL(state string) string {
	m.record("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return m.AuthorizationURLFunc(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.record("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not set")
	}
	return m.ExchangeCodeFunc(ctx, code)
}

// RefreshToken obtains a fresh token pair from a refresh token.
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not set")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// FetchIdentity resolves the identity behind an access token.
func (m *MockProvider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	m.record("FetchIdentity")
	if m.FetchIdentityFunc == nil {
		return nil, fmt.Errorf("FetchIdentityFunc not set")
	}
	return m.FetchIdentityFunc(ctx, accessToken)
}

// RevokeToken revokes a token upstream.
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	if m.RevokeTokenFunc == nil {
		return nil
	}
	return m.RevokeTokenFunc(ctx, token)
}
