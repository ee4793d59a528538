package authkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/providers"
	"github.com/willowapp/authkit/security"
	"github.com/willowapp/authkit/storage"
)

// Stores bundles the three persistence interfaces the subsystem needs.
// State records are ephemeral; tokens and sessions must survive restarts.
type Stores struct {
	States   storage.StateStore
	Tokens   storage.TokenStore
	Sessions storage.SessionStore
}

// Authenticator drives the OAuth2 authorization-code flow end to end:
// initiate, callback, token exchange, session issuance. It is the only
// component that talks to the identity provider; everything else is local.
//
// A failed flow leaves no artifacts behind: any step failing after a write
// triggers compensating deletes, so the caller can always restart from
// Start with a clean slate.
type Authenticator struct {
	provider providers.Provider
	states   *StateManager
	sessions *SessionGuard
	tokens   *Tokens

	loginLimiter    *security.RateLimiter
	callbackLimiter *security.RateLimiter

	providerTimeout time.Duration

	auditor *security.Auditor
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	// refreshGroup dedups concurrent refresh exchanges per user/provider
	// so a burst of expired-token requests costs one provider round-trip.
	refreshGroup singleflight.Group
}

// NewAuthenticator wires the subsystem together from validated config,
// a provider implementation, and the persistence stores. inst may be nil;
// a disabled (no-op) instrumentation instance is created in that case so
// every instrumented path stays live.
func NewAuthenticator(cfg *Config, provider providers.Provider, stores Stores, logger *slog.Logger, inst *instrumentation.Instrumentation) (*Authenticator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	auditor := security.NewAuditor(logger, cfg.AuditEnabled, inst.Metrics())

	vault, err := security.NewVault(cfg.Secrets.VaultKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	states, err := NewStateManager(stores.States, cfg.Secrets.SigningSecret, cfg.State.TTL, logger, auditor)
	if err != nil {
		return nil, err
	}

	sessions, err := NewSessionGuard(stores.Sessions, cfg.Secrets.SigningSecret, cfg.Session, logger, auditor, inst)
	if err != nil {
		return nil, err
	}

	tokens, err := NewTokens(stores.Tokens, vault, cfg.Tokens.RefreshGrace, logger, auditor, inst)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		provider:        provider,
		states:          states,
		sessions:        sessions,
		tokens:          tokens,
		loginLimiter:    security.NewRateLimiter(cfg.RateLimit.LoginMaxAttempts, cfg.RateLimit.LoginWindow, logger),
		callbackLimiter: security.NewRateLimiter(cfg.RateLimit.CallbackMaxAttempts, cfg.RateLimit.CallbackWindow, logger),
		providerTimeout: cfg.Provider.Timeout,
		auditor:         auditor,
		logger:          logger,
		metrics:         inst.Metrics(),
	}, nil
}

// Sessions exposes the session guard for request validation outside the
// login flow (middleware, other subsystems).
func (a *Authenticator) Sessions() *SessionGuard {
	return a.sessions
}

// Tokens exposes the token service for provider-feature wrappers that need
// raw pair access. Most callers should use AccessToken instead.
func (a *Authenticator) Tokens() *Tokens {
	return a.tokens
}

// Close stops background goroutines owned by the authenticator.
func (a *Authenticator) Close() {
	a.loginLimiter.Stop()
	a.callbackLimiter.Stop()
}

// Start begins a login flow for the given client fingerprint and returns
// the provider authorization URL to redirect the user to. The embedded
// state parameter carries both the state value and its signature as
// "value.signature".
func (a *Authenticator) Start(ctx context.Context, fingerprint string) (string, error) {
	if allowed, retryAfter := a.loginLimiter.Consume(fingerprint); !allowed {
		if a.auditor != nil {
			a.auditor.LogRateLimitExceeded(fingerprint, "login")
		}
		a.metrics.RecordRateLimitDenied(ctx, "login")
		return "", rateLimitError(retryAfter)
	}

	state, err := a.states.Issue(ctx, fingerprint)
	if err != nil {
		return "", fmt.Errorf("failed to issue state: %w", err)
	}

	if a.auditor != nil {
		a.auditor.LogLoginStarted(a.provider.Name(), fingerprint)
	}
	a.metrics.RecordLoginStarted(ctx, a.provider.Name())

	return a.provider.AuthorizationURL(state.Value + "." + state.Signature), nil
}

// CompleteCallback finishes the login flow: validates and consumes the
// state, exchanges the code with the provider under a bounded timeout,
// resolves the identity, persists the encrypted tokens, and issues a
// session. Failure at any step aborts with compensating deletes so no
// partial token or session artifacts survive.
func (a *Authenticator) CompleteCallback(ctx context.Context, code, stateValue, stateSignature, fingerprint string) (*SessionHandle, error) {
	if allowed, retryAfter := a.callbackLimiter.Consume(fingerprint); !allowed {
		if a.auditor != nil {
			a.auditor.LogRateLimitExceeded(fingerprint, "callback")
		}
		a.metrics.RecordRateLimitDenied(ctx, "callback")
		return nil, rateLimitError(retryAfter)
	}

	success := false
	defer func() {
		a.metrics.RecordCallbackProcessed(ctx, a.provider.Name(), success)
	}()

	if err := a.states.Validate(ctx, stateValue, stateSignature, fingerprint); err != nil {
		if errors.Is(err, ErrReplayDetected) {
			a.metrics.RecordReplayDetected(ctx)
		}
		a.failLogin(fingerprint, err)
		return nil, err
	}

	token, err := a.exchange(ctx, code)
	if err != nil {
		a.failLogin(fingerprint, err)
		return nil, err
	}

	identity, err := a.fetchIdentity(ctx, token.AccessToken)
	if err != nil {
		a.failLogin(fingerprint, err)
		return nil, err
	}

	providerName := a.provider.Name()

	if err := a.tokens.Save(ctx, identity.ID, providerName, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		a.failLogin(fingerprint, err)
		return nil, err
	}

	handle, err := a.sessions.Issue(ctx, identity.ID, fingerprint)
	if err != nil {
		// Compensate: the flow failed after the token write.
		if delErr := a.tokens.Delete(ctx, identity.ID, providerName); delErr != nil {
			a.logger.Error("Failed to clean up tokens after session failure",
				"provider", providerName,
				"error", delErr)
		}
		a.failLogin(fingerprint, err)
		return nil, err
	}

	if a.auditor != nil {
		a.auditor.LogLoginCompleted(identity.ID, providerName, fingerprint)
	}

	success = true
	return handle, nil
}

// AccessToken returns a live access token for the user, refreshing and
// rotating through the provider when the stored one is expired or inside
// the grace window. Concurrent callers for the same user share one refresh
// exchange.
func (a *Authenticator) AccessToken(ctx context.Context, userID string) (string, error) {
	providerName := a.provider.Name()

	pair, err := a.tokens.Get(ctx, userID, providerName)
	if err != nil {
		return "", err
	}
	if !pair.NeedsRefresh {
		return pair.AccessToken, nil
	}

	v, err, _ := a.refreshGroup.Do(userID+"|"+providerName, func() (interface{}, error) {
		// Re-read inside the flight: a concurrent winner may already
		// have rotated.
		pair, err := a.tokens.Get(ctx, userID, providerName)
		if err != nil {
			return "", err
		}
		if !pair.NeedsRefresh {
			return pair.AccessToken, nil
		}
		if pair.RefreshToken == "" {
			return "", providerError(CodeExchangeRejected, errors.New("no refresh token on record"))
		}

		refreshed, err := a.refresh(ctx, pair.RefreshToken)
		if err != nil {
			return "", err
		}

		if err := a.tokens.Rotate(ctx, userID, providerName, refreshed.AccessToken, refreshed.RefreshToken, refreshed.Expiry); err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout validates the session reference and revokes the session. Stored
// provider tokens are kept; other live sessions of the same user may still
// use them.
func (a *Authenticator) Logout(ctx context.Context, sessionRef, fingerprint string) error {
	info, err := a.sessions.Validate(ctx, sessionRef, fingerprint)
	if err != nil && !errors.Is(err, ErrFingerprintDrift) {
		return err
	}

	return a.sessions.Revoke(ctx, info.SessionID, "logout")
}

// exchange performs the authorization-code exchange under the provider
// timeout and maps failures into the provider error family.
func (a *Authenticator) exchange(ctx context.Context, code string) (token *providerToken, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()

	start := time.Now()
	raw, err := a.provider.ExchangeCode(ctx, code)
	a.metrics.RecordProviderCall(ctx, a.provider.Name(), "exchange_code", durationMs(start), err)
	if err != nil {
		return nil, a.mapProviderError(err)
	}

	return &providerToken{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Expiry:       raw.Expiry,
	}, nil
}

// refresh performs the refresh-token exchange under the provider timeout.
func (a *Authenticator) refresh(ctx context.Context, refreshToken string) (*providerToken, error) {
	ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()

	start := time.Now()
	raw, err := a.provider.RefreshToken(ctx, refreshToken)
	a.metrics.RecordProviderCall(ctx, a.provider.Name(), "refresh_token", durationMs(start), err)
	if err != nil {
		return nil, a.mapProviderError(err)
	}

	return &providerToken{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Expiry:       raw.Expiry,
	}, nil
}

// fetchIdentity resolves the user behind a freshly exchanged access token.
func (a *Authenticator) fetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()

	start := time.Now()
	identity, err := a.provider.FetchIdentity(ctx, accessToken)
	a.metrics.RecordProviderCall(ctx, a.provider.Name(), "fetch_identity", durationMs(start), err)
	if err != nil {
		return nil, a.mapProviderError(err)
	}
	if identity.ID == "" {
		return nil, providerError(CodeExchangeRejected, errors.New("provider returned empty subject"))
	}
	return identity, nil
}

// mapProviderError classifies an upstream failure as timeout or rejection.
func (a *Authenticator) mapProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return providerError(CodeNetworkTimeout, err)
	}
	return providerError(CodeExchangeRejected, err)
}

func (a *Authenticator) failLogin(fingerprint string, err error) {
	if a.auditor != nil {
		a.auditor.LogLoginFailed(a.provider.Name(), fingerprint, err.Error())
	}
}

// providerToken is the internal shape of a provider token response.
type providerToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
