package authkit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/willowapp/authkit/security"
)

const (
	// minSigningSecretLength is the minimum signing secret size. Anything
	// shorter fails startup rather than silently weakening every HMAC in
	// the subsystem.
	minSigningSecretLength = 32

	// maxStateTTL caps how long an issued OAuth state stays valid.
	maxStateTTL = 10 * time.Minute
)

// Config holds the subsystem configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// ServerURL is the public base URL of this service, used for security
	// headers and cookie scoping.
	ServerURL string

	// PostLoginRedirect is where the callback handler sends the browser
	// after a successful login. Defaults to "/".
	PostLoginRedirect string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted reverse proxies in front
	// of the service when TrustProxy is set.
	TrustedProxyCount int

	// AuditEnabled enables security audit logging. Logs auth events,
	// token operations, and violations (sensitive data hashed).
	AuditEnabled bool

	// Provider holds identity provider settings.
	Provider ProviderConfig

	// Secrets holds signing and encryption key material.
	Secrets SecretsConfig

	// State holds OAuth state settings.
	State StateConfig

	// RateLimit holds rate limiting configuration.
	RateLimit RateLimitConfig

	// Session holds session lifecycle configuration.
	Session SessionConfig

	// Tokens holds token refresh configuration.
	Tokens TokenConfig
}

// ProviderConfig holds identity provider credentials and settings.
type ProviderConfig struct {
	// Name selects the provider implementation ("google", "spotify").
	Name string

	// ClientID is the OAuth client ID (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// RedirectURL is where the provider redirects after authentication.
	RedirectURL string

	// Scopes overrides the provider's default scopes when non-empty.
	Scopes []string

	// Timeout bounds every network call to the provider.
	// Default: 10 seconds.
	Timeout time.Duration
}

// SecretsConfig holds key material. All secrets come from configuration,
// never hard-coded defaults.
type SecretsConfig struct {
	// SigningSecret is the root HMAC secret. State and session signing
	// keys are derived from it; it must be at least 32 bytes.
	SigningSecret []byte

	// VaultKeys are the token encryption root keys ordered oldest to
	// newest (32 bytes each). The newest key encrypts; older keys keep
	// previously sealed tokens readable.
	VaultKeys [][]byte
}

// StateConfig holds OAuth state settings.
type StateConfig struct {
	// TTL is how long an issued state stays valid. Must be positive and
	// at most 10 minutes. Default: 5 minutes.
	TTL time.Duration
}

// RateLimitConfig holds rate limiting configuration. Login initiation and
// callback handling are limited separately; the callback ceiling is lower
// because exchange-endpoint abuse is the more dangerous of the two.
type RateLimitConfig struct {
	// LoginMaxAttempts is the number of login initiations allowed per
	// fingerprint per LoginWindow. Default: 10.
	LoginMaxAttempts int

	// LoginWindow is the login rate window. Default: 1 minute.
	LoginWindow time.Duration

	// CallbackMaxAttempts is the number of callback hits allowed per
	// fingerprint per CallbackWindow. Default: 5.
	CallbackMaxAttempts int

	// CallbackWindow is the callback rate window. Default: 1 minute.
	CallbackWindow time.Duration
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// IdleTTL is the sliding idle window. Default: 30 minutes.
	IdleTTL time.Duration

	// AbsoluteTTL is the hard session lifetime. Default: 12 hours.
	AbsoluteTTL time.Duration

	// RiskThreshold is the number of accumulated risk flags that forces
	// revocation. Default: 3.
	RiskThreshold int

	// CookieName is the session cookie name. Default: "authkit_session".
	CookieName string

	// CookieSecure marks the session cookie Secure. Default: true;
	// disable only for local development over plain HTTP.
	CookieSecure bool
}

// TokenConfig holds token refresh configuration.
type TokenConfig struct {
	// RefreshGrace is how long before the stored access token's expiry a
	// Get starts signalling refresh. Default: 2 minutes.
	RefreshGrace time.Duration
}

// DefaultConfig returns a config with production defaults. Credentials and
// secrets must still be filled in.
func DefaultConfig() *Config {
	return &Config{
		PostLoginRedirect: "/",
		AuditEnabled:      true,
		Provider: ProviderConfig{
			Timeout: 10 * time.Second,
		},
		State: StateConfig{
			TTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			LoginMaxAttempts:    10,
			LoginWindow:         time.Minute,
			CallbackMaxAttempts: 5,
			CallbackWindow:      time.Minute,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			AbsoluteTTL:   12 * time.Hour,
			RiskThreshold: 3,
			CookieName:    "authkit_session",
			CookieSecure:  true,
		},
		Tokens: TokenConfig{
			RefreshGrace: 2 * time.Minute,
		},
	}
}

// FromEnv builds a config from AUTHKIT_* environment variables on top of
// the defaults. Unset variables keep their default; malformed values are
// reported, not ignored.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ServerURL = envString("AUTHKIT_SERVER_URL", cfg.ServerURL)
	cfg.PostLoginRedirect = envString("AUTHKIT_POST_LOGIN_REDIRECT", cfg.PostLoginRedirect)

	cfg.Provider.Name = envString("AUTHKIT_PROVIDER", cfg.Provider.Name)
	cfg.Provider.ClientID = envString("AUTHKIT_CLIENT_ID", cfg.Provider.ClientID)
	cfg.Provider.ClientSecret = envString("AUTHKIT_CLIENT_SECRET", cfg.Provider.ClientSecret)
	cfg.Provider.RedirectURL = envString("AUTHKIT_REDIRECT_URL", cfg.Provider.RedirectURL)
	if scopes := os.Getenv("AUTHKIT_SCOPES"); scopes != "" {
		cfg.Provider.Scopes = strings.Split(scopes, ",")
	}

	if secret := os.Getenv("AUTHKIT_SIGNING_SECRET"); secret != "" {
		cfg.Secrets.SigningSecret = []byte(secret)
	}
	if keys := os.Getenv("AUTHKIT_VAULT_KEYS"); keys != "" {
		for i, encoded := range strings.Split(keys, ",") {
			key, err := security.KeyFromBase64(strings.TrimSpace(encoded))
			if err != nil {
				return nil, fmt.Errorf("invalid AUTHKIT_VAULT_KEYS entry %d: %w", i+1, err)
			}
			cfg.Secrets.VaultKeys = append(cfg.Secrets.VaultKeys, key)
		}
	}

	var err error
	if cfg.State.TTL, err = envDuration("AUTHKIT_STATE_TTL", cfg.State.TTL); err != nil {
		return nil, err
	}
	if cfg.Session.IdleTTL, err = envDuration("AUTHKIT_SESSION_IDLE_TTL", cfg.Session.IdleTTL); err != nil {
		return nil, err
	}
	if cfg.Session.AbsoluteTTL, err = envDuration("AUTHKIT_SESSION_ABSOLUTE_TTL", cfg.Session.AbsoluteTTL); err != nil {
		return nil, err
	}
	if cfg.Provider.Timeout, err = envDuration("AUTHKIT_PROVIDER_TIMEOUT", cfg.Provider.Timeout); err != nil {
		return nil, err
	}
	if cfg.Tokens.RefreshGrace, err = envDuration("AUTHKIT_REFRESH_GRACE", cfg.Tokens.RefreshGrace); err != nil {
		return nil, err
	}
	if cfg.Session.RiskThreshold, err = envInt("AUTHKIT_RISK_THRESHOLD", cfg.Session.RiskThreshold); err != nil {
		return nil, err
	}
	if cfg.RateLimit.LoginMaxAttempts, err = envInt("AUTHKIT_LOGIN_RATE_LIMIT", cfg.RateLimit.LoginMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RateLimit.CallbackMaxAttempts, err = envInt("AUTHKIT_CALLBACK_RATE_LIMIT", cfg.RateLimit.CallbackMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.TrustedProxyCount, err = envInt("AUTHKIT_TRUSTED_PROXY_COUNT", cfg.TrustedProxyCount); err != nil {
		return nil, err
	}
	if cfg.TrustProxy, err = envBool("AUTHKIT_TRUST_PROXY", cfg.TrustProxy); err != nil {
		return nil, err
	}
	if cfg.AuditEnabled, err = envBool("AUTHKIT_AUDIT_ENABLED", cfg.AuditEnabled); err != nil {
		return nil, err
	}
	if cfg.Session.CookieSecure, err = envBool("AUTHKIT_COOKIE_SECURE", cfg.Session.CookieSecure); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration. Missing or under-length secrets fail
// here so the subsystem refuses to start rather than run weakened.
func (c *Config) Validate() error {
	if len(c.Secrets.SigningSecret) < minSigningSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes, got %d",
			minSigningSecretLength, len(c.Secrets.SigningSecret))
	}
	if len(c.Secrets.VaultKeys) == 0 {
		return fmt.Errorf("at least one vault key is required")
	}
	for i, key := range c.Secrets.VaultKeys {
		if len(key) != security.KeySize {
			return fmt.Errorf("vault key %d must be exactly %d bytes, got %d",
				i+1, security.KeySize, len(key))
		}
	}

	if c.Provider.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if c.Provider.ClientID == "" || c.Provider.ClientSecret == "" {
		return fmt.Errorf("provider client ID and secret are required")
	}
	if c.Provider.RedirectURL == "" {
		return fmt.Errorf("provider redirect URL is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	if c.State.TTL <= 0 || c.State.TTL > maxStateTTL {
		return fmt.Errorf("state TTL must be in (0, %s], got %s", maxStateTTL, c.State.TTL)
	}

	if c.Session.IdleTTL <= 0 || c.Session.AbsoluteTTL <= 0 {
		return fmt.Errorf("session TTLs must be positive")
	}
	if c.Session.IdleTTL > c.Session.AbsoluteTTL {
		return fmt.Errorf("session idle TTL (%s) must not exceed absolute TTL (%s)",
			c.Session.IdleTTL, c.Session.AbsoluteTTL)
	}
	if c.Session.RiskThreshold < 1 {
		return fmt.Errorf("session risk threshold must be at least 1")
	}

	if c.RateLimit.LoginMaxAttempts < 1 || c.RateLimit.CallbackMaxAttempts < 1 {
		return fmt.Errorf("rate limit attempt counts must be at least 1")
	}
	if c.RateLimit.LoginWindow <= 0 || c.RateLimit.CallbackWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}

	return nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}
