package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/security"
)

// userIDContextKey carries the authenticated user ID through the request
// context.
type userIDContextKey struct{}

// UserIDFromContext returns the user ID injected by RequireSession, or ""
// when the request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// Handler is the HTTP adapter over Authenticator. It owns no contracts of
// its own; every behavior lives on the Go API underneath.
type Handler struct {
	auth    *Authenticator
	cfg     *Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewHandler creates the HTTP adapter. inst may be nil, in which case
// request metrics are not recorded.
func NewHandler(auth *Authenticator, cfg *Config, logger *slog.Logger, inst *instrumentation.Instrumentation) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{auth: auth, cfg: cfg, logger: logger}
	if inst != nil {
		h.metrics = inst.Metrics()
	}
	return h
}

// RegisterRoutes mounts the auth endpoints on the mux. All routes carry
// security headers and request IDs.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /auth/login", h.wrap(h.handleLogin))
	mux.Handle("GET /auth/callback", h.wrap(h.handleCallback))
	mux.Handle("POST /auth/logout", h.wrap(h.handleLogout))
	mux.Handle("GET /auth/session", h.wrap(h.handleSession))
}

func (h *Handler) wrap(fn http.HandlerFunc) http.Handler {
	return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.cfg.ServerURL)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)

		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, durationMs(start))
		}
	}))
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handleLogin starts the OAuth flow and redirects the browser to the
// provider.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	fingerprint := h.fingerprint(r)

	redirectURL, err := h.auth.Start(r.Context(), fingerprint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleCallback finishes the OAuth flow, sets the session cookie, and
// redirects to the post-login destination.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("Provider returned authorization error",
			"error", errParam,
			"request_id", security.RequestIDFromContext(r.Context()))
		h.writeError(w, r, providerError(CodeExchangeRejected, errors.New("authorization denied")))
		return
	}

	code := query.Get("code")
	stateValue, stateSignature, ok := splitStateParam(query.Get("state"))
	if code == "" || !ok {
		h.writeError(w, r, stateError(CodeUnknown))
		return
	}

	handle, err := h.auth.CompleteCallback(r.Context(), code, stateValue, stateSignature, h.fingerprint(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(handle.Ref, handle.ExpiresAt))
	http.Redirect(w, r, h.cfg.PostLoginRedirect, http.StatusFound)
}

// handleLogout revokes the current session and clears the cookie.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.sessionRef(r)
	if !ok {
		h.writeError(w, r, sessionError(CodeSignatureInvalid))
		return
	}

	if err := h.auth.Logout(r.Context(), ref, h.fingerprint(r)); err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, h.clearedSessionCookie())
	w.WriteHeader(http.StatusNoContent)
}

// handleSession reports the current session's user. Drifted sessions are
// still reported; the drift flag lets the frontend trigger step-up auth.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.sessionRef(r)
	if !ok {
		h.writeError(w, r, sessionError(CodeSignatureInvalid))
		return
	}

	info, err := h.auth.Sessions().Validate(r.Context(), ref, h.fingerprint(r))
	if err != nil && !errors.Is(err, ErrFingerprintDrift) {
		h.writeError(w, r, err)
		return
	}

	if touchErr := h.auth.Sessions().Touch(r.Context(), info.SessionID); touchErr != nil {
		h.logger.Warn("Failed to touch session",
			"request_id", security.RequestIDFromContext(r.Context()),
			"error", touchErr)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id": info.UserID,
		"drifted": info.Drifted,
	})
}

// RequireSession validates the session cookie and injects the user ID into
// the request context before invoking next. Drifted sessions pass through;
// consumers read the drift signal via /auth/session if they enforce
// step-up policies.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref, ok := h.sessionRef(r)
		if !ok {
			h.writeError(w, r, sessionError(CodeSignatureInvalid))
			return
		}

		info, err := h.auth.Sessions().Validate(r.Context(), ref, h.fingerprint(r))
		if err != nil && !errors.Is(err, ErrFingerprintDrift) {
			h.writeError(w, r, err)
			return
		}

		if touchErr := h.auth.Sessions().Touch(r.Context(), info.SessionID); touchErr != nil {
			h.logger.Warn("Failed to touch session",
				"request_id", security.RequestIDFromContext(r.Context()),
				"error", touchErr)
		}

		ctx := context.WithValue(r.Context(), userIDContextKey{}, info.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) fingerprint(r *http.Request) string {
	return security.FingerprintFromRequest(r, h.cfg.TrustProxy, h.cfg.TrustedProxyCount)
}

func (h *Handler) sessionRef(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(h.cfg.Session.CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (h *Handler) sessionCookie(ref string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    ref,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cfg.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) clearedSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// writeError maps the error taxonomy onto HTTP. Bodies stay generic; the
// specific kind is logged, never surfaced.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnauthorized
	message := "authentication required, please sign in again"

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case KindRateLimit:
			status = http.StatusTooManyRequests
			message = "too many attempts, slow down"
			if authErr.RetryAfter > 0 {
				seconds := int(authErr.RetryAfter/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
		case KindProvider:
			status = http.StatusBadGateway
			message = "sign-in is temporarily unavailable, please try again"
		}
	} else {
		status = http.StatusInternalServerError
		message = "something went wrong, please try again"
	}

	h.logger.Warn("Auth request failed",
		"path", r.URL.Path,
		"status", status,
		"request_id", security.RequestIDFromContext(r.Context()),
		"error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// splitStateParam splits the round-tripped "value.signature" state
// parameter.
func splitStateParam(state string) (value, signature string, ok bool) {
	idx := strings.LastIndex(state, ".")
	if idx <= 0 || idx == len(state)-1 {
		return "", "", false
	}
	return state[:idx], state[idx+1:], true
}
