package authkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/willowapp/authkit/instrumentation"
	"github.com/willowapp/authkit/providers/mock"
)

func testInstrumentation(t *testing.T) (*instrumentation.Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New: %v", err)
	}
	return inst, reader
}

// counterSum collects the reader and sums all data points of the named
// int64 counter. Missing instruments sum to zero.
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestAuthenticator_FlowMetrics(t *testing.T) {
	inst, reader := testInstrumentation(t)

	cfg := validTestConfig(t)
	cfg.RateLimit.LoginMaxAttempts = 2

	provider := mock.NewMockProvider()
	auth, err := NewAuthenticator(cfg, provider, testStores(t), nil, inst)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	t.Cleanup(auth.Close)
	ctx := context.Background()

	// One full login, then a replay of the same callback.
	value, signature := startLogin(t, auth, "fp-1")
	handle, err := auth.CompleteCallback(ctx, "auth-code", value, signature, "fp-1")
	if err != nil {
		t.Fatalf("CompleteCallback: %v", err)
	}
	if _, err := auth.CompleteCallback(ctx, "auth-code", value, signature, "fp-1"); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay error = %v", err)
	}

	// One fingerprint drift observation.
	if _, err := auth.Sessions().Validate(ctx, handle.Ref, "fp-other"); !errors.Is(err, ErrFingerprintDrift) {
		t.Fatalf("drift error = %v", err)
	}

	// One refresh-rotate through the provider.
	if err := auth.Tokens().Save(ctx, handle.UserID, "mock", "stale", "refresh", time.Now().Add(10*time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := auth.AccessToken(ctx, handle.UserID); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	// One revocation and one login rate-limit denial.
	if err := auth.Logout(ctx, handle.Ref, "fp-1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := auth.Start(ctx, "fp-1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if _, err := auth.Start(ctx, "fp-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}

	counters := map[string]int64{
		"auth.logins.started":            2,
		"auth.rate_limit.denied":         1,
		"auth.callbacks.processed":       2,
		"auth.state.replays_detected":    1,
		"auth.sessions.issued":           1,
		"auth.sessions.revoked":          1,
		"auth.session.fingerprint_drift": 1,
		"auth.tokens.rotated":            1,
	}
	for name, want := range counters {
		if got := counterSum(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	// Exchange, identity fetch, and refresh all hit the provider.
	if got := counterSum(t, reader, "provider.calls.total"); got < 3 {
		t.Errorf("provider.calls.total = %d, want at least 3", got)
	}
	// Both token halves are sealed and unsealed at least once each.
	if got := counterSum(t, reader, "auth.vault.operations.total"); got < 4 {
		t.Errorf("auth.vault.operations.total = %d, want at least 4", got)
	}
	// Audit is enabled by default, so events flow into the counter too.
	if got := counterSum(t, reader, "auth.audit.events.total"); got < 1 {
		t.Errorf("auth.audit.events.total = %d, want at least 1", got)
	}
}

func TestHandler_RequestMetrics(t *testing.T) {
	inst, reader := testInstrumentation(t)

	cfg := validTestConfig(t)
	auth, err := NewAuthenticator(cfg, mock.NewMockProvider(), testStores(t), nil, inst)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	t.Cleanup(auth.Close)

	mux := http.NewServeMux()
	NewHandler(auth, cfg, nil, inst).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("session status = %d", rec.Code)
	}

	if got := counterSum(t, reader, "auth.http.requests.total"); got != 2 {
		t.Errorf("auth.http.requests.total = %d, want 2", got)
	}
}
