package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the auth subsystem
type Metrics struct {
	// HTTP layer metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Auth flow metrics
	LoginsStarted      metric.Int64Counter
	CallbacksProcessed metric.Int64Counter
	SessionsIssued     metric.Int64Counter
	SessionsRevoked    metric.Int64Counter
	TokensRotated      metric.Int64Counter

	// Security metrics
	ReplaysDetected        metric.Int64Counter
	FingerprintDrift       metric.Int64Counter
	RateLimitDenied        metric.Int64Counter
	VaultOperationsTotal   metric.Int64Counter
	VaultOperationDuration metric.Float64Histogram
	AuditEventsTotal       metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageStatesCount       metric.Int64ObservableGauge
	StorageTokenRecordsCount metric.Int64ObservableGauge
	StorageSessionsCount     metric.Int64ObservableGauge

	// Provider metrics
	ProviderCallsTotal   metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
	ProviderCallErrors   metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	authMeter := inst.Meter("auth")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.LoginsStarted, err = authMeter.Int64Counter(
		"auth.logins.started",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins.started counter: %w", err)
	}

	m.CallbacksProcessed, err = authMeter.Int64Counter(
		"auth.callbacks.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbacks.processed counter: %w", err)
	}

	m.SessionsIssued, err = authMeter.Int64Counter(
		"auth.sessions.issued",
		metric.WithDescription("Number of sessions issued"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.issued counter: %w", err)
	}

	m.SessionsRevoked, err = authMeter.Int64Counter(
		"auth.sessions.revoked",
		metric.WithDescription("Number of sessions revoked"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.revoked counter: %w", err)
	}

	m.TokensRotated, err = authMeter.Int64Counter(
		"auth.tokens.rotated",
		metric.WithDescription("Number of provider token pairs rotated"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.rotated counter: %w", err)
	}

	m.ReplaysDetected, err = securityMeter.Int64Counter(
		"auth.state.replays_detected",
		metric.WithDescription("Number of state replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.replays_detected counter: %w", err)
	}

	m.FingerprintDrift, err = securityMeter.Int64Counter(
		"auth.session.fingerprint_drift",
		metric.WithDescription("Number of session fingerprint mismatches observed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.fingerprint_drift counter: %w", err)
	}

	m.RateLimitDenied, err = securityMeter.Int64Counter(
		"auth.rate_limit.denied",
		metric.WithDescription("Number of rate limit denials"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.denied counter: %w", err)
	}

	m.VaultOperationsTotal, err = securityMeter.Int64Counter(
		"auth.vault.operations.total",
		metric.WithDescription("Total number of vault encrypt/decrypt operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.operations.total counter: %w", err)
	}

	m.VaultOperationDuration, err = securityMeter.Float64Histogram(
		"auth.vault.operation.duration",
		metric.WithDescription("Vault operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.operation.duration histogram: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"auth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"storage.states.count",
		metric.WithDescription("Current number of stored OAuth states"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.StorageTokenRecordsCount, err = storageMeter.Int64ObservableGauge(
		"storage.token_records.count",
		metric.WithDescription("Current number of stored token records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.token_records.count gauge: %w", err)
	}

	m.StorageSessionsCount, err = storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Current number of stored sessions"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.ProviderCallsTotal, err = providerMeter.Int64Counter(
		"provider.calls.total",
		metric.WithDescription("Total number of identity provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.calls.total counter: %w", err)
	}

	m.ProviderCallDuration, err = providerMeter.Float64Histogram(
		"provider.call.duration",
		metric.WithDescription("Identity provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.call.duration histogram: %w", err)
	}

	m.ProviderCallErrors, err = providerMeter.Int64Counter(
		"provider.call.errors.total",
		metric.WithDescription("Total number of identity provider call failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.call.errors.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordLoginStarted records a login flow start
func (m *Metrics) RecordLoginStarted(ctx context.Context, provider string) {
	m.LoginsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCallbackProcessed records a provider callback processing
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider string, success bool) {
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordSessionIssued records a session issuance
func (m *Metrics) RecordSessionIssued(ctx context.Context) {
	m.SessionsIssued.Add(ctx, 1)
}

// RecordSessionRevoked records a session revocation with its cause
func (m *Metrics) RecordSessionRevoked(ctx context.Context, cause string) {
	m.SessionsRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cause", cause),
	))
}

// RecordTokensRotated records a provider token rotation
func (m *Metrics) RecordTokensRotated(ctx context.Context, provider string) {
	m.TokensRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordReplayDetected records a state replay attempt
func (m *Metrics) RecordReplayDetected(ctx context.Context) {
	m.ReplaysDetected.Add(ctx, 1)
}

// RecordFingerprintDrift records a session fingerprint mismatch
func (m *Metrics) RecordFingerprintDrift(ctx context.Context) {
	m.FingerprintDrift.Add(ctx, 1)
}

// RecordRateLimitDenied records a rate limit denial
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, limiterType string) {
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordVaultOperation records a vault encrypt/decrypt operation
func (m *Metrics) RecordVaultOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.VaultOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.VaultOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderCall records an identity provider call
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	}

	m.ProviderCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderCallDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		m.ProviderCallErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
