package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Credential lifecycle
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	RefreshCoalesced     metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Security
	RateLimitExceeded  metric.Int64Counter
	DecryptionFailures metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCredentialsCount  metric.Int64ObservableGauge
	StorageStatesCount       metric.Int64ObservableGauge

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	brokerMeter := inst.Meter("broker")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"broker.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"broker.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = brokerMeter.Int64Counter(
		"broker.authorization.started",
		metric.WithDescription("Number of authorization handshakes started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = brokerMeter.Int64Counter(
		"broker.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.TokenRefreshed, err = brokerMeter.Int64Counter(
		"broker.token.refreshed",
		metric.WithDescription("Number of provider refresh exchanges performed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RefreshCoalesced, err = brokerMeter.Int64Counter(
		"broker.refresh.coalesced",
		metric.WithDescription("Number of refresh requests that reused an in-flight exchange"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.coalesced counter: %w", err)
	}

	m.TokenRevoked, err = brokerMeter.Int64Counter(
		"broker.token.revoked",
		metric.WithDescription("Number of credentials revoked"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = brokerMeter.Int64Counter(
		"broker.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.DecryptionFailures, err = brokerMeter.Int64Counter(
		"broker.decryption.failures",
		metric.WithDescription("Number of undecryptable credential records encountered"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decryption.failures counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"broker.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"broker.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageCredentialsCount, err = storageMeter.Int64ObservableGauge(
		"broker.storage.credentials.count",
		metric.WithDescription("Number of stored credentials"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.credentials.count gauge: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"broker.storage.states.count",
		metric.WithDescription("Number of in-flight authorization states"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"broker.provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"broker.provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"broker.provider.api.errors",
		metric.WithDescription("Number of failed provider API calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status_code", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorizationStarted records the start of an authorization handshake.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, service string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
	))
}

// RecordCallbackProcessed records a processed provider callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, service string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
		attribute.Bool("broker.success", success),
	))
}

// RecordTokenRefresh records a refresh exchange against the provider.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, service string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
		attribute.Bool("broker.refresh_token_rotated", rotated),
	))
}

// RecordRefreshCoalesced records a caller that reused an in-flight refresh.
func (m *Metrics) RecordRefreshCoalesced(ctx context.Context, service string) {
	m.RefreshCoalesced.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
	))
}

// RecordTokenRevocation records a revoked credential.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, service string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
	))
}

// RecordRateLimitExceeded records a rate-limited request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.endpoint", endpoint),
	))
}

// RecordDecryptionFailure records an undecryptable credential record.
func (m *Metrics) RecordDecryptionFailure(ctx context.Context, service string) {
	m.DecryptionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("broker.service", service),
	))
}

// RecordStorageOperation records a storage operation with its outcome.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("storage.operation", operation),
		attribute.String("storage.result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPICall records a provider API call with its outcome.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("provider.operation", operation),
	)
	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, attrs)
	}
}
