package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/voltvault/api/internal/platform/observability"

// HTTPMetrics records request counts and latencies per route.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewHTTPMetrics registers the HTTP instruments on meter, or on the global provider when nil.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("Completed HTTP requests"))
	if err != nil {
		return nil, fmt.Errorf("observability: register request counter: %w", err)
	}
	latency, err := meter.Float64Histogram("http.server.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("HTTP request latency"))
	if err != nil {
		return nil, fmt.Errorf("observability: register latency histogram: %w", err)
	}
	return &HTTPMetrics{requests: requests, latency: latency}, nil
}

// Record adds one completed request. A nil receiver records nothing.
func (m *HTTPMetrics) Record(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
		attribute.String("http.response.status_code", strconv.Itoa(status)),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// AuthMetrics counts token verification outcomes.
type AuthMetrics struct {
	verifications metric.Int64Counter
}

// NewAuthMetrics registers the verification counter.
func NewAuthMetrics(meter metric.Meter) (*AuthMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	counter, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Token verification attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: register auth counter: %w", err)
	}
	return &AuthMetrics{verifications: counter}, nil
}

// RecordVerification satisfies auth.MetricsRecorder.
func (m *AuthMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}
