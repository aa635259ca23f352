// Package observability provides OpenTelemetry instrumentation for tracing
// and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics endpoint
// and a shutdown function for graceful cleanup on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// JobMetrics bundles the instruments recorded by the worker runtime.
// A nil *JobMetrics is a no-op so tests do not need a provider.
type JobMetrics struct {
	jobs       metric.Int64Counter
	duration   metric.Float64Histogram
	polls      metric.Int64Counter
	heartbeats metric.Int64Counter
}

// NewJobMetrics creates the worker's instruments on the global meter.
func NewJobMetrics() (*JobMetrics, error) {
	meter := otel.Meter("podworker")

	jobs, err := meter.Int64Counter("podworker_jobs_total",
		metric.WithDescription("Jobs finished, by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	duration, err := meter.Float64Histogram("podworker_job_duration_seconds",
		metric.WithDescription("Handler execution time in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	polls, err := meter.Int64Counter("podworker_polls_total",
		metric.WithDescription("Control-plane job polls, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create polls counter: %w", err)
	}

	heartbeats, err := meter.Int64Counter("podworker_heartbeats_total",
		metric.WithDescription("Heartbeat pings, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	return &JobMetrics{jobs: jobs, duration: duration, polls: polls, heartbeats: heartbeats}, nil
}

// RecordJob counts a finished job and its handler duration.
func (m *JobMetrics) RecordJob(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordPoll counts a poll and whether it yielded jobs.
func (m *JobMetrics) RecordPoll(ctx context.Context, acquired int) {
	if m == nil {
		return
	}
	outcome := "empty"
	if acquired > 0 {
		outcome = "jobs"
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHeartbeat counts a heartbeat attempt.
func (m *JobMetrics) RecordHeartbeat(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
