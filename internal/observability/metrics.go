package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (in-progress jobs)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobsInProgress metric.Int64UpDownCounter

	// Idempotency metrics (Traffic, Errors)
	IdempotentReplays    metric.Int64Counter
	IdempotencyConflicts metric.Int64Counter

	// Sweeper metrics (Traffic)
	SweptJobs metric.Int64Counter
	SweptKeys metric.Int64Counter

	// Webhook dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDeliveryDuration metric.Float64Histogram
	DispatcherDelivered        metric.Int64Counter
	DispatcherFailed           metric.Int64Counter
	DispatcherDropped          metric.Int64Counter
	DispatcherRequeued         metric.Int64Counter
	DispatcherQueueSize        metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	m, err := newMetrics(exporter)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// newMetrics builds the instrument set on a provider backed by the given
// reader.
func newMetrics(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("containerops")
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job duration from creation to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsInProgress, err = meter.Int64UpDownCounter(
		"jobs_in_progress",
		metric.WithDescription("Number of pending and running jobs (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	// Idempotency metrics
	m.IdempotentReplays, err = meter.Int64Counter(
		"idempotent_replays_total",
		metric.WithDescription("Total requests answered by replaying an existing job"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyConflicts, err = meter.Int64Counter(
		"idempotency_conflicts_total",
		metric.WithDescription("Total idempotency key reuses with a different request hash"),
	)
	if err != nil {
		return nil, err
	}

	// Sweeper metrics
	m.SweptJobs, err = meter.Int64Counter(
		"swept_jobs_total",
		metric.WithDescription("Total terminal jobs removed by the maintenance sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptKeys, err = meter.Int64Counter(
		"swept_idempotency_keys_total",
		metric.WithDescription("Total expired idempotency key entries removed"),
	)
	if err != nil {
		return nil, err
	}

	// Webhook dispatcher metrics
	m.DispatcherDeliveryDuration, err = meter.Float64Histogram(
		"dispatcher_delivery_duration_seconds",
		metric.WithDescription("Webhook event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total webhook events delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total webhook events that failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total webhook events dropped due to a full buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total webhook events requeued while the circuit was open"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current webhook event queue depth (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job entering the store.
func (m *Metrics) RecordJobCreated(ctx context.Context, jobType, targetType string) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType), targetTypeAttr(targetType))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsInProgress.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal state. The gauge
// decrement carries the same attribute set as the increment in
// RecordJobCreated so the two series cancel per target.
func (m *Metrics) RecordJobFinished(ctx context.Context, jobType, targetType, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType), jobStatusAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobsInProgress.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType), targetTypeAttr(targetType)))
}

// RecordIdempotentReplay records a request deduplicated against an
// existing job.
func (m *Metrics) RecordIdempotentReplay(ctx context.Context, scope string) {
	m.IdempotentReplays.Add(ctx, 1, metric.WithAttributes(scopeAttr(scope)))
}

// RecordIdempotencyConflict records a key reuse with a different payload.
func (m *Metrics) RecordIdempotencyConflict(ctx context.Context, scope string) {
	m.IdempotencyConflicts.Add(ctx, 1, metric.WithAttributes(scopeAttr(scope)))
}

// RecordSweep records a maintenance sweep's removals.
func (m *Metrics) RecordSweep(ctx context.Context, jobsRemoved, keysRemoved int) {
	if jobsRemoved > 0 {
		m.SweptJobs.Add(ctx, int64(jobsRemoved))
	}
	if keysRemoved > 0 {
		m.SweptKeys.Add(ctx, int64(keysRemoved))
	}
}

// RecordDispatcherDelivered records a successful webhook delivery.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDeliveryDuration.Record(ctx, durationSeconds)
	m.DispatcherDelivered.Add(ctx, 1)
}

// RecordDispatcherFailed records a webhook delivery that failed after retries.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a webhook event dropped due to a full buffer.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a webhook event requeued while its
// destination's circuit was open.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current webhook queue depth.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
