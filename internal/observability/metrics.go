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
// - Latency: How long requests/commands take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Transport and monitor pressure
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Traffic, Errors)
	JobsTotal    metric.Int64Counter
	MonitorPolls metric.Int64Counter

	// Transport metrics (Latency, Traffic, Errors)
	SSHCommandDuration metric.Float64Histogram
	SSHCommandsTotal   metric.Int64Counter
	TransferBytes      metric.Int64Counter

	// Notification metrics (Traffic, Errors)
	NotificationsTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("gpudispatch")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Job lifecycle transitions by operation and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MonitorPolls, err = meter.Int64Counter(
		"monitor_polls_total",
		metric.WithDescription("Container state polls by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Transport metrics
	m.SSHCommandDuration, err = meter.Float64Histogram(
		"ssh_command_duration_seconds",
		metric.WithDescription("Remote command latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SSHCommandsTotal, err = meter.Int64Counter(
		"ssh_commands_total",
		metric.WithDescription("Total remote commands executed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransferBytes, err = meter.Int64Counter(
		"transfer_bytes_total",
		metric.WithDescription("Bytes moved over SFTP by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotificationsTotal, err = meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Webhook deliveries by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
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

// RecordJob records a job lifecycle transition.
func (m *Metrics) RecordJob(ctx context.Context, operation, outcome string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(operationAttr(operation), outcomeAttr(outcome)))
}

// RecordMonitorPoll records one container state poll.
func (m *Metrics) RecordMonitorPoll(ctx context.Context, outcome string) {
	m.MonitorPolls.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordSSHCommand records a remote command with its duration.
func (m *Metrics) RecordSSHCommand(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.SSHCommandsTotal.Add(ctx, 1, attrs)
	m.SSHCommandDuration.Record(ctx, durationSeconds, attrs)
}

// RecordTransfer records bytes moved over SFTP.
func (m *Metrics) RecordTransfer(ctx context.Context, direction string, bytes int64) {
	m.TransferBytes.Add(ctx, bytes, metric.WithAttributes(directionAttr(direction)))
}

// RecordNotification records one webhook delivery attempt outcome.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	m.NotificationsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}
