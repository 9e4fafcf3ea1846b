package activation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "license-activation"

// Metrics holds the activation engine's OpenTelemetry instruments.
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	QuotaRejections    metric.Int64Counter
	OfflineSubmissions metric.Int64Counter
	TamperedCodes      metric.Int64Counter
}

// NewMetrics creates the activation instruments on the global meter
// provider. With no SDK installed the instruments are no-ops, so the
// engine can always record unconditionally.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{}

	var err error
	if m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Device activation attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("Device activation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.QuotaRejections, err = meter.Int64Counter(
		"license_quota_rejections_total",
		metric.WithDescription("Activations rejected because the device quota was exhausted"),
	); err != nil {
		return nil, err
	}
	if m.OfflineSubmissions, err = meter.Int64Counter(
		"offline_request_submissions_total",
		metric.WithDescription("Offline request code submissions by outcome"),
	); err != nil {
		return nil, err
	}
	if m.TamperedCodes, err = meter.Int64Counter(
		"offline_tampered_codes_total",
		metric.WithDescription("Offline request codes rejected for checksum mismatch"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordActivation records one activation attempt with its outcome label.
func (m *Metrics) RecordActivation(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ActivationAttempts.Add(ctx, 1, attrs)
	m.ActivationDuration.Record(ctx, elapsed.Seconds(), attrs)
	if outcome == "quota_exceeded" {
		m.QuotaRejections.Add(ctx, 1)
	}
}

// RecordOfflineSubmission records one request-code submission outcome.
func (m *Metrics) RecordOfflineSubmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.OfflineSubmissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "tampered" {
		m.TamperedCodes.Add(ctx, 1)
	}
}
