package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"deviceauth/internal/activation"
	apperrors "deviceauth/internal/errors"
)

// MeterName identifies the activation instruments
const MeterName = "deviceauth-activation"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// ActivationMetrics holds the activation workflow instruments
type ActivationMetrics struct {
	validationAttempts metric.Int64Counter
	validationFailures metric.Int64Counter
	claimOutcomes      metric.Int64Counter
	activations        metric.Int64Counter
	provisions         metric.Int64Counter
	deactivations      metric.Int64Counter
	activationDuration metric.Float64Histogram
}

// InitializeActivationMetrics creates the activation instruments on meter.
// A nil meter yields no-op instruments.
func InitializeActivationMetrics(meter metric.Meter) (*ActivationMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	validationAttempts, err := meter.Int64Counter(
		"qualifier_validations_total",
		metric.WithDescription("Total number of qualifier validation attempts"),
	)
	if err != nil {
		return nil, err
	}

	validationFailures, err := meter.Int64Counter(
		"qualifier_validation_failures_total",
		metric.WithDescription("Total number of rejected qualifiers by error kind"),
	)
	if err != nil {
		return nil, err
	}

	claimOutcomes, err := meter.Int64Counter(
		"activation_claims_total",
		metric.WithDescription("Total number of activation claims by outcome"),
	)
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter(
		"activation_requests_total",
		metric.WithDescription("Total number of activation requests"),
	)
	if err != nil {
		return nil, err
	}

	provisions, err := meter.Int64Counter(
		"activation_provisions_total",
		metric.WithDescription("Total number of activation records provisioned"),
	)
	if err != nil {
		return nil, err
	}

	deactivations, err := meter.Int64Counter(
		"activation_deactivations_total",
		metric.WithDescription("Total number of activation records disabled"),
	)
	if err != nil {
		return nil, err
	}

	activationDuration, err := meter.Float64Histogram(
		"activation_duration_seconds",
		metric.WithDescription("Activation request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ActivationMetrics{
		validationAttempts: validationAttempts,
		validationFailures: validationFailures,
		claimOutcomes:      claimOutcomes,
		activations:        activations,
		provisions:         provisions,
		deactivations:      deactivations,
		activationDuration: activationDuration,
	}, nil
}

// RecordValidation counts one qualifier check and, on failure, its error kind
func (m *ActivationMetrics) RecordValidation(ctx context.Context, err error) {
	m.validationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultOf(err))))
	if err != nil {
		m.validationFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("error_kind", string(apperrors.KindOf(err)))))
	}
}

// RecordClaim counts a claim that reached the store
func (m *ActivationMetrics) RecordClaim(ctx context.Context, outcome activation.Outcome) {
	m.claimOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// RecordActivation counts a finished activation request and its duration
func (m *ActivationMetrics) RecordActivation(ctx context.Context, err error, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("result", resultOf(err)),
		attribute.String("error_kind", string(apperrors.KindOf(err))),
	)
	m.activations.Add(ctx, 1, attrs)
	m.activationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProvision counts a provisioning attempt
func (m *ActivationMetrics) RecordProvision(ctx context.Context, err error) {
	m.provisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", resultOf(err)),
		attribute.String("error_kind", string(apperrors.KindOf(err))),
	))
}

// RecordDeactivation counts records disabled by one deactivation
func (m *ActivationMetrics) RecordDeactivation(ctx context.Context, disabled int) {
	m.deactivations.Add(ctx, int64(disabled))
}

func resultOf(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}
