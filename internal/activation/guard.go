package activation

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "deviceauth/internal/errors"
	"deviceauth/internal/infrastructure"
)

const TracerName = "deviceauth-activation"

// Outcome is the result of a claim attempt that reached the store
type Outcome string

const (
	OutcomeClaimed     Outcome = "claimed"
	OutcomeNotEligible Outcome = "not_eligible"
)

// ClaimResult reports a claim attempt. Losing a race is an outcome, not an error.
type ClaimResult struct {
	Outcome Outcome
	// Record is the claimed record; nil unless Outcome is OutcomeClaimed
	Record *Record
}

// Guard enforces at most one ready record per device key and closes the
// check-then-act window by claiming through the store's atomic update.
type Guard struct {
	store  Store
	logger *slog.Logger
}

// NewGuard creates a guard over store
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Guard{
		store:  store,
		logger: infrastructure.WithComponent(logger, "activation_guard"),
	}
}

// Provision inserts a record; ready records are refused while another ready one exists
func (g *Guard) Provision(ctx context.Context, rec NewRecord) (*Record, error) {
	ctx, span := g.startSpan(ctx, "activation.provision",
		attribute.Bool("activation.ready", rec.Ready))
	defer span.End()

	record, err := g.store.Insert(ctx, rec)
	if err != nil {
		g.fail(ctx, span, "activation record not provisioned", err,
			slog.String("serial_number", infrastructure.MaskIdentifier(rec.SerialNumber)))
		return nil, err
	}

	g.logger.InfoContext(ctx, "activation record provisioned",
		slog.String("record_id", record.ID),
		slog.Int64("seq", record.Seq),
		slog.String("state", string(record.State)),
		slog.String("serial_number", infrastructure.MaskIdentifier(record.SerialNumber)))
	span.SetStatus(codes.Ok, "")
	return record, nil
}

// CanBeActivated reports whether key currently has a ready record.
// The answer can be stale by the time it is used; Claim is the authoritative check.
func (g *Guard) CanBeActivated(ctx context.Context, key Key) (bool, error) {
	return g.store.CanBeActivated(ctx, key)
}

// Claim atomically consumes the ready record for key
func (g *Guard) Claim(ctx context.Context, key Key, actor string) (ClaimResult, error) {
	ctx, span := g.startSpan(ctx, "activation.claim",
		attribute.String("activation.key_kind", string(key.Kind)))
	defer span.End()

	record, err := g.store.Claim(ctx, key, actor)
	if apperrors.Is(err, apperrors.ErrNotEligible) {
		span.SetAttributes(attribute.String("activation.outcome", string(OutcomeNotEligible)))
		g.logger.WarnContext(ctx, "activation claim rejected",
			slog.String("key_kind", string(key.Kind)),
			slog.String("key", infrastructure.MaskIdentifier(key.Value)),
			slog.String("outcome", string(OutcomeNotEligible)))
		return ClaimResult{Outcome: OutcomeNotEligible}, nil
	}
	if err != nil {
		g.fail(ctx, span, "activation claim failed", err,
			slog.String("key_kind", string(key.Kind)))
		return ClaimResult{}, err
	}

	span.SetAttributes(attribute.String("activation.outcome", string(OutcomeClaimed)))
	span.SetStatus(codes.Ok, "")
	g.logger.InfoContext(ctx, "activation claimed",
		slog.String("record_id", record.ID),
		slog.Int64("seq", record.Seq),
		slog.String("key_kind", string(key.Kind)),
		slog.String("key", infrastructure.MaskIdentifier(key.Value)))
	return ClaimResult{Outcome: OutcomeClaimed, Record: record}, nil
}

// Disable disables record id; idempotent
func (g *Guard) Disable(ctx context.Context, id, actor string) (*Record, error) {
	ctx, span := g.startSpan(ctx, "activation.disable")
	defer span.End()

	record, err := g.store.Disable(ctx, id, actor)
	if err != nil {
		g.fail(ctx, span, "activation record not disabled", err, slog.String("record_id", id))
		return nil, err
	}

	g.logger.InfoContext(ctx, "activation record disabled",
		slog.String("record_id", record.ID),
		slog.String("state", string(record.State)))
	span.SetStatus(codes.Ok, "")
	return record, nil
}

// DisableByKey disables the ready record for key, if any; idempotent
func (g *Guard) DisableByKey(ctx context.Context, key Key, actor string) (int, error) {
	ctx, span := g.startSpan(ctx, "activation.disable_by_key",
		attribute.String("activation.key_kind", string(key.Kind)))
	defer span.End()

	n, err := g.store.DisableByKey(ctx, key, actor)
	if err != nil {
		g.fail(ctx, span, "activation records not disabled", err, slog.String("key_kind", string(key.Kind)))
		return 0, err
	}

	span.SetAttributes(attribute.Int("activation.disabled", n))
	span.SetStatus(codes.Ok, "")
	g.logger.InfoContext(ctx, "activation records disabled",
		slog.String("key_kind", string(key.Kind)),
		slog.String("key", infrastructure.MaskIdentifier(key.Value)),
		slog.Int("count", n))
	return n, nil
}

// History returns all records for key in provisioning order
func (g *Guard) History(ctx context.Context, key Key) ([]*Record, error) {
	return g.store.ListByKey(ctx, key)
}

func (g *Guard) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func (g *Guard) fail(ctx context.Context, span trace.Span, msg string, err error, attrs ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind := apperrors.KindOf(err)
	level := slog.LevelWarn
	if kind == apperrors.KindUnknown {
		level = slog.LevelError
	}

	args := append([]any{slog.String("error", err.Error()), slog.String("error_kind", string(kind))}, attrs...)
	g.logger.Log(ctx, level, msg, args...)
}
