package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"deviceauth/internal/activation"
	"deviceauth/internal/config"
	apperrors "deviceauth/internal/errors"
	"deviceauth/internal/identity"
	"deviceauth/internal/infrastructure"
	"deviceauth/internal/qualifier"
	"deviceauth/internal/security"
)

// TracerName identifies spans started by the activation workflow
const TracerName = "deviceauth-services"

// ActivationRequest is a device asking to be activated
type ActivationRequest struct {
	VIN          string `json:"vin" validate:"required,max=64"`
	SerialNumber string `json:"serial_number" validate:"required,max=64"`
	Qualifier    string `json:"qualifier" validate:"required,max=4096"`
	// AADFlag overrides the configured AAD policy when set
	AADFlag string `json:"aad_flag,omitempty" validate:"omitempty,max=8"`
	Actor   string `json:"actor,omitempty" validate:"max=128"`
	// AssociationCode overrides the configured default when set
	AssociationCode *bool `json:"association_code,omitempty"`
}

// ActivationResult is returned for a successful activation
type ActivationResult struct {
	RecordID        string    `json:"record_id"`
	DeviceID        string    `json:"device_id"`
	AssociationCode string    `json:"association_code,omitempty"`
	Nonce           int64     `json:"nonce"`
	ClaimedAt       time.Time `json:"claimed_at"`
	TraceID         string    `json:"trace_id"`
}

// ProvisionRequest makes a device eligible for one activation
type ProvisionRequest struct {
	SerialNumber  string `json:"serial_number" validate:"required_without=FactoryDataID,max=64"`
	FactoryDataID string `json:"factory_data_id" validate:"required_without=SerialNumber,max=64"`
	InitiatedBy   string `json:"initiated_by" validate:"max=128"`
}

// DeactivationRequest withdraws activation eligibility
type DeactivationRequest struct {
	SerialNumber  string `json:"serial_number" validate:"required_without=FactoryDataID,max=64"`
	FactoryDataID string `json:"factory_data_id" validate:"required_without=SerialNumber,max=64"`
	Actor         string `json:"actor" validate:"max=128"`
}

// Options configures an ActivationService
type Options struct {
	Store        activation.Store
	StaticSecret string
	AADFlag      string
	Activation   config.ActivationConfig
	Meter        metric.Meter
	// Generator defaults to crypto/rand over the confusion-resistant encoder
	Generator *identity.Generator
	Logger    *slog.Logger
}

// ActivationService runs the device activation workflow: request validation,
// attempt limiting, qualifier validation, replay protection, atomic claim and
// identity generation.
type ActivationService struct {
	validate   *validator.Validate
	qualifiers *qualifier.Validator
	replay     *qualifier.ReplayCache
	limiter    *security.AttemptLimiter
	guard      *activation.Guard
	store      activation.Store
	ids        *identity.Generator
	metrics    *ActivationMetrics
	tracer     trace.Tracer
	logger     *slog.Logger

	staticSecret string
	aadFlag      string
	settings     config.ActivationConfig
}

// NewActivationService creates the service; call Close to release the store and replay sweeper
func NewActivationService(opts Options) (*ActivationService, error) {
	if opts.Store == nil {
		return nil, errors.New("activation store is required")
	}
	if opts.StaticSecret == "" {
		return nil, apperrors.ErrSecretNotAvailable
	}
	if opts.Activation.DeviceIDPrefix == "" {
		return nil, errors.New("device id prefix is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	metrics, err := InitializeActivationMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation metrics: %w", err)
	}

	ids := opts.Generator
	if ids == nil {
		ids = identity.NewGenerator(nil, nil)
	}

	return &ActivationService{
		validate:     newRequestValidator(),
		qualifiers:   qualifier.NewValidator(logger),
		replay:       qualifier.NewReplayCache(opts.Activation.ReplayTTL, opts.Activation.ReplayMaxSize),
		limiter:      security.NewAttemptLimiter(opts.Activation.AttemptRate, opts.Activation.AttemptBurst, opts.Activation.AttemptIdleTTL),
		guard:        activation.NewGuard(opts.Store, logger),
		store:        opts.Store,
		ids:          ids,
		metrics:      metrics,
		tracer:       otel.Tracer(TracerName),
		logger:       logger.With(slog.String("service", "activation")),
		staticSecret: opts.StaticSecret,
		aadFlag:      opts.AADFlag,
		settings:     opts.Activation,
	}, nil
}

// NewActivationServiceFromConfig opens the configured store and resolves the static secret.
// providers may be nil, in which case the global meter provider is used.
func NewActivationServiceFromConfig(ctx context.Context, cfg *config.Config, providers *infrastructure.OTelProviders, logger *slog.Logger) (*ActivationService, error) {
	secret, err := cfg.Qualifier.Secret()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var meter metric.Meter
	if providers != nil && providers.Meter != nil {
		meter = providers.Meter
	} else {
		meter = otel.Meter(MeterName)
	}

	svc, err := NewActivationService(Options{
		Store:        store,
		StaticSecret: secret,
		AADFlag:      cfg.Qualifier.AADFlag,
		Activation:   cfg.Activation,
		Meter:        meter,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return svc, nil
}

// OpenStore returns the activation store selected by cfg
func OpenStore(ctx context.Context, cfg config.StoreConfig) (activation.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return activation.NewMemoryStore(), nil
	case activation.SQLiteDriver:
		return activation.OpenSQLStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Activate validates the qualifier for the device and consumes its ready record
func (s *ActivationService) Activate(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	start := time.Now()
	ctx = infrastructure.EnsureTraceID(ctx)

	ctx, span := s.tracer.Start(ctx, "activation.activate",
		trace.WithAttributes(attribute.Bool("activation.association_code", s.wantAssociationCode(req))))
	defer span.End()

	result, err := s.activate(ctx, req)
	s.metrics.RecordActivation(ctx, err, time.Since(start))

	if err != nil {
		kind := apperrors.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		span.SetAttributes(attribute.String("activation.error_kind", string(kind)))

		level := slog.LevelWarn
		if kind == apperrors.KindUnknown {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "activation failed",
			slog.String("trace_id", infrastructure.GetTraceID(ctx)),
			slog.String("serial_number", infrastructure.MaskIdentifier(req.SerialNumber)),
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	s.logger.InfoContext(ctx, "device activated",
		slog.String("trace_id", result.TraceID),
		slog.String("record_id", result.RecordID),
		slog.String("device_id", result.DeviceID),
		slog.String("serial_number", infrastructure.MaskIdentifier(req.SerialNumber)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (s *ActivationService) activate(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidRequest, describeValidation(err))
	}

	if !s.limiter.Allow(req.SerialNumber) {
		return nil, apperrors.ErrRateLimited
	}

	aadFlag := s.aadFlag
	if req.AADFlag != "" {
		aadFlag = req.AADFlag
	}

	nonce, err := s.qualifiers.Check(ctx, qualifier.Request{
		VIN:          req.VIN,
		SerialNumber: req.SerialNumber,
		Qualifier:    req.Qualifier,
		StaticSecret: s.staticSecret,
		AADFlag:      aadFlag,
	})
	s.metrics.RecordValidation(ctx, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidQualifier, err)
	}

	if !s.replay.MarkUsed(req.SerialNumber, req.Qualifier) {
		return nil, apperrors.ErrReplayedQualifier
	}

	claim, err := s.guard.Claim(ctx, activation.SerialKey(req.SerialNumber), req.Actor)
	if err != nil {
		s.replay.Release(req.SerialNumber, req.Qualifier)
		return nil, fmt.Errorf("failed to claim activation: %w", err)
	}
	s.metrics.RecordClaim(ctx, claim.Outcome)
	if claim.Outcome != activation.OutcomeClaimed {
		// Nothing was consumed, so the qualifier stays usable once the device is provisioned
		s.replay.Release(req.SerialNumber, req.Qualifier)
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAlreadyActivated, infrastructure.MaskIdentifier(req.SerialNumber))
	}

	record := claim.Record
	deviceID, err := s.ids.GenerateDeviceID(s.settings.DeviceIDPrefix, record.Seq)
	if err != nil {
		return nil, fmt.Errorf("record %s claimed but device id not generated: %w", record.ID, err)
	}

	result := &ActivationResult{
		RecordID:  record.ID,
		DeviceID:  deviceID,
		Nonce:     nonce,
		ClaimedAt: record.ClaimedAt,
		TraceID:   infrastructure.GetTraceID(ctx),
	}

	if s.wantAssociationCode(req) {
		code, err := s.ids.GenerateAssociationCode(uint64(record.Seq))
		if err != nil {
			return nil, fmt.Errorf("record %s claimed but association code not generated: %w", record.ID, err)
		}
		result.AssociationCode = code
	}

	return result, nil
}

// Provision makes the device eligible for one activation
func (s *ActivationService) Provision(ctx context.Context, req ProvisionRequest) (*activation.Record, error) {
	ctx, span := s.tracer.Start(ctx, "activation.provision_request")
	defer span.End()

	if err := s.validate.StructCtx(ctx, req); err != nil {
		err = fmt.Errorf("%w: %s", apperrors.ErrInvalidRequest, describeValidation(err))
		s.metrics.RecordProvision(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	record, err := s.guard.Provision(ctx, activation.NewRecord{
		SerialNumber:  req.SerialNumber,
		FactoryDataID: req.FactoryDataID,
		InitiatedBy:   req.InitiatedBy,
		Ready:         true,
	})
	s.metrics.RecordProvision(ctx, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return record, nil
}

// Deactivate disables any ready record for the device and returns how many were disabled.
// Deactivating a device with nothing ready is not an error.
func (s *ActivationService) Deactivate(ctx context.Context, req DeactivationRequest) (int, error) {
	ctx, span := s.tracer.Start(ctx, "activation.deactivate")
	defer span.End()

	if err := s.validate.StructCtx(ctx, req); err != nil {
		err = fmt.Errorf("%w: %s", apperrors.ErrInvalidRequest, describeValidation(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	var keys []activation.Key
	if req.SerialNumber != "" {
		keys = append(keys, activation.SerialKey(req.SerialNumber))
	}
	if req.FactoryDataID != "" {
		keys = append(keys, activation.FactoryDataKey(req.FactoryDataID))
	}

	total := 0
	for _, key := range keys {
		n, err := s.guard.DisableByKey(ctx, key, req.Actor)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.RecordDeactivation(ctx, total)
			return total, err
		}
		total += n
	}

	s.metrics.RecordDeactivation(ctx, total)
	span.SetAttributes(attribute.Int("activation.disabled", total))
	span.SetStatus(codes.Ok, "")
	return total, nil
}

// CanBeActivated reports whether the serial number currently has a ready record
func (s *ActivationService) CanBeActivated(ctx context.Context, serialNumber string) (bool, error) {
	return s.guard.CanBeActivated(ctx, activation.SerialKey(serialNumber))
}

// History returns every activation record for the serial number
func (s *ActivationService) History(ctx context.Context, serialNumber string) ([]*activation.Record, error) {
	return s.guard.History(ctx, activation.SerialKey(serialNumber))
}

// ReplayStats exposes the replay cache counters
func (s *ActivationService) ReplayStats() qualifier.ReplayStats {
	return s.replay.Stats()
}

// Close stops the replay sweeper and closes the store
func (s *ActivationService) Close() error {
	s.replay.Stop()
	return s.store.Close()
}

func (s *ActivationService) wantAssociationCode(req ActivationRequest) bool {
	if req.AssociationCode != nil {
		return *req.AssociationCode
	}
	return s.settings.AssociationCodeDefault
}

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

// describeValidation flattens validator errors into "field: tag" pairs; field values are never included
func describeValidation(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		parts = append(parts, fe.Field()+": "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}
