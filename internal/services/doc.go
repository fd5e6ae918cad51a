// Package services implements the device activation workflow on top of the
// qualifier, activation and identity packages.
//
// # Activation
//
// ActivationService.Activate runs these steps in order and stops at the first failure:
//
//	1. Struct validation of the request (go-playground/validator, JSON field names in errors)
//	2. Per-serial attempt limiting
//	3. Qualifier validation against the VIN, serial number and static secret
//	4. Replay protection, so a qualifier claims at most one record
//	5. Atomic claim of the ready activation record
//	6. Harman device ID and, optionally, a device association code
//
// Failures are reported with the sentinels of internal/errors; use errors.Is or
// errors.KindOf to classify them.
//
// # Provisioning
//
// Provision makes a device eligible for one activation. Deactivate withdraws
// eligibility and is idempotent.
//
// # Observability
//
// Every operation starts an OpenTelemetry span. ActivationMetrics counts
// validations, claims, provisions and deactivations, and records activation
// latency. VINs and serial numbers are masked in logs; secrets are never logged.
//
// # Construction
//
//	cfg, err := config.Load()
//	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
//	svc, err := services.NewActivationServiceFromConfig(ctx, cfg, providers, logger)
//	defer svc.Close()
package services
