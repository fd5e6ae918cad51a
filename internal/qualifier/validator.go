package qualifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "deviceauth/internal/errors"
	"deviceauth/internal/infrastructure"
	"deviceauth/internal/security"
)

// InvalidNonce is returned by Validate for every rejected qualifier
const InvalidNonce int64 = -1

const (
	TracerName = "deviceauth-qualifier"

	vinKeyPartLength    = 5
	serialKeyPartLength = 2
	aadPartLength       = 5

	aadMarker      = "aadstr"
	fieldSeparator = "@"
	delimSeparator = "-delim-"
	paddingSymbol  = '#'
	blockSize      = 16
)

// Request carries the inputs of a single qualifier check
type Request struct {
	VIN          string
	SerialNumber string
	Qualifier    string // Base64 ciphertext
	StaticSecret string
	AADFlag      string
}

// Validator checks device qualifiers against the VIN and serial presented at activation.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a validator; a nil logger falls back to the global one
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Validator{logger: infrastructure.WithComponent(logger, "qualifier")}
}

// Validate returns the random number embedded in the qualifier, or InvalidNonce.
// No failure is ever returned as an error; use Check for the cause.
func (v *Validator) Validate(ctx context.Context, vin, serialNumber, qualifier, staticSecret, aadFlag string) int64 {
	n, err := v.Check(ctx, Request{
		VIN:          vin,
		SerialNumber: serialNumber,
		Qualifier:    qualifier,
		StaticSecret: staticSecret,
		AADFlag:      aadFlag,
	})
	if err != nil {
		return InvalidNonce
	}
	return n
}

// Check runs the same pipeline as Validate and reports why a qualifier was rejected
func (v *Validator) Check(ctx context.Context, req Request) (int64, error) {
	aad := AADEnabled(req.AADFlag)

	ctx, span := otel.Tracer(TracerName).Start(ctx, "qualifier.check",
		trace.WithAttributes(attribute.Bool("qualifier.aad_enabled", aad)))
	defer span.End()

	n, err := check(req, aad)
	if err != nil {
		kind := apperrors.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		span.SetAttributes(attribute.String("qualifier.error_kind", string(kind)))

		v.logger.WarnContext(ctx, "qualifier rejected",
			slog.String("vin", infrastructure.MaskIdentifier(req.VIN)),
			slog.String("serial_number", infrastructure.MaskIdentifier(req.SerialNumber)),
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()))
		return InvalidNonce, err
	}

	span.SetStatus(codes.Ok, "qualifier accepted")
	v.logger.DebugContext(ctx, "qualifier accepted",
		slog.String("vin", infrastructure.MaskIdentifier(req.VIN)),
		slog.String("serial_number", infrastructure.MaskIdentifier(req.SerialNumber)),
		slog.Bool("aad_enabled", aad))
	return n, nil
}

func check(req Request, aadEnabled bool) (int64, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(req.Qualifier)
	if err != nil {
		return InvalidNonce, fmt.Errorf("%w: qualifier is not valid base64: %v", apperrors.ErrMalformedCiphertext, err)
	}

	key := DeriveKey(req.VIN, req.SerialNumber, req.StaticSecret)
	defer clear(key)

	var aad []byte
	if aadEnabled {
		aad = BuildAAD(req.SerialNumber)
	}

	plaintext, err := security.Decrypt(key, ciphertext, aad)
	if err != nil {
		return InvalidNonce, err
	}

	return parsePayload(string(plaintext), req.VIN, req.SerialNumber)
}

// parsePayload strips block padding, splits VIN<sep>serial<sep>number and checks the binding
func parsePayload(payload, vin, serialNumber string) (int64, error) {
	if i := strings.IndexByte(payload, paddingSymbol); i >= 0 {
		payload = payload[:i]
	}

	sep := fieldSeparator
	if strings.Contains(payload, delimSeparator) {
		sep = delimSeparator
	}

	fields := strings.SplitN(payload, sep, 3)
	if len(fields) < 3 {
		return InvalidNonce, fmt.Errorf("%w: payload has %d fields, want 3", apperrors.ErrValidationMismatch, len(fields))
	}

	if fields[0] != vin {
		return InvalidNonce, fmt.Errorf("%w: vin differs", apperrors.ErrValidationMismatch)
	}
	if fields[1] != serialNumber {
		return InvalidNonce, fmt.Errorf("%w: serial number differs", apperrors.ErrValidationMismatch)
	}

	n, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return InvalidNonce, fmt.Errorf("%w: random number is not an integer", apperrors.ErrMalformedQualifier)
	}
	return n, nil
}

// DeriveKey builds staticSecret + first5(VIN) + first2(serial) as UTF-8 bytes.
// A trimmed VIN shorter than 5 contributes "XXXXX"; a trimmed serial shorter than 2 contributes "XX".
func DeriveKey(vin, serialNumber, staticSecret string) []byte {
	vinPart := firstN(strings.TrimSpace(vin), vinKeyPartLength)
	if vinPart == "" {
		vinPart = strings.Repeat("X", vinKeyPartLength)
	}
	serialPart := firstN(strings.TrimSpace(serialNumber), serialKeyPartLength)
	if serialPart == "" {
		serialPart = strings.Repeat("X", serialKeyPartLength)
	}
	return []byte(staticSecret + vinPart + serialPart)
}

// BuildAAD returns first5(serial) + "aadstr" + last5(serial).
// A serial shorter than 5 is right-padded with 'x' and used on both sides.
func BuildAAD(serialNumber string) []byte {
	if len([]rune(serialNumber)) < aadPartLength {
		part := serialNumber + strings.Repeat("x", aadPartLength-len([]rune(serialNumber)))
		return []byte(part + aadMarker + part)
	}
	return []byte(firstN(serialNumber, aadPartLength) + aadMarker + lastN(serialNumber, aadPartLength))
}

// AADEnabled reports whether the flag case-insensitively equals "yes"
func AADEnabled(flag string) bool {
	return strings.EqualFold(flag, "yes")
}

// Seal produces a qualifier for the given device the way the issuing system does:
// VIN@serial@n (or -delim- when either field contains '@'), '#'-padded to a block multiple,
// encrypted under the derived key and AAD, Base64 encoded.
func Seal(vin, serialNumber string, randomNumber int64, staticSecret, aadFlag string) (string, error) {
	if strings.ContainsRune(vin, paddingSymbol) || strings.ContainsRune(serialNumber, paddingSymbol) {
		return "", fmt.Errorf("%w: vin and serial number must not contain %q", apperrors.ErrMalformedQualifier, paddingSymbol)
	}

	sep := fieldSeparator
	if strings.Contains(vin, fieldSeparator) || strings.Contains(serialNumber, fieldSeparator) {
		sep = delimSeparator
	}

	payload := vin + sep + serialNumber + sep + strconv.FormatInt(randomNumber, 10)
	if rem := len(payload) % blockSize; rem != 0 {
		payload += strings.Repeat(string(paddingSymbol), blockSize-rem)
	}

	key := DeriveKey(vin, serialNumber, staticSecret)
	defer clear(key)

	var aad []byte
	if AADEnabled(aadFlag) {
		aad = BuildAAD(serialNumber)
	}

	ciphertext, err := security.Encrypt(key, []byte(payload), aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// firstN returns the first n runes of s, or "" when s is shorter than n
func firstN(s string, n int) string {
	r := []rune(s)
	if len(r) < n {
		return ""
	}
	return string(r[:n])
}

func lastN(s string, n int) string {
	r := []rune(s)
	if len(r) < n {
		return ""
	}
	return string(r[len(r)-n:])
}
