package errors

import (
	"errors"
)

// Cryptographic errors surfaced by the authenticated cipher
var (
	ErrInvalidKeyLength     = errors.New("invalid key length")
	ErrAuthenticationFailed = errors.New("message authentication failed")
	ErrMalformedCiphertext  = errors.New("malformed ciphertext")
)

// Qualifier validation errors
var (
	ErrMalformedQualifier = errors.New("malformed qualifier")
	ErrValidationMismatch = errors.New("qualifier does not match device")
	ErrEncodingOutOfRange = errors.New("encoded value out of range")
)

// Activation state errors
var (
	ErrNotEligible    = errors.New("device not eligible for activation")
	ErrAlreadyReady   = errors.New("activation-ready record already exists")
	ErrRecordNotFound = errors.New("activation record not found")
)

// Activation workflow errors
var (
	ErrInvalidRequest     = errors.New("invalid activation request")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidQualifier   = errors.New("invalid qualifier")
	ErrReplayedQualifier  = errors.New("qualifier already used")
	ErrAlreadyActivated   = errors.New("device already activated")
	ErrSecretNotAvailable = errors.New("static secret not available")
)

// Kind is the coarse error category used for log and metric labels
type Kind string

const (
	KindNone                 Kind = ""
	KindCryptoAuthentication Kind = "crypto_authentication_failure"
	KindCryptoMalformed      Kind = "crypto_malformed"
	KindValidationMismatch   Kind = "validation_mismatch"
	KindEncodingOutOfRange   Kind = "encoding_out_of_range"
	KindNotEligible          Kind = "not_eligible"
	KindInvalidRequest       Kind = "invalid_request"
	KindRateLimited          Kind = "rate_limited"
	KindReplay               Kind = "replay"
	KindConfiguration        Kind = "configuration"
	KindNotFound             Kind = "not_found"
	KindUnknown              Kind = "unknown"
)

// kindTable is checked in order; the first matching sentinel wins.
var kindTable = []struct {
	target error
	kind   Kind
}{
	{ErrInvalidKeyLength, KindCryptoMalformed},
	{ErrAuthenticationFailed, KindCryptoAuthentication},
	{ErrMalformedCiphertext, KindCryptoMalformed},
	{ErrMalformedQualifier, KindCryptoMalformed},
	{ErrValidationMismatch, KindValidationMismatch},
	{ErrEncodingOutOfRange, KindEncodingOutOfRange},
	{ErrNotEligible, KindNotEligible},
	{ErrAlreadyReady, KindNotEligible},
	{ErrAlreadyActivated, KindNotEligible},
	{ErrRecordNotFound, KindNotFound},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrRateLimited, KindRateLimited},
	{ErrReplayedQualifier, KindReplay},
	{ErrSecretNotAvailable, KindConfiguration},
}

// KindOf classifies err for observability
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.target) {
			return entry.kind
		}
	}
	// An invalid qualifier without a more specific cause is still a validation failure
	if errors.Is(err, ErrInvalidQualifier) {
		return KindValidationMismatch
	}
	return KindUnknown
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers importing this package under its own name keep access to it.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
