package activation

import (
	"fmt"
	"strings"
	"time"

	apperrors "deviceauth/internal/errors"
	"deviceauth/internal/infrastructure"
)

// State is the lifecycle position of an activation record
type State string

const (
	// StateReady marks the single record per key that may be claimed
	StateReady State = "ready"
	// StateClaimed is reached once, through a successful activation
	StateClaimed State = "claimed"
	// StateDisabled is reached through explicit deactivation
	StateDisabled State = "disabled"
	// StateInactive is a record provisioned without activation eligibility
	StateInactive State = "inactive"
)

// KeyKind names the identifier a record is looked up by
type KeyKind string

const (
	KeySerialNumber  KeyKind = "serial_number"
	KeyFactoryDataID KeyKind = "factory_data_id"
)

// Key identifies the device an activation record belongs to
type Key struct {
	Kind  KeyKind
	Value string
}

// SerialKey returns the key for a device serial number
func SerialKey(serialNumber string) Key {
	return Key{Kind: KeySerialNumber, Value: serialNumber}
}

// FactoryDataKey returns the key for a factory-data identifier
func FactoryDataKey(factoryDataID string) Key {
	return Key{Kind: KeyFactoryDataID, Value: factoryDataID}
}

// Validate checks the key is usable for a lookup
func (k Key) Validate() error {
	switch k.Kind {
	case KeySerialNumber, KeyFactoryDataID:
	default:
		return fmt.Errorf("%w: unknown key kind %q", apperrors.ErrInvalidRequest, k.Kind)
	}
	if strings.TrimSpace(k.Value) == "" {
		return fmt.Errorf("%w: empty %s", apperrors.ErrInvalidRequest, k.Kind)
	}
	return nil
}

// String renders the key with its value masked, safe for logs and error messages
func (k Key) String() string {
	return string(k.Kind) + "=" + infrastructure.MaskIdentifier(k.Value)
}

// NewRecord describes a record to provision
type NewRecord struct {
	SerialNumber  string
	FactoryDataID string
	InitiatedBy   string
	Ready         bool
}

// Validate checks that the record can be keyed
func (n NewRecord) Validate() error {
	if n.SerialNumber == "" && n.FactoryDataID == "" {
		return fmt.Errorf("%w: serial number or factory data id required", apperrors.ErrInvalidRequest)
	}
	return nil
}

// Record is the persisted activation state of one device provisioning
type Record struct {
	ID            string
	Seq           int64
	SerialNumber  string
	FactoryDataID string
	State         State
	InitiatedBy   string
	InitiatedAt   time.Time
	ClaimedBy     string
	ClaimedAt     time.Time
	DisabledBy    string
	DisabledAt    time.Time
}

// ActivationReady reports whether the record can still be claimed
func (r *Record) ActivationReady() bool {
	return r.State == StateReady
}

// Matches reports whether the record is keyed by k
func (r *Record) Matches(k Key) bool {
	switch k.Kind {
	case KeySerialNumber:
		return r.SerialNumber != "" && r.SerialNumber == k.Value
	case KeyFactoryDataID:
		return r.FactoryDataID != "" && r.FactoryDataID == k.Value
	}
	return false
}
