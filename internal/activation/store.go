package activation

import (
	"context"
)

// Store persists activation records.
//
// Implementations must make Claim and ready-record Insert atomic: of any number of
// concurrent calls against the same key, at most one succeeds.
type Store interface {
	// Insert creates a record. A ready record fails with ErrAlreadyReady when another
	// ready record shares its serial number or factory data id.
	Insert(ctx context.Context, rec NewRecord) (*Record, error)

	// CanBeActivated reports whether a ready record exists for key
	CanBeActivated(ctx context.Context, key Key) (bool, error)

	// Claim moves the ready record for key to StateClaimed in a single conditional
	// update. It returns ErrNotEligible when no ready record exists.
	Claim(ctx context.Context, key Key, actor string) (*Record, error)

	// Disable moves record id from ready to disabled; records in any other state are
	// returned unchanged. ErrRecordNotFound if id is unknown.
	Disable(ctx context.Context, id string, actor string) (*Record, error)

	// DisableByKey disables the ready record for key, if any, and returns how many changed
	DisableByKey(ctx context.Context, key Key, actor string) (int, error)

	// Get returns record id or ErrRecordNotFound
	Get(ctx context.Context, id string) (*Record, error)

	// ListByKey returns every record for key in provisioning order
	ListByKey(ctx context.Context, key Key) ([]*Record, error)

	Close() error
}
