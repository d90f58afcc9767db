package driven

import (
	"context"
	"time"

	"github.com/testbed-io/uis/internal/domain/model"
)

// InsertCheck decides, inside the insert transaction, whether a key may be
// stored given the owner's current key statistics.
type InsertCheck func(stats model.OwnerKeyStats) error

// KeyStore defines the driven port for SSH credential records.
//
// Get-style lookups return (nil, nil) when nothing matches.
type KeyStore interface {
	// InsertChecked computes the owner's key statistics and runs check within
	// the same write transaction as the insert, so two concurrent inserts for
	// one owner can never both pass the check. If check returns an error the
	// key is not stored and that error is returned unchanged.
	InsertChecked(ctx context.Context, key model.SSHKey, check InsertCheck) (model.SSHKey, error)

	// Stats returns the owner's key statistics outside of any insert.
	Stats(ctx context.Context, owner, fingerprint string, category model.Category) (model.OwnerKeyStats, error)

	Get(ctx context.Context, owner string, category model.Category, keyID string) (*model.SSHKey, error)
	ListActive(ctx context.Context, owner string, category model.Category) ([]model.SSHKey, error)

	// Deactivate marks an active key inactive. Returns an errors.NotFound
	// error when no active key matches.
	Deactivate(ctx context.Context, owner string, category model.Category, keyID string, at time.Time, reason string) error

	// SetRegistryKeyID records (or clears, with "") the registry copy id.
	SetRegistryKeyID(ctx context.Context, keyID, registryKeyID string) error

	// ExpireDue deactivates every active key whose expiry time has passed
	// and returns how many were changed.
	ExpireDue(ctx context.Context, now time.Time, reason string) (int64, error)

	// ListDeactivatedBefore returns inactive keys deactivated before cutoff.
	ListDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]model.SSHKey, error)

	// Delete permanently removes a key record.
	Delete(ctx context.Context, keyID string) error

	// ListChanges returns keys of the category that became active (created
	// and still active) or became inactive after since, joined with the
	// owner's bastion login.
	ListChanges(ctx context.Context, category model.Category, since time.Time) (model.ChangeSet, error)
}
