package driven

import (
	"context"

	"github.com/testbed-io/uis/internal/domain/model"
)

// PersonStore defines the driven port for person persistence.
//
// Lookups return (nil, nil) when no person matches. A lookup that finds
// more than one match returns ErrInconsistentState.
type PersonStore interface {
	// Create inserts a new person and returns it with its database id.
	// Returns an errors.AlreadyExists error if the UUID or subject is taken.
	Create(ctx context.Context, p model.Person) (model.Person, error)
	GetBySubject(ctx context.Context, subject string) (*model.Person, error)
	GetByUUID(ctx context.Context, uuid string) (*model.Person, error)
	// SearchByName returns up to limit persons whose name contains
	// fragment, case-insensitively, ordered by name.
	SearchByName(ctx context.Context, fragment string, limit int) ([]model.Person, error)
	// SetRegistryPersonID replaces the cached registry person id. An empty
	// id clears the cache.
	SetRegistryPersonID(ctx context.Context, uuid, registryID string) error
}
