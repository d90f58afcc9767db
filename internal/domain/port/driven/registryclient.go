package driven

import (
	"context"

	"github.com/testbed-io/uis/internal/domain/model"
)

// RegistryClient defines the driven port for the external identity
// registry. Implementations translate transport failures and unexpected
// responses into ErrRegistryUnavailable and unknown objects into
// ErrRegistryNotFound; no other failure escapes.
type RegistryClient interface {
	// PersonRoles returns the role / group memberships of a registry person.
	PersonRoles(ctx context.Context, registryPersonID string) ([]model.RegistryRole, error)
	// IsActiveMember reports whether the roles include an active membership
	// in the group that represents authorised users.
	IsActiveMember(roles []model.RegistryRole) bool
	// SearchPeople finds registry persons by e-mail, or by name tokens when
	// the query has no e-mail.
	SearchPeople(ctx context.Context, q model.PersonQuery) ([]model.RegistryPerson, error)
	// Identifier returns the identifier of the given type for a registry
	// person, or "" when the person has none.
	Identifier(ctx context.Context, registryPersonID, idType string) (string, error)

	// CreateSSHKey attaches a copy of key to the registry person and
	// returns the registry's id for it.
	CreateSSHKey(ctx context.Context, registryPersonID string, key model.SSHKey) (string, error)
	// DeleteSSHKey removes a registry key copy. Deleting a key the registry
	// no longer knows returns ErrRegistryNotFound.
	DeleteSSHKey(ctx context.Context, registryKeyID string) error
}
