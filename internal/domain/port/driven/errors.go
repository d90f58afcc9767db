package driven

import "github.com/juju/errors"

// Sentinel errors shared by driven adapters. Callers match them with
// errors.Is.
var (
	// ErrRegistryUnavailable indicates the identity registry could not be
	// reached or answered with an unexpected failure. It never means "not
	// active" and must not be treated as a deauthorization.
	ErrRegistryUnavailable = errors.New("identity registry unavailable")

	// ErrRegistryNotFound indicates the registry does not know the
	// requested object (for example a stale person id).
	ErrRegistryNotFound = errors.New("identity registry object not found")

	// ErrInconsistentState indicates the local store holds data that
	// violates an invariant, such as two persons sharing one subject.
	ErrInconsistentState = errors.New("inconsistent local state")
)
