package model

import "time"

// Person is a user known to the service. Persons are created on first
// authenticated contact and never hard-deleted.
type Person struct {
	ID           int64
	UUID         string // Stable internal identity.
	Subject      string // Subject identifier from the identity token.
	Name         string
	Email        string
	BastionLogin string
	// RegistryPersonID caches the identity registry's internal id for this
	// person. Empty when unknown. It may be stale and is re-derived whenever
	// the registry no longer recognises it.
	RegistryPersonID string
	RegisteredAt     time.Time
}

// HasRegistryID reports whether a registry person id is cached.
func (p Person) HasRegistryID() bool {
	return p.RegistryPersonID != ""
}
