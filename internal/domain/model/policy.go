package model

import "time"

// CategoryPolicy describes how keys of one category behave over time.
type CategoryPolicy struct {
	// Validity is how long a new key stays active. Zero means the key only
	// becomes inactive through explicit deactivation.
	Validity time.Duration
	// Mirrored reports whether keys of this category are copied to the
	// identity registry when the service runs in mirrored storage mode.
	Mirrored bool
}

// Expires reports whether keys of this category carry an expiry time.
func (p CategoryPolicy) Expires() bool {
	return p.Validity > 0
}

// Policies maps each category to its policy. Lookups for categories that
// are missing from the table return the zero policy: no expiry, no mirror.
type Policies map[Category]CategoryPolicy

// For returns the policy for the given category.
func (p Policies) For(c Category) CategoryPolicy {
	return p[c]
}

// ExpiresAt computes the expiry instant for a key of category c created at
// createdAt. Returns nil when the category does not expire.
func (p Policies) ExpiresAt(c Category, createdAt time.Time) *time.Time {
	pol := p.For(c)
	if !pol.Expires() {
		return nil
	}
	exp := createdAt.Add(pol.Validity)
	return &exp
}
