package model

import "time"

// KeyChange is one entry of the bastion change feed.
type KeyChange struct {
	Key   SSHKey
	Login string // Owner's bastion login.
}

// ChangeSet holds the two disjoint groups returned by the change feed.
type ChangeSet struct {
	Since       time.Time
	Activated   []KeyChange
	Deactivated []KeyChange
}

// Len returns the total number of changes in the set.
func (c ChangeSet) Len() int {
	return len(c.Activated) + len(c.Deactivated)
}
