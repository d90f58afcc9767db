package model

import "time"

// SSHKey is a stored SSH credential record.
//
// A record is either active with a nil DeactivatedAt, or inactive with
// DeactivatedAt set and a non-empty DeactivationReason.
type SSHKey struct {
	ID          int64
	KeyID       string // Opaque, globally unique identifier exposed to clients.
	OwnerUUID   string
	Category    Category
	Name        string // Key type, e.g. "ssh-ed25519".
	PublicKey   string // Base64 wire encoding of the public key.
	Comment     string
	Description string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   *time.Time

	Active             bool
	DeactivatedAt      *time.Time
	DeactivationReason string

	// RegistryKeyID is set only when the key was mirrored successfully.
	RegistryKeyID string
}

// AuthorizedKey returns the key in authorized_keys line format.
func (k SSHKey) AuthorizedKey() string {
	line := k.Name + " " + k.PublicKey
	if k.Comment != "" {
		line += " " + k.Comment
	}
	return line
}

// IsMirrored reports whether the key has a copy in the identity registry.
func (k SSHKey) IsMirrored() bool {
	return k.RegistryKeyID != ""
}

// IsExpired reports whether the key has an expiry time at or before now.
func (k SSHKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// KeyPair is a freshly generated key. The private half is handed to the
// caller once and never persisted.
type KeyPair struct {
	Key        SSHKey
	PrivateKey string // PEM, OpenSSH format.
}

// OwnerKeyStats is what the uniqueness and quota guard needs to know about
// an owner's existing keys.
type OwnerKeyStats struct {
	FingerprintTaken bool // Any record, active or not, carries the fingerprint.
	ActiveCount      int  // Active records of the requested category.
}

// SweepResult reports what a lifecycle sweep changed.
type SweepResult struct {
	Expired         int64
	Collected       int
	MirrorDeletions int // Successful registry deletes issued during collection.
	MirrorFailures  int
}
