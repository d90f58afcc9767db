package model

import (
	"fmt"
	"slices"
	"strings"
)

// Category identifies what an SSH key is used for. It selects the expiry
// policy and whether the key is mirrored into the identity registry.
type Category string

const (
	CategoryBastion Category = "bastion" // Jump-host access; consumed via the change feed.
	CategorySliver  Category = "sliver"  // Access to provisioned compute resources.
)

// Categories lists every known key category in a stable order.
var Categories = []Category{CategoryBastion, CategorySliver}

// ParseCategory converts a path or config value into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Categories, c) {
		return c, nil
	}
	return "", fmt.Errorf("unknown key category %q, want one of %v", s, Categories)
}

// StorageMode selects where credential records live.
type StorageMode string

const (
	StorageLocal    StorageMode = "local"    // Local store only.
	StorageMirrored StorageMode = "mirrored" // Local store plus identity registry copy.
)

// ParseStorageMode converts a config value into a StorageMode.
func ParseStorageMode(s string) (StorageMode, error) {
	switch m := StorageMode(strings.ToLower(strings.TrimSpace(s))); m {
	case StorageLocal, StorageMirrored:
		return m, nil
	default:
		return "", fmt.Errorf("unknown key storage mode %q", s)
	}
}

// KeyStatus is the externally visible state of a key in the change feed.
type KeyStatus string

const (
	KeyStatusActive      KeyStatus = "active"
	KeyStatusDeactivated KeyStatus = "deactivated"
)
