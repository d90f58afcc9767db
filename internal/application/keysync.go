package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// KeySync persists keys locally and, in mirrored mode, copies them to the
// identity registry. The local write always commits first; the registry copy
// is best effort and its failure never fails the operation.
type KeySync struct {
	keys     driven.KeyStore
	guard    *QuotaGuard
	resolver *IdentityResolver
	registry driven.RegistryClient // nil when no registry is configured
	mode     model.StorageMode
	policies model.Policies
}

// NewKeySync creates a KeySync.
func NewKeySync(
	keys driven.KeyStore,
	guard *QuotaGuard,
	resolver *IdentityResolver,
	registry driven.RegistryClient,
	mode model.StorageMode,
	policies model.Policies,
) *KeySync {
	return &KeySync{
		keys:     keys,
		guard:    guard,
		resolver: resolver,
		registry: registry,
		mode:     mode,
		policies: policies,
	}
}

// mirrors reports whether keys of category c are copied to the registry.
func (s *KeySync) mirrors(c model.Category) bool {
	return s.mode == model.StorageMirrored && s.registry != nil && s.policies.For(c).Mirrored
}

// Store inserts key for owner after the uniqueness and quota check and then
// attempts the registry copy.
func (s *KeySync) Store(ctx context.Context, owner *model.Person, key model.SSHKey) (model.SSHKey, error) {
	stored, err := s.keys.InsertChecked(ctx, key, s.guard.Check(owner.UUID, key.Fingerprint, key.Category))
	if err != nil {
		return model.SSHKey{}, errors.Trace(err)
	}

	if s.mirrors(stored.Category) {
		stored.RegistryKeyID = s.mirror(ctx, owner, stored)
	}
	return stored, nil
}

// mirror creates the registry copy and returns its id, or "" on any failure.
func (s *KeySync) mirror(ctx context.Context, owner *model.Person, key model.SSHKey) string {
	log := slog.With("owner", owner.UUID, "key_id", key.KeyID)

	activity, err := s.resolver.Refresh(ctx, owner)
	if err != nil {
		log.Warn("registry person lookup failed; key not mirrored", "error", err)
		return ""
	}
	if activity.RegistryPersonID == "" {
		log.Warn("no registry person for owner; key not mirrored")
		return ""
	}

	registryKeyID, err := s.registry.CreateSSHKey(ctx, activity.RegistryPersonID, key)
	if err != nil {
		log.Warn("registry key create failed; key not mirrored", "error", err)
		return ""
	}

	if err := s.keys.SetRegistryKeyID(ctx, key.KeyID, registryKeyID); err != nil {
		// Drop the registry copy that has no local reference.
		log.Error("store registry key id failed", "registry_key_id", registryKeyID, "error", err)
		if delErr := s.registry.DeleteSSHKey(ctx, registryKeyID); delErr != nil {
			log.Warn("registry key cleanup failed", "registry_key_id", registryKeyID, "error", delErr)
		}
		return ""
	}

	log.Info("key mirrored to registry", "registry_key_id", registryKeyID)
	return registryKeyID
}

// Remove deletes the registry copy of key, if any, and then deactivates the
// local record. A failed registry delete keeps the mirror id so garbage
// collection can retry it.
func (s *KeySync) Remove(ctx context.Context, key model.SSHKey, reason string, at time.Time) error {
	if key.IsMirrored() && s.registry != nil {
		err := s.registry.DeleteSSHKey(ctx, key.RegistryKeyID)
		switch {
		case err == nil, errors.Is(err, driven.ErrRegistryNotFound):
			if err := s.keys.SetRegistryKeyID(ctx, key.KeyID, ""); err != nil {
				return errors.Annotatef(err, "clear registry id of key %s", key.KeyID)
			}
		default:
			slog.Warn("registry key delete failed; will retry at collection",
				"owner", key.OwnerUUID,
				"key_id", key.KeyID,
				"registry_key_id", key.RegistryKeyID,
				"error", err,
			)
		}
	}

	if err := s.keys.Deactivate(ctx, key.OwnerUUID, key.Category, key.KeyID, at, reason); err != nil {
		return errors.Trace(err)
	}
	return nil
}
