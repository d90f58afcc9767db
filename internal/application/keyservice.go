package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
	"github.com/testbed-io/uis/internal/sshkey"
)

// KeyService is the entry point for owner key operations. Every operation
// runs the lifecycle sweep first.
type KeyService struct {
	lifecycle *LifecycleManager
	keys      driven.KeyStore
	sync      *KeySync
	policies  model.Policies
	algorithm sshkey.Algorithm
	clock     clock.Clock
}

// NewKeyService creates a KeyService.
func NewKeyService(
	lifecycle *LifecycleManager,
	keys driven.KeyStore,
	sync *KeySync,
	policies model.Policies,
	algorithm sshkey.Algorithm,
	clk clock.Clock,
) *KeyService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &KeyService{
		lifecycle: lifecycle,
		keys:      keys,
		sync:      sync,
		policies:  policies,
		algorithm: algorithm,
		clock:     clk,
	}
}

func (s *KeyService) sweep(ctx context.Context) error {
	if _, err := s.lifecycle.Sweep(ctx); err != nil {
		return errors.Annotate(err, "lifecycle sweep")
	}
	return nil
}

// ListActive returns the owner's active keys of a category.
func (s *KeyService) ListActive(ctx context.Context, owner model.Person, category model.Category) ([]model.SSHKey, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}
	keys, err := s.keys.ListActive(ctx, owner.UUID, category)
	if err != nil {
		return nil, errors.Annotate(err, "list keys")
	}
	return keys, nil
}

// Get returns one of the owner's keys regardless of its state.
func (s *KeyService) Get(ctx context.Context, owner model.Person, category model.Category, keyID string) (model.SSHKey, error) {
	if err := validKeyID(keyID); err != nil {
		return model.SSHKey{}, err
	}
	if err := s.sweep(ctx); err != nil {
		return model.SSHKey{}, err
	}

	key, err := s.keys.Get(ctx, owner.UUID, category, keyID)
	if err != nil {
		return model.SSHKey{}, errors.Annotatef(err, "get key %s", keyID)
	}
	if key == nil {
		return model.SSHKey{}, errors.NotFoundf("%s key %s", category, keyID)
	}
	return *key, nil
}

// Upload stores a public key supplied by the owner.
func (s *KeyService) Upload(ctx context.Context, owner *model.Person, category model.Category, publicOpenSSH, description string) (model.SSHKey, error) {
	pub, err := sshkey.Parse(publicOpenSSH)
	if err != nil {
		return model.SSHKey{}, errors.Trace(err)
	}
	pub.Comment = CleanComment(pub.Comment)

	if err := s.sweep(ctx); err != nil {
		return model.SSHKey{}, err
	}
	return s.sync.Store(ctx, owner, s.newKey(owner.UUID, category, pub, description))
}

// Generate creates a key pair for the owner and stores its public half. The
// private half is returned once and not kept.
func (s *KeyService) Generate(ctx context.Context, owner *model.Person, category model.Category, comment, description string) (model.KeyPair, error) {
	if err := s.sweep(ctx); err != nil {
		return model.KeyPair{}, err
	}

	// Quota is checked again inside the insert. An empty fingerprint
	// matches no stored key.
	if err := s.sync.guard.CheckInsertable(ctx, owner.UUID, "", category); err != nil {
		return model.KeyPair{}, err
	}

	gen, err := sshkey.Generate(s.algorithm, CleanComment(comment))
	if err != nil {
		return model.KeyPair{}, errors.Annotate(err, "generate key")
	}

	stored, err := s.sync.Store(ctx, owner, s.newKey(owner.UUID, category, gen.Public, description))
	if err != nil {
		return model.KeyPair{}, err
	}
	return model.KeyPair{Key: stored, PrivateKey: gen.Private}, nil
}

// Deactivate deactivates one of the owner's active keys.
func (s *KeyService) Deactivate(ctx context.Context, owner model.Person, category model.Category, keyID string) error {
	if err := validKeyID(keyID); err != nil {
		return err
	}
	if err := s.sweep(ctx); err != nil {
		return err
	}

	key, err := s.keys.Get(ctx, owner.UUID, category, keyID)
	if err != nil {
		return errors.Annotatef(err, "get key %s", keyID)
	}
	if key == nil || !key.Active {
		return errors.NotFoundf("active %s key %s", category, keyID)
	}

	now := s.clock.Now().UTC()
	return s.sync.Remove(ctx, *key, OwnerDeactivatedReason(now), now)
}

func (s *KeyService) newKey(owner string, category model.Category, pub sshkey.PublicKey, description string) model.SSHKey {
	now := s.clock.Now().UTC()
	return model.SSHKey{
		KeyID:       uuid.NewString(),
		OwnerUUID:   owner,
		Category:    category,
		Name:        pub.Type,
		PublicKey:   pub.Data,
		Comment:     pub.Comment,
		Description: CleanDescription(description),
		Fingerprint: pub.Fingerprint,
		CreatedAt:   now,
		ExpiresAt:   s.policies.ExpiresAt(category, now),
	}
}

func validKeyID(keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return errors.NotValidf("key id %q", keyID)
	}
	return nil
}
