package application_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

func TestKeyService_UploadAndList(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()

	key, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, "ada@laptop"), "<b>work</b> laptop")
	require.NoError(t, err)
	assert.True(t, key.Active)
	assert.Equal(t, "ssh-ed25519", key.Name)
	assert.Equal(t, "ada@laptop", key.Comment)
	assert.Equal(t, "work laptop", key.Description)
	assert.True(t, strings.HasPrefix(key.Fingerprint, "SHA256:"))
	require.NotNil(t, key.ExpiresAt)
	assert.True(t, epoch.Add(validity).Equal(*key.ExpiresAt))

	keys, err := h.keySvc.ListActive(ctx, h.owner, model.CategoryBastion)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.KeyID, keys[0].KeyID)

	// Sliver keys do not expire.
	sliver, err := h.keySvc.Upload(ctx, &h.owner, model.CategorySliver, publicKey(t, ""), "")
	require.NoError(t, err)
	assert.Nil(t, sliver.ExpiresAt)
}

func TestKeyService_UploadRejectsInvalidKey(t *testing.T) {
	h := newHarness(t, model.StorageLocal)

	_, err := h.keySvc.Upload(context.Background(), &h.owner, model.CategoryBastion, "ssh-ed25519 AAAA-not-base64", "")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestKeyService_QuotaExceeded(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()

	for range testQuota {
		_, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, ""), "")
		require.NoError(t, err)
	}

	_, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, ""), "")
	assert.True(t, errors.Is(err, errors.QuotaLimitExceeded))

	keys, err := h.keySvc.ListActive(ctx, h.owner, model.CategoryBastion)
	require.NoError(t, err)
	assert.Len(t, keys, testQuota, "no record may be created over quota")

	_, err = h.keySvc.Generate(ctx, &h.owner, model.CategoryBastion, "", "")
	assert.True(t, errors.Is(err, errors.QuotaLimitExceeded))

	// The other category has its own quota.
	_, err = h.keySvc.Upload(ctx, &h.owner, model.CategorySliver, publicKey(t, ""), "")
	assert.NoError(t, err)
}

func TestKeyService_ConcurrentUploadsRespectQuota(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()

	lines := make([]string, 10)
	for i := range lines {
		lines[i] = publicKey(t, "")
	}

	var wg sync.WaitGroup
	for _, line := range lines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, line, "")
		}()
	}
	wg.Wait()

	keys, err := h.keySvc.ListActive(ctx, h.owner, model.CategoryBastion)
	require.NoError(t, err)
	assert.Len(t, keys, testQuota)
}

func TestKeyService_ExpiredKeysFreeQuota(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()

	for range testQuota {
		_, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, ""), "")
		require.NoError(t, err)
	}

	h.clock.Advance(validity + time.Second)

	keys, err := h.keySvc.ListActive(ctx, h.owner, model.CategoryBastion)
	require.NoError(t, err)
	assert.Empty(t, keys, "expired keys are inactive on the next access")

	_, err = h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, ""), "")
	assert.NoError(t, err)
}

func TestKeyService_DuplicateAfterDeactivation(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()
	line := publicKey(t, "laptop")

	first, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, line, "")
	require.NoError(t, err)
	require.NoError(t, h.keySvc.Deactivate(ctx, h.owner, model.CategoryBastion, first.KeyID))

	_, err = h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, line, "")
	assert.True(t, errors.Is(err, errors.AlreadyExists))

	// Once the old record is collected the key may be registered again.
	h.clock.Advance(retention + time.Hour)
	_, err = h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, line, "")
	assert.NoError(t, err)
}

func TestKeyService_Generate(t *testing.T) {
	h := newHarness(t, model.StorageMirrored)
	ctx := context.Background()

	pair, err := h.keySvc.Generate(ctx, &h.owner, model.CategorySliver, "<i>build</i> box", "ci runner")
	require.NoError(t, err)
	assert.Equal(t, "build box", pair.Key.Comment)
	assert.Equal(t, "rk-1", pair.Key.RegistryKeyID)

	signer, err := ssh.ParsePrivateKey([]byte(pair.PrivateKey))
	require.NoError(t, err)
	assert.Equal(t, pair.Key.Fingerprint, ssh.FingerprintSHA256(signer.PublicKey()))

	got, err := h.keySvc.Get(ctx, h.owner, model.CategorySliver, pair.Key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, "ci runner", got.Description)
}

func TestKeyService_GenerateWithRegistryDown(t *testing.T) {
	h := newHarness(t, model.StorageMirrored)
	h.registry.createErr = driven.ErrRegistryUnavailable

	pair, err := h.keySvc.Generate(context.Background(), &h.owner, model.CategorySliver, "", "")
	require.NoError(t, err, "mirror failure must not fail key issuance")
	assert.Empty(t, pair.Key.RegistryKeyID)
	assert.NotEmpty(t, pair.PrivateKey)
}

func TestKeyService_GetAndDeactivate(t *testing.T) {
	h := newHarness(t, model.StorageMirrored)
	ctx := context.Background()

	key, err := h.keySvc.Upload(ctx, &h.owner, model.CategorySliver, publicKey(t, ""), "")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.keySvc.Deactivate(ctx, h.owner, model.CategorySliver, key.KeyID))
	assert.Equal(t, []string{"rk-1"}, h.registry.deleted)

	got, err := h.keySvc.Get(ctx, h.owner, model.CategorySliver, key.KeyID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "deactivated by owner at 2024-06-01T12:01:00Z", got.DeactivationReason)
	assert.Empty(t, got.RegistryKeyID)

	err = h.keySvc.Deactivate(ctx, h.owner, model.CategorySliver, key.KeyID)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestKeyService_KeyIDValidationAndScope(t *testing.T) {
	h := newHarness(t, model.StorageLocal)
	ctx := context.Background()

	_, err := h.keySvc.Get(ctx, h.owner, model.CategoryBastion, "../../etc")
	assert.True(t, errors.Is(err, errors.NotValid))

	key, err := h.keySvc.Upload(ctx, &h.owner, model.CategoryBastion, publicKey(t, ""), "")
	require.NoError(t, err)

	other := model.Person{UUID: "a7f1c2d3-0000-4000-8000-000000000002"}
	_, err = h.keySvc.Get(ctx, other, model.CategoryBastion, key.KeyID)
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = h.keySvc.Get(ctx, h.owner, model.CategorySliver, key.KeyID)
	assert.True(t, errors.Is(err, errors.NotFound))
}
