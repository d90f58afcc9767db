package application_test

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/testbed-io/uis/internal/application"
	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
	"github.com/testbed-io/uis/internal/sshkey"
)

var (
	epoch     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	retention = 30 * 24 * time.Hour
	validity  = 72 * time.Hour
)

const (
	testQuota   = 3
	ownerUUID   = "0b7c6f4e-8d2a-4c1b-9a3e-5f6d7e8f9a0b"
	ownerSub    = "http://cilogon.org/serverA/users/1"
	ownerToken  = "token-ada"
	ownerRegID  = "101"
	ownerEmail  = "ada@example.org"
	strangerTok = "token-eve"
)

var testPolicies = model.Policies{
	model.CategoryBastion: {Validity: validity},
	model.CategorySliver:  {Mirrored: true},
}

type harness struct {
	clock     *testclock.Clock
	keys      *fakeKeyStore
	people    *fakePersonStore
	registry  *fakeRegistry
	verifier  *fakeVerifier
	owner     model.Person
	lifecycle *application.LifecycleManager
	guard     *application.QuotaGuard
	resolver  *application.IdentityResolver
	sync      *application.KeySync
	keySvc    *application.KeyService
	personSvc *application.PersonService
	feed      *application.ChangeFeed
}

// newHarness wires the services against in-memory fakes. The owner is an
// active registry member with a cached registry id.
func newHarness(t *testing.T, mode model.StorageMode) *harness {
	t.Helper()

	h := &harness{
		clock:    testclock.NewClock(epoch),
		keys:     newFakeKeyStore(),
		registry: newFakeRegistry(),
		owner: model.Person{
			UUID:             ownerUUID,
			Subject:          ownerSub,
			Name:             "Ada Lovelace",
			Email:            ownerEmail,
			BastionLogin:     "ada_1a2b3c4d",
			RegistryPersonID: ownerRegID,
		},
	}
	h.people = newFakePersonStore(h.owner)
	h.keys.logins[ownerUUID] = h.owner.BastionLogin
	h.registry.addMember(ownerRegID, ownerSub)
	h.verifier = &fakeVerifier{claims: map[string]model.Claims{
		ownerToken:  {Subject: ownerSub, Name: "Ada Lovelace", Email: ownerEmail},
		strangerTok: {Subject: "http://cilogon.org/serverA/users/666", Name: "Eve", Email: "eve@example.org"},
	}}

	h.wire(mode, h.registry)
	return h
}

// wire (re)builds the services with the given registry, which may be nil.
func (h *harness) wire(mode model.StorageMode, registry driven.RegistryClient) {
	h.lifecycle = application.NewLifecycleManager(h.keys, registry, retention, h.clock)
	h.guard = application.NewQuotaGuard(h.keys, testQuota)
	h.resolver = application.NewIdentityResolver(registry, h.people)
	h.sync = application.NewKeySync(h.keys, h.guard, h.resolver, registry, mode, testPolicies)
	h.keySvc = application.NewKeyService(h.lifecycle, h.keys, h.sync, testPolicies, sshkey.AlgorithmED25519, h.clock)
	h.personSvc = application.NewPersonService(h.people, h.verifier, h.resolver, h.clock)
	h.feed = application.NewChangeFeed(h.lifecycle, h.keys)
}

// publicKey returns a fresh authorized_keys line.
func publicKey(t *testing.T, comment string) string {
	t.Helper()
	gen, err := sshkey.Generate(sshkey.AlgorithmED25519, comment)
	require.NoError(t, err)
	return gen.Public.String()
}
