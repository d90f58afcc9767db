package application_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// --- In-memory KeyStore ---

type fakeKeyStore struct {
	mu     sync.Mutex
	keys   map[string]model.SSHKey
	logins map[string]string // owner uuid -> bastion login
	nextID int64

	failSetRegistryID error
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]model.SSHKey{}, logins: map[string]string{}}
}

func (f *fakeKeyStore) statsLocked(owner, fingerprint string, category model.Category) model.OwnerKeyStats {
	var s model.OwnerKeyStats
	for _, k := range f.keys {
		if k.OwnerUUID != owner {
			continue
		}
		if k.Fingerprint == fingerprint {
			s.FingerprintTaken = true
		}
		if k.Category == category && k.Active {
			s.ActiveCount++
		}
	}
	return s
}

func (f *fakeKeyStore) InsertChecked(_ context.Context, key model.SSHKey, check driven.InsertCheck) (model.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := check(f.statsLocked(key.OwnerUUID, key.Fingerprint, key.Category)); err != nil {
		return model.SSHKey{}, err
	}
	f.nextID++
	key.ID = f.nextID
	key.Active = true
	f.keys[key.KeyID] = key
	return key, nil
}

func (f *fakeKeyStore) Stats(_ context.Context, owner, fingerprint string, category model.Category) (model.OwnerKeyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsLocked(owner, fingerprint, category), nil
}

func (f *fakeKeyStore) Get(_ context.Context, owner string, category model.Category, keyID string) (*model.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok || k.OwnerUUID != owner || k.Category != category {
		return nil, nil
	}
	return &k, nil
}

func (f *fakeKeyStore) ListActive(_ context.Context, owner string, category model.Category) ([]model.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.SSHKey{}
	for _, k := range f.keys {
		if k.OwnerUUID == owner && k.Category == category && k.Active {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeKeyStore) Deactivate(_ context.Context, owner string, category model.Category, keyID string, at time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok || !k.Active || k.OwnerUUID != owner || k.Category != category {
		return errors.NotFoundf("active key %s", keyID)
	}
	k.Active = false
	k.DeactivatedAt = &at
	k.DeactivationReason = reason
	f.keys[keyID] = k
	return nil
}

func (f *fakeKeyStore) SetRegistryKeyID(_ context.Context, keyID, registryKeyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRegistryID != nil {
		return f.failSetRegistryID
	}
	k, ok := f.keys[keyID]
	if !ok {
		return errors.NotFoundf("key %s", keyID)
	}
	k.RegistryKeyID = registryKeyID
	f.keys[keyID] = k
	return nil
}

func (f *fakeKeyStore) ExpireDue(_ context.Context, now time.Time, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, k := range f.keys {
		if k.Active && k.IsExpired(now) {
			at := now
			k.Active = false
			k.DeactivatedAt = &at
			k.DeactivationReason = reason
			f.keys[id] = k
			n++
		}
	}
	return n, nil
}

func (f *fakeKeyStore) ListDeactivatedBefore(_ context.Context, cutoff time.Time) ([]model.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.SSHKey{}
	for _, k := range f.keys {
		if !k.Active && k.DeactivatedAt != nil && k.DeactivatedAt.Before(cutoff) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeKeyStore) Delete(_ context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, keyID)
	return nil
}

func (f *fakeKeyStore) ListChanges(_ context.Context, category model.Category, since time.Time) (model.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := model.ChangeSet{Since: since, Activated: []model.KeyChange{}, Deactivated: []model.KeyChange{}}
	for _, k := range f.keys {
		if k.Category != category {
			continue
		}
		change := model.KeyChange{Key: k, Login: f.logins[k.OwnerUUID]}
		switch {
		case k.Active && k.CreatedAt.After(since):
			set.Activated = append(set.Activated, change)
		case !k.Active && k.DeactivatedAt.After(since):
			set.Deactivated = append(set.Deactivated, change)
		}
	}
	return set, nil
}

func (f *fakeKeyStore) get(keyID string) (model.SSHKey, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	return k, ok
}

func (f *fakeKeyStore) put(k model.SSHKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	k.ID = f.nextID
	f.keys[k.KeyID] = k
}

// --- In-memory PersonStore ---

type fakePersonStore struct {
	mu     sync.Mutex
	people map[string]model.Person // by uuid

	setRegistryCalls []string
}

func newFakePersonStore(people ...model.Person) *fakePersonStore {
	f := &fakePersonStore{people: map[string]model.Person{}}
	for _, p := range people {
		f.people[p.UUID] = p
	}
	return f
}

func (f *fakePersonStore) Create(_ context.Context, p model.Person) (model.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.people {
		if existing.Subject == p.Subject || existing.UUID == p.UUID {
			return model.Person{}, errors.AlreadyExistsf("person %s", p.UUID)
		}
	}
	p.ID = int64(len(f.people) + 1)
	f.people[p.UUID] = p
	return p, nil
}

func (f *fakePersonStore) GetBySubject(_ context.Context, subject string) (*model.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []model.Person
	for _, p := range f.people {
		if p.Subject == subject {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, driven.ErrInconsistentState
	}
}

func (f *fakePersonStore) GetByUUID(_ context.Context, uuid string) (*model.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.people[uuid]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakePersonStore) SearchByName(_ context.Context, fragment string, limit int) ([]model.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []model.Person
	for _, p := range f.people {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(fragment)) {
			found = append(found, p)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (f *fakePersonStore) SetRegistryPersonID(_ context.Context, uuid, registryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.people[uuid]
	if !ok {
		return errors.NotFoundf("person %s", uuid)
	}
	p.RegistryPersonID = registryID
	f.people[uuid] = p
	f.setRegistryCalls = append(f.setRegistryCalls, registryID)
	return nil
}

// --- Registry mock ---

type fakeRegistry struct {
	mu sync.Mutex

	roles       map[string][]model.RegistryRole // registry person id -> roles
	rolesErr    map[string]error
	people      []model.RegistryPerson
	attrs       map[string]model.PersonQuery // registry person id -> attributes a search must match
	searchErr   error
	identifiers map[string]string // registry person id -> subject
	createErr   error
	deleteErr   error

	searches []model.PersonQuery
	created  []string // registry person ids keys were created for
	deleted  []string
	nextKey  int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		roles:       map[string][]model.RegistryRole{},
		rolesErr:    map[string]error{},
		identifiers: map[string]string{},
		attrs:       map[string]model.PersonQuery{},
	}
}

func (f *fakeRegistry) PersonRoles(_ context.Context, id string) ([]model.RegistryRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rolesErr[id]; err != nil {
		return nil, err
	}
	roles, ok := f.roles[id]
	if !ok {
		return nil, driven.ErrRegistryNotFound
	}
	return roles, nil
}

func (f *fakeRegistry) IsActiveMember(roles []model.RegistryRole) bool {
	for _, r := range roles {
		if r.Status == "Active" && r.CouID == "42" {
			return true
		}
	}
	return false
}

func (f *fakeRegistry) SearchPeople(_ context.Context, q model.PersonQuery) ([]model.RegistryPerson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, q)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var found []model.RegistryPerson
	for _, p := range f.people {
		if matchesQuery(f.attrs[p.ID], q) {
			found = append(found, p)
		}
	}
	return found, nil
}

// matchesQuery applies the registry's search semantics. A person registered
// without attributes matches every query.
func matchesQuery(attrs, q model.PersonQuery) bool {
	if attrs.IsEmpty() {
		return true
	}
	if q.Email != "" {
		return strings.EqualFold(attrs.Email, q.Email)
	}
	if q.Given != "" && !strings.EqualFold(attrs.Given, q.Given) {
		return false
	}
	return strings.EqualFold(attrs.Family, q.Family)
}

func (f *fakeRegistry) Identifier(_ context.Context, id, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identifiers[id], nil
}

func (f *fakeRegistry) CreateSSHKey(_ context.Context, personID string, _ model.SSHKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextKey++
	f.created = append(f.created, personID)
	return fmt.Sprintf("rk-%d", f.nextKey), nil
}

func (f *fakeRegistry) DeleteSSHKey(_ context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, keyID)
	return nil
}

// addMember registers an active member with the given registry id and subject.
func (f *fakeRegistry) addMember(id, subject string) {
	f.roles[id] = []model.RegistryRole{{ID: "r" + id, CouID: "42", Status: "Active"}}
	f.identifiers[id] = subject
	f.people = append(f.people, model.RegistryPerson{ID: id, Status: "Active"})
}

// addMemberWith registers an active member that searches only find by the
// given attributes.
func (f *fakeRegistry) addMemberWith(id, subject string, attrs model.PersonQuery) {
	f.addMember(id, subject)
	f.attrs[id] = attrs
}

// --- Claim verifier mock ---

type fakeVerifier struct {
	claims map[string]model.Claims // token -> claims
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (model.Claims, error) {
	if f.err != nil {
		return model.Claims{}, f.err
	}
	c, ok := f.claims[token]
	if !ok {
		return model.Claims{}, errors.Unauthorizedf("unknown token")
	}
	return c, nil
}
