package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

const (
	maxLoginPrefix = 20

	// DefaultMinQueryLength is the shortest name fragment SearchPeople accepts.
	DefaultMinQueryLength = 3
	maxSearchResults      = 100
)

// PersonService authenticates callers and maps identity tokens onto local
// persons, creating them on first contact.
type PersonService struct {
	people   driven.PersonStore
	verifier driven.ClaimVerifier
	resolver *IdentityResolver
	clock    clock.Clock
	minQuery int
}

// PersonOption configures a PersonService.
type PersonOption func(*PersonService)

// WithMinQueryLength sets the shortest name fragment SearchPeople accepts.
// Values below 1 keep the default.
func WithMinQueryLength(n int) PersonOption {
	return func(s *PersonService) {
		if n > 0 {
			s.minQuery = n
		}
	}
}

// NewPersonService creates a PersonService.
func NewPersonService(people driven.PersonStore, verifier driven.ClaimVerifier, resolver *IdentityResolver, clk clock.Clock, opts ...PersonOption) *PersonService {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &PersonService{
		people:   people,
		verifier: verifier,
		resolver: resolver,
		clock:    clk,
		minQuery: DefaultMinQueryLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate verifies token and returns the caller's person record.
func (s *PersonService) Authenticate(ctx context.Context, token string) (model.Person, error) {
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return model.Person{}, errors.Trace(err)
	}
	return s.EnsurePerson(ctx, claims)
}

// EnsurePerson returns the person for the claims' subject, creating it
// when the subject is new.
func (s *PersonService) EnsurePerson(ctx context.Context, claims model.Claims) (model.Person, error) {
	if claims.Subject == "" {
		return model.Person{}, errors.Unauthorizedf("claims without subject")
	}

	existing, err := s.people.GetBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, driven.ErrInconsistentState) {
			slog.Error("person lookup found duplicates", "subject", claims.Subject, "error", err)
		}
		return model.Person{}, errors.Annotate(err, "look up person")
	}
	if existing != nil {
		return *existing, nil
	}

	id := uuid.NewString()
	created, err := s.people.Create(ctx, model.Person{
		UUID:         id,
		Subject:      claims.Subject,
		Name:         claims.Name,
		Email:        claims.Email,
		BastionLogin: BastionLogin(claims.Email, id),
		RegisteredAt: s.clock.Now().UTC(),
	})
	if errors.Is(err, errors.AlreadyExists) {
		// Lost a first-contact race for the same subject.
		existing, err = s.people.GetBySubject(ctx, claims.Subject)
		if err != nil {
			return model.Person{}, errors.Annotate(err, "look up person")
		}
		if existing == nil {
			return model.Person{}, errors.Annotatef(driven.ErrInconsistentState, "person for subject %q vanished", claims.Subject)
		}
		return *existing, nil
	}
	if err != nil {
		return model.Person{}, errors.Annotate(err, "create person")
	}

	slog.Info("person registered", "person", created.UUID, "login", created.BastionLogin)
	return created, nil
}

// Whoami authenticates the caller and resolves their registry activity,
// storing a newly learned registry person id.
func (s *PersonService) Whoami(ctx context.Context, token string) (model.Person, model.Activity, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return model.Person{}, model.Activity{}, err
	}

	activity, err := s.resolver.Refresh(ctx, &p)
	if err != nil {
		return model.Person{}, model.Activity{}, err
	}
	if !activity.Active {
		return p, activity, errors.Forbiddenf("person %s is not an active registry member", p.UUID)
	}
	return p, activity, nil
}

// Authorize authenticates the caller and checks that they own the
// requested uuid. With requireActive the caller must also be an active
// registry member.
func (s *PersonService) Authorize(ctx context.Context, token, ownerUUID string, requireActive bool) (model.Person, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return model.Person{}, err
	}
	if p.UUID != ownerUUID {
		return model.Person{}, errors.Forbiddenf("caller %s may not act for %s", p.UUID, ownerUUID)
	}
	if !requireActive {
		return p, nil
	}

	activity, err := s.resolver.Refresh(ctx, &p)
	if err != nil {
		return model.Person{}, err
	}
	if !activity.Active {
		return model.Person{}, errors.Forbiddenf("person %s is not an active registry member", p.UUID)
	}
	return p, nil
}

// requireActive authenticates the caller and fails unless they are an
// active registry member.
func (s *PersonService) requireActive(ctx context.Context, token string) (model.Person, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return model.Person{}, err
	}
	activity, err := s.resolver.Refresh(ctx, &p)
	if err != nil {
		return model.Person{}, err
	}
	if !activity.Active {
		return model.Person{}, errors.Forbiddenf("person %s is not an active registry member", p.UUID)
	}
	return p, nil
}

// Person returns the caller's own record. Looking up anyone else is
// forbidden.
func (s *PersonService) Person(ctx context.Context, token, personUUID string) (model.Person, error) {
	id, err := uuid.Parse(personUUID)
	if err != nil {
		return model.Person{}, errors.NotValidf("person uuid %q", personUUID)
	}
	caller, err := s.Authenticate(ctx, token)
	if err != nil {
		return model.Person{}, err
	}
	if caller.UUID != id.String() {
		return model.Person{}, errors.Forbiddenf("caller %s may not read %s", caller.UUID, id)
	}

	p, err := s.people.GetByUUID(ctx, id.String())
	if err != nil {
		return model.Person{}, errors.Annotate(err, "look up person")
	}
	if p == nil {
		return model.Person{}, errors.NotFoundf("person %s", id)
	}
	return *p, nil
}

// UUIDForSubject maps an identity-provider subject onto a local person
// uuid. Only active registry members may ask.
func (s *PersonService) UUIDForSubject(ctx context.Context, token, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.NotValidf("empty claim subject")
	}
	if _, err := s.requireActive(ctx, token); err != nil {
		return "", err
	}

	p, err := s.people.GetBySubject(ctx, subject)
	if err != nil {
		return "", errors.Annotate(err, "look up person")
	}
	if p == nil {
		return "", errors.NotFoundf("person for subject %q", subject)
	}
	return p.UUID, nil
}

// SearchPeople returns the people whose name contains fragment, ordered by
// name. Only active registry members may search.
func (s *PersonService) SearchPeople(ctx context.Context, token, fragment string) ([]model.Person, error) {
	fragment = strings.TrimSpace(fragment)
	if utf8.RuneCountInString(fragment) < s.minQuery {
		return nil, errors.NotValidf("person_name %q shorter than %d characters", fragment, s.minQuery)
	}
	if _, err := s.requireActive(ctx, token); err != nil {
		return nil, err
	}

	found, err := s.people.SearchByName(ctx, fragment, maxSearchResults)
	if err != nil {
		return nil, errors.Annotate(err, "search people")
	}
	if len(found) == 0 {
		return nil, errors.NotFoundf("people named like %q", fragment)
	}
	return found, nil
}

// BastionLogin derives the login used on bastion hosts: the sanitised local
// part of the e-mail address and a short hash of the person uuid.
func BastionLogin(email, personUUID string) string {
	local, _, _ := strings.Cut(strings.ToLower(email), "@")

	var b strings.Builder
	for _, r := range local {
		if b.Len() >= maxLoginPrefix {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '+':
			b.WriteByte('_')
		}
	}

	prefix := strings.Trim(b.String(), "_")
	if prefix == "" || prefix[0] >= '0' && prefix[0] <= '9' {
		prefix = "u" + prefix
		if len(prefix) > maxLoginPrefix {
			prefix = prefix[:maxLoginPrefix]
		}
	}

	sum := sha256.Sum256([]byte(personUUID))
	return prefix + "_" + hex.EncodeToString(sum[:])[:8]
}
