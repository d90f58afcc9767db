package application

import (
	"context"
	"log/slog"
	"strings"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// SubjectIdentifierType is the registry identifier type that carries the
// identity token subject.
const SubjectIdentifierType = "oidcsub"

// IdentityResolver decides whether a person is an active member of the
// identity registry. The cached registry person id is only a shortcut: it
// is re-derived whenever the registry no longer confirms it.
type IdentityResolver struct {
	registry driven.RegistryClient // nil when no registry is configured
	people   driven.PersonStore
}

// NewIdentityResolver creates an IdentityResolver. With a nil registry every
// known person is active.
func NewIdentityResolver(registry driven.RegistryClient, people driven.PersonStore) *IdentityResolver {
	return &IdentityResolver{registry: registry, people: people}
}

// Enabled reports whether a registry is configured.
func (r *IdentityResolver) Enabled() bool {
	return r.registry != nil
}

// ResolveActive checks the person's membership. Registry connectivity
// failures are returned as errors wrapping driven.ErrRegistryUnavailable and
// never as an inactive result.
func (r *IdentityResolver) ResolveActive(ctx context.Context, p model.Person) (model.Activity, error) {
	if r.registry == nil {
		return model.Activity{Active: true, RegistryPersonID: p.RegistryPersonID}, nil
	}

	if p.HasRegistryID() {
		roles, err := r.registry.PersonRoles(ctx, p.RegistryPersonID)
		switch {
		case err == nil:
			if r.registry.IsActiveMember(roles) {
				return model.Activity{Active: true, RegistryPersonID: p.RegistryPersonID}, nil
			}
		case errors.Is(err, driven.ErrRegistryNotFound):
			slog.Info("cached registry person id no longer known", "person", p.UUID, "registry_person_id", p.RegistryPersonID)
		default:
			return model.Activity{}, errors.Annotatef(err, "check membership of %s", p.UUID)
		}
	}

	return r.rediscover(ctx, p)
}

// Refresh resolves the person and stores a changed registry person id so
// later calls take the cached path. p is updated in place.
func (r *IdentityResolver) Refresh(ctx context.Context, p *model.Person) (model.Activity, error) {
	activity, err := r.ResolveActive(ctx, *p)
	if err != nil {
		return activity, err
	}

	if r.registry != nil && activity.RegistryPersonID != p.RegistryPersonID {
		if err := r.people.SetRegistryPersonID(ctx, p.UUID, activity.RegistryPersonID); err != nil {
			return activity, errors.Annotatef(err, "store registry person id for %s", p.UUID)
		}
		slog.Info("registry person id updated",
			"person", p.UUID,
			"old", p.RegistryPersonID,
			"new", activity.RegistryPersonID,
		)
		p.RegistryPersonID = activity.RegistryPersonID
	}
	return activity, nil
}

// rediscover searches the registry for the person and picks the candidate
// whose subject identifier matches exactly. The e-mail search runs first;
// the name search runs when the e-mail finds no matching candidate, since
// the registry may hold a different address than the identity token.
func (r *IdentityResolver) rediscover(ctx context.Context, p model.Person) (model.Activity, error) {
	checked := map[string]bool{}
	for _, query := range searchQueries(p) {
		candidates, err := r.registry.SearchPeople(ctx, query)
		if err != nil {
			return model.Activity{}, errors.Annotatef(err, "search registry for %s", p.UUID)
		}

		for _, c := range candidates {
			if checked[c.ID] {
				continue
			}
			checked[c.ID] = true

			subject, err := r.registry.Identifier(ctx, c.ID, SubjectIdentifierType)
			if errors.Is(err, driven.ErrRegistryNotFound) {
				continue
			}
			if err != nil {
				return model.Activity{}, errors.Annotatef(err, "identifiers of registry person %s", c.ID)
			}
			if subject != p.Subject {
				continue
			}

			roles, err := r.registry.PersonRoles(ctx, c.ID)
			if err != nil && !errors.Is(err, driven.ErrRegistryNotFound) {
				return model.Activity{}, errors.Annotatef(err, "check membership of registry person %s", c.ID)
			}
			return model.Activity{Active: r.registry.IsActiveMember(roles), RegistryPersonID: c.ID}, nil
		}
	}

	return model.Activity{}, nil
}

// searchQueries returns the e-mail query followed by the name-token query,
// skipping whichever the person has nothing for.
func searchQueries(p model.Person) []model.PersonQuery {
	var queries []model.PersonQuery
	if p.Email != "" {
		queries = append(queries, model.PersonQuery{Email: p.Email})
	}

	tokens := strings.Fields(p.Name)
	switch len(tokens) {
	case 0:
	case 1:
		queries = append(queries, model.PersonQuery{Family: tokens[0]})
	default:
		queries = append(queries, model.PersonQuery{Given: tokens[0], Family: tokens[len(tokens)-1]})
	}
	return queries
}
