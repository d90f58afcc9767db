package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PersonStore = (*PeopleRepo)(nil)

// PeopleRepo is the SQLite implementation of the PersonStore port interface.
type PeopleRepo struct {
	db *DB
}

// NewPeopleRepo creates a new PeopleRepo backed by the given DB.
func NewPeopleRepo(db *DB) *PeopleRepo {
	return &PeopleRepo{db: db}
}

const personColumns = `id, uuid, subject, name, email, bastion_login, registry_person_id, registered_at`

// Create inserts a new person.
func (r *PeopleRepo) Create(ctx context.Context, p model.Person) (model.Person, error) {
	const query = `INSERT INTO people (uuid, subject, name, email, bastion_login, registry_person_id, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		p.UUID, p.Subject, p.Name, p.Email, p.BastionLogin,
		nullString(p.RegistryPersonID), formatTime(p.RegisteredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Person{}, errors.AlreadyExistsf("person %s (subject %q)", p.UUID, p.Subject)
		}
		return model.Person{}, fmt.Errorf("create person %s: %w", p.UUID, err)
	}

	p.ID, err = result.LastInsertId()
	if err != nil {
		return model.Person{}, fmt.Errorf("read person id: %w", err)
	}
	return p, nil
}

// GetBySubject returns the person with the given token subject, or nil.
func (r *PeopleRepo) GetBySubject(ctx context.Context, subject string) (*model.Person, error) {
	return r.getOne(ctx, `SELECT `+personColumns+` FROM people WHERE subject = ? LIMIT 2`, subject)
}

// GetByUUID returns the person with the given UUID, or nil.
func (r *PeopleRepo) GetByUUID(ctx context.Context, uuid string) (*model.Person, error) {
	return r.getOne(ctx, `SELECT `+personColumns+` FROM people WHERE uuid = ? LIMIT 2`, uuid)
}

// likeEscaper escapes LIKE wildcards so a name fragment matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchByName returns persons whose name contains fragment. SQLite LIKE is
// case-insensitive for ASCII.
func (r *PeopleRepo) SearchByName(ctx context.Context, fragment string, limit int) ([]model.Person, error) {
	const query = `SELECT ` + personColumns + ` FROM people
		WHERE name LIKE ? ESCAPE '\'
		ORDER BY name, uuid
		LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, "%"+likeEscaper.Replace(fragment)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search people by name: %w", err)
	}
	defer rows.Close()

	var found []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		found = append(found, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}
	return found, nil
}

// SetRegistryPersonID replaces the cached registry person id.
func (r *PeopleRepo) SetRegistryPersonID(ctx context.Context, uuid, registryID string) error {
	const query = `UPDATE people SET registry_person_id = ? WHERE uuid = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, nullString(registryID), uuid)
	if err != nil {
		return fmt.Errorf("set registry id for person %s: %w", uuid, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return errors.NotFoundf("person %s", uuid)
	}
	return nil
}

// getOne runs a query expected to match at most one person. A second row
// means the uniqueness of the lookup column has been broken.
func (r *PeopleRepo) getOne(ctx context.Context, query string, arg any) (*model.Person, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query person %q: %w", arg, err)
	}
	defer rows.Close()

	var found []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		found = append(found, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("%d persons match %q: %w", len(found), arg, driven.ErrInconsistentState)
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPerson(s scanner) (*model.Person, error) {
	var (
		p            model.Person
		registryID   sql.NullString
		registeredAt string
	)

	err := s.Scan(&p.ID, &p.UUID, &p.Subject, &p.Name, &p.Email, &p.BastionLogin, &registryID, &registeredAt)
	if err != nil {
		return nil, err
	}
	p.RegistryPersonID = registryID.String

	p.RegisteredAt, err = parseTime(registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
