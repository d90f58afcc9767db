package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KeyStore = (*SSHKeyRepo)(nil)

// SSHKeyRepo is the SQLite implementation of the KeyStore port interface.
type SSHKeyRepo struct {
	db *DB
}

// NewSSHKeyRepo creates a new SSHKeyRepo backed by the given DB.
func NewSSHKeyRepo(db *DB) *SSHKeyRepo {
	return &SSHKeyRepo{db: db}
}

const keyColumns = `k.id, k.key_id, k.owner_uuid, k.category, k.name, k.public_key, k.comment, k.description,
	k.fingerprint, k.created_at, k.expires_at, k.active, k.deactivated_at, k.deactivation_reason, k.registry_key_id`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertChecked stores key after check has approved the owner's current
// statistics. Both run inside one write transaction on the single writer
// connection.
func (r *SSHKeyRepo) InsertChecked(ctx context.Context, key model.SSHKey, check driven.InsertCheck) (model.SSHKey, error) {
	const insert = `INSERT INTO ssh_keys (key_id, owner_uuid, category, name, public_key, comment, description,
		fingerprint, created_at, expires_at, active, deactivated_at, deactivation_reason, registry_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, '', ?)`

	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		stats, err := stats(ctx, tx, key.OwnerUUID, key.Fingerprint, key.Category)
		if err != nil {
			return err
		}
		if err := check(stats); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, insert,
			key.KeyID, key.OwnerUUID, string(key.Category), key.Name, key.PublicKey, key.Comment, key.Description,
			key.Fingerprint, formatTime(key.CreatedAt), formatNullTime(key.ExpiresAt), nullString(key.RegistryKeyID),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.AlreadyExistsf("key with fingerprint %s for owner %s", key.Fingerprint, key.OwnerUUID)
			}
			return fmt.Errorf("insert key %s: %w", key.KeyID, err)
		}

		key.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("read key id: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.SSHKey{}, err
	}

	key.Active = true
	key.DeactivatedAt = nil
	key.DeactivationReason = ""
	return key, nil
}

// Stats returns the owner's key statistics for the given fingerprint and category.
func (r *SSHKeyRepo) Stats(ctx context.Context, owner, fingerprint string, category model.Category) (model.OwnerKeyStats, error) {
	return stats(ctx, r.db.Reader, owner, fingerprint, category)
}

func stats(ctx context.Context, q querier, owner, fingerprint string, category model.Category) (model.OwnerKeyStats, error) {
	const query = `SELECT
		(SELECT COUNT(*) FROM ssh_keys WHERE owner_uuid = ? AND fingerprint = ?),
		(SELECT COUNT(*) FROM ssh_keys WHERE owner_uuid = ? AND category = ? AND active = 1)`

	var taken, active int
	if err := q.QueryRowContext(ctx, query, owner, fingerprint, owner, string(category)).Scan(&taken, &active); err != nil {
		return model.OwnerKeyStats{}, fmt.Errorf("key stats for owner %s: %w", owner, err)
	}
	return model.OwnerKeyStats{FingerprintTaken: taken > 0, ActiveCount: active}, nil
}

// Get returns one key of the owner regardless of status, or nil.
func (r *SSHKeyRepo) Get(ctx context.Context, owner string, category model.Category, keyID string) (*model.SSHKey, error) {
	query := `SELECT ` + keyColumns + ` FROM ssh_keys k WHERE k.owner_uuid = ? AND k.category = ? AND k.key_id = ? LIMIT 2`

	keys, err := r.list(ctx, query, owner, string(category), keyID)
	if err != nil {
		return nil, fmt.Errorf("get key %s: %w", keyID, err)
	}

	switch len(keys) {
	case 0:
		return nil, nil
	case 1:
		return &keys[0], nil
	default:
		return nil, fmt.Errorf("%d keys share id %s: %w", len(keys), keyID, driven.ErrInconsistentState)
	}
}

// ListActive returns the owner's active keys of a category, oldest first.
func (r *SSHKeyRepo) ListActive(ctx context.Context, owner string, category model.Category) ([]model.SSHKey, error) {
	query := `SELECT ` + keyColumns + ` FROM ssh_keys k
		WHERE k.owner_uuid = ? AND k.category = ? AND k.active = 1 ORDER BY k.created_at, k.id`

	keys, err := r.list(ctx, query, owner, string(category))
	if err != nil {
		return nil, fmt.Errorf("list active keys for owner %s: %w", owner, err)
	}
	return keys, nil
}

// Deactivate marks an active key inactive.
func (r *SSHKeyRepo) Deactivate(ctx context.Context, owner string, category model.Category, keyID string, at time.Time, reason string) error {
	const query = `UPDATE ssh_keys SET active = 0, deactivated_at = ?, deactivation_reason = ?
		WHERE owner_uuid = ? AND category = ? AND key_id = ? AND active = 1`

	result, err := r.db.Writer.ExecContext(ctx, query, formatTime(at), reason, owner, string(category), keyID)
	if err != nil {
		return fmt.Errorf("deactivate key %s: %w", keyID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	switch {
	case n == 0:
		return errors.NotFoundf("active %s key %s", category, keyID)
	case n > 1:
		return fmt.Errorf("deactivated %d rows for key %s: %w", n, keyID, driven.ErrInconsistentState)
	}
	return nil
}

// SetRegistryKeyID records the registry copy id for a key.
func (r *SSHKeyRepo) SetRegistryKeyID(ctx context.Context, keyID, registryKeyID string) error {
	const query = `UPDATE ssh_keys SET registry_key_id = ? WHERE key_id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, nullString(registryKeyID), keyID)
	if err != nil {
		return fmt.Errorf("set registry id for key %s: %w", keyID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return errors.NotFoundf("key %s", keyID)
	}
	return nil
}

// ExpireDue deactivates active keys whose expiry time is not after now.
func (r *SSHKeyRepo) ExpireDue(ctx context.Context, now time.Time, reason string) (int64, error) {
	const query = `UPDATE ssh_keys SET active = 0, deactivated_at = ?, deactivation_reason = ?
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`

	ts := formatTime(now)
	result, err := r.db.Writer.ExecContext(ctx, query, ts, reason, ts)
	if err != nil {
		return 0, fmt.Errorf("expire keys: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// ListDeactivatedBefore returns inactive keys deactivated before cutoff.
func (r *SSHKeyRepo) ListDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]model.SSHKey, error) {
	query := `SELECT ` + keyColumns + ` FROM ssh_keys k
		WHERE k.active = 0 AND k.deactivated_at < ? ORDER BY k.deactivated_at, k.id`

	keys, err := r.list(ctx, query, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list keys deactivated before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return keys, nil
}

// Delete permanently removes a key record. Deleting a missing key is not an error.
func (r *SSHKeyRepo) Delete(ctx context.Context, keyID string) error {
	const query = `DELETE FROM ssh_keys WHERE key_id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, keyID); err != nil {
		return fmt.Errorf("delete key %s: %w", keyID, err)
	}
	return nil
}

// ListChanges returns the activated and deactivated keys of a category since the given instant.
func (r *SSHKeyRepo) ListChanges(ctx context.Context, category model.Category, since time.Time) (model.ChangeSet, error) {
	const activated = `SELECT ` + keyColumns + `, p.bastion_login FROM ssh_keys k
		JOIN people p ON p.uuid = k.owner_uuid
		WHERE k.category = ? AND k.active = 1 AND k.created_at > ?
		ORDER BY k.created_at, k.id`
	const deactivated = `SELECT ` + keyColumns + `, p.bastion_login FROM ssh_keys k
		JOIN people p ON p.uuid = k.owner_uuid
		WHERE k.category = ? AND k.active = 0 AND k.deactivated_at > ?
		ORDER BY k.deactivated_at, k.id`

	ts := formatTime(since)
	set := model.ChangeSet{Since: since}

	var err error
	set.Activated, err = r.listChanges(ctx, activated, string(category), ts)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("list activated keys: %w", err)
	}
	set.Deactivated, err = r.listChanges(ctx, deactivated, string(category), ts)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("list deactivated keys: %w", err)
	}
	return set, nil
}

func (r *SSHKeyRepo) list(ctx context.Context, query string, args ...any) ([]model.SSHKey, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []model.SSHKey{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (r *SSHKeyRepo) listChanges(ctx context.Context, query string, args ...any) ([]model.KeyChange, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []model.KeyChange{}
	for rows.Next() {
		var login string
		key, err := scanKey(rows, &login)
		if err != nil {
			return nil, fmt.Errorf("scan key change: %w", err)
		}
		changes = append(changes, model.KeyChange{Key: *key, Login: login})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key changes: %w", err)
	}
	return changes, nil
}

// scanKey reads the keyColumns into an SSHKey; extra destinations are
// appended for joined columns.
func scanKey(s scanner, extra ...any) (*model.SSHKey, error) {
	var (
		k             model.SSHKey
		category      string
		createdAt     string
		expiresAt     sql.NullString
		deactivatedAt sql.NullString
		registryKeyID sql.NullString
	)

	dest := []any{
		&k.ID, &k.KeyID, &k.OwnerUUID, &category, &k.Name, &k.PublicKey, &k.Comment, &k.Description,
		&k.Fingerprint, &createdAt, &expiresAt, &k.Active, &deactivatedAt, &k.DeactivationReason, &registryKeyID,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	k.Category = model.Category(category)
	k.RegistryKeyID = registryKeyID.String

	var err error
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if k.DeactivatedAt, err = parseNullTime(deactivatedAt); err != nil {
		return nil, fmt.Errorf("parse deactivated_at: %w", err)
	}
	return &k, nil
}
