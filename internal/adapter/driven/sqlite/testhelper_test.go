package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/testbed-io/uis/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via cache=shared.
// A unique name derived from t.Name() ensures isolation between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it's a safe SQLite URI filename component
	// and cannot be misinterpreted as query parameters in the "file:%s?..." DSN.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode pragma.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		safeName,
	)

	db, err := open(context.Background(), dsn, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if _, err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// createTestPerson stores a person with a derived login and returns it.
func createTestPerson(t *testing.T, db *DB, login string) model.Person {
	t.Helper()

	p, err := NewPeopleRepo(db).Create(context.Background(), model.Person{
		UUID:         uuid.NewString(),
		Subject:      "sub-" + login,
		Name:         "Test " + login,
		Email:        login + "@example.org",
		BastionLogin: login,
		RegisteredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return p
}

// testKey builds an unsaved key for owner with a fingerprint derived from suffix.
func testKey(owner string, category model.Category, suffix string, createdAt time.Time) model.SSHKey {
	return model.SSHKey{
		KeyID:       uuid.NewString(),
		OwnerUUID:   owner,
		Category:    category,
		Name:        "ssh-ed25519",
		PublicKey:   "AAAAC3NzaC1lZDI1NTE5AAAAI" + suffix,
		Comment:     "key-" + suffix,
		Fingerprint: "SHA256:" + suffix,
		CreatedAt:   createdAt,
	}
}

func allowAll(model.OwnerKeyStats) error { return nil }
