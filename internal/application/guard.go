package application

import (
	"context"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// QuotaGuard enforces fingerprint uniqueness and the per-category active
// key quota.
type QuotaGuard struct {
	keys  driven.KeyStore
	quota int
}

// NewQuotaGuard creates a guard allowing at most quota active keys per
// owner and category.
func NewQuotaGuard(keys driven.KeyStore, quota int) *QuotaGuard {
	return &QuotaGuard{keys: keys, quota: quota}
}

// Quota returns the configured active key limit.
func (g *QuotaGuard) Quota() int {
	return g.quota
}

// Check returns the insert check for a key. It is evaluated by the store
// inside the insert transaction.
func (g *QuotaGuard) Check(owner, fingerprint string, category model.Category) driven.InsertCheck {
	return func(stats model.OwnerKeyStats) error {
		if stats.FingerprintTaken {
			return errors.AlreadyExistsf("key with fingerprint %s", fingerprint)
		}
		if stats.ActiveCount >= g.quota {
			return errors.QuotaLimitExceededf("%d active %s keys for %s (quota %d)", stats.ActiveCount, category, owner, g.quota)
		}
		return nil
	}
}

// CheckInsertable reports whether a key could be inserted right now. The
// answer is advisory: only the check run inside InsertChecked is binding.
func (g *QuotaGuard) CheckInsertable(ctx context.Context, owner, fingerprint string, category model.Category) error {
	stats, err := g.keys.Stats(ctx, owner, fingerprint, category)
	if err != nil {
		return errors.Annotate(err, "load key statistics")
	}
	return g.Check(owner, fingerprint, category)(stats)
}
