package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// LifecycleManager expires keys past their expiry time and purges keys that
// have been inactive longer than the retention window. Sweeps are
// idempotent and run before every key operation.
type LifecycleManager struct {
	keys      driven.KeyStore
	registry  driven.RegistryClient // nil when no registry is configured
	retention time.Duration
	clock     clock.Clock
}

// NewLifecycleManager creates a LifecycleManager. registry may be nil.
func NewLifecycleManager(keys driven.KeyStore, registry driven.RegistryClient, retention time.Duration, clk clock.Clock) *LifecycleManager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LifecycleManager{
		keys:      keys,
		registry:  registry,
		retention: retention,
		clock:     clk,
	}
}

// Sweep runs the expire step and then garbage collection.
func (m *LifecycleManager) Sweep(ctx context.Context) (model.SweepResult, error) {
	now := m.clock.Now().UTC()
	var result model.SweepResult

	expired, err := m.keys.ExpireDue(ctx, now, ExpiredReason(now))
	if err != nil {
		return result, errors.Annotate(err, "expire keys")
	}
	result.Expired = expired

	cutoff := now.Add(-m.retention)
	stale, err := m.keys.ListDeactivatedBefore(ctx, cutoff)
	if err != nil {
		return result, errors.Annotate(err, "list keys to collect")
	}

	for _, key := range stale {
		if key.IsMirrored() && m.registry != nil {
			if err := m.registry.DeleteSSHKey(ctx, key.RegistryKeyID); err != nil && !errors.Is(err, driven.ErrRegistryNotFound) {
				result.MirrorFailures++
				slog.Warn("registry key delete failed during collection",
					"key_id", key.KeyID,
					"owner", key.OwnerUUID,
					"registry_key_id", key.RegistryKeyID,
					"error", err,
				)
			} else {
				result.MirrorDeletions++
			}
		}

		if err := m.keys.Delete(ctx, key.KeyID); err != nil {
			return result, errors.Annotatef(err, "collect key %s", key.KeyID)
		}
		result.Collected++
	}

	if result.Expired > 0 || result.Collected > 0 {
		slog.Info("key lifecycle sweep",
			"expired", result.Expired,
			"collected", result.Collected,
			"mirror_deletions", result.MirrorDeletions,
			"mirror_failures", result.MirrorFailures,
		)
	}
	return result, nil
}

// Start runs a sweep immediately and then every interval until ctx is
// canceled. Request-driven sweeps keep working alongside it.
func (m *LifecycleManager) Start(ctx context.Context, interval time.Duration) {
	if _, err := m.Sweep(ctx); err != nil {
		slog.Error("initial sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle sweeper stopped")
			return
		case <-m.clock.After(interval):
			if _, err := m.Sweep(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// ExpiredReason is the deactivation reason recorded by the expire step.
func ExpiredReason(at time.Time) string {
	return fmt.Sprintf("automatically expired at %s", at.UTC().Format(time.RFC3339))
}

// OwnerDeactivatedReason is the deactivation reason recorded when an owner
// deletes a key.
func OwnerDeactivatedReason(at time.Time) string {
	return fmt.Sprintf("deactivated by owner at %s", at.UTC().Format(time.RFC3339))
}
