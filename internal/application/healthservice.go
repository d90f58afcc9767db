package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// Health states reported by HealthService.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// pingTimeout bounds how long a health check waits for the store.
const pingTimeout = 2 * time.Second

// HealthReport is the result of a health check.
type HealthReport struct {
	Status   string
	Store    string
	Registry string // "configured" or "disabled"; the registry is not called.
	Time     time.Time
}

// HealthService reports whether the local store is reachable. It depends
// only on port interfaces.
type HealthService struct {
	store           driven.Pinger
	registryEnabled bool
	clock           clock.Clock
}

// NewHealthService creates a new HealthService with the required dependencies.
func NewHealthService(store driven.Pinger, registryEnabled bool, clk clock.Clock) *HealthService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HealthService{
		store:           store,
		registryEnabled: registryEnabled,
		clock:           clk,
	}
}

// Check pings the store. The report is degraded when the store cannot be
// reached within pingTimeout.
func (s *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:   HealthOK,
		Store:    HealthOK,
		Registry: "disabled",
		Time:     s.clock.Now().UTC(),
	}
	if s.registryEnabled {
		report.Registry = "configured"
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("health check: store unreachable", "error", err)
		report.Status = HealthDegraded
		report.Store = HealthDegraded
	}
	return report
}
