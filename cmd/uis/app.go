package main

import (
	"context"
	"log/slog"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/adapter/driven/comanage"
	"github.com/testbed-io/uis/internal/adapter/driven/jwtclaims"
	sqliteadapter "github.com/testbed-io/uis/internal/adapter/driven/sqlite"
	"github.com/testbed-io/uis/internal/application"
	"github.com/testbed-io/uis/internal/config"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// app holds the wired services shared by every subcommand.
type app struct {
	db        *sqliteadapter.DB
	lifecycle *application.LifecycleManager
	persons   *application.PersonService
	keys      *application.KeyService
	feed      *application.ChangeFeed
	health    *application.HealthService
	schema    uint
}

// newApp opens the database, applies migrations, and wires adapters into
// the application services.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	slog.Info("database opened", "path", cfg.DBPath)

	schema, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("migrations complete", "version", schema)

	keyStore := sqliteadapter.NewSSHKeyRepo(db)
	personStore := sqliteadapter.NewPeopleRepo(db)

	// Left as a nil interface when unset so services can test for it.
	var registry driven.RegistryClient
	if cfg.HasRegistry() {
		client, err := comanage.NewClient(comanage.Config{
			BaseURL:   cfg.Registry.URL,
			User:      cfg.Registry.User,
			Key:       cfg.Registry.Key,
			CoID:      cfg.Registry.CoID,
			ActiveCOU: cfg.Registry.ActiveCOU,
			Timeout:   cfg.Registry.Timeout,
		})
		if err != nil {
			_ = db.Close()
			return nil, errors.Annotate(err, "registry client")
		}
		registry = client
		slog.Info("registry client created", "url", cfg.Registry.URL, "coid", cfg.Registry.CoID)
	} else {
		slog.Info("no registry configured, every authenticated person is treated as active")
	}

	verifier, err := jwtclaims.NewVerifier(cfg.JWTSecret, cfg.SkipTokenValidation)
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "token verifier")
	}

	clk := clock.WallClock
	policies := cfg.Policies()

	lifecycle := application.NewLifecycleManager(keyStore, registry, cfg.RetentionPeriod, clk)
	guard := application.NewQuotaGuard(keyStore, cfg.KeyQuota)
	resolver := application.NewIdentityResolver(registry, personStore)
	sync := application.NewKeySync(keyStore, guard, resolver, registry, cfg.Storage, policies)

	return &app{
		db:        db,
		lifecycle: lifecycle,
		persons:   application.NewPersonService(personStore, verifier, resolver, clk, application.WithMinQueryLength(cfg.QueryMinLength)),
		keys:      application.NewKeyService(lifecycle, keyStore, sync, policies, cfg.KeyAlgorithm, clk),
		feed:      application.NewChangeFeed(lifecycle, keyStore),
		health:    application.NewHealthService(db, registry != nil, clk),
		schema:    schema,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
