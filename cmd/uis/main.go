package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	httphandler "github.com/testbed-io/uis/internal/adapter/driving/http"
	"github.com/testbed-io/uis/internal/config"
)

var cfgFile string

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// buildInfo describes this binary for the version endpoint.
func buildInfo(schema uint) httphandler.BuildInfo {
	info := httphandler.BuildInfo{Version: version, Schema: schema}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.GitSHA = s.Value
			}
		}
	}
	return info
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "uis",
		Short:         "User identity and SSH key service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env vars with the UIS_ prefix take precedence)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire due keys and purge old deactivated keys once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sweep(cmd.Context())
			},
		},
	)
	return root
}

// loadConfig reads configuration and installs the JSON logger at the
// configured level as the process default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"storage", cfg.Storage,
		"quota", cfg.KeyQuota,
		"algorithm", cfg.KeyAlgorithm,
		"registry", cfg.HasRegistry(),
		"sweep_interval", cfg.SweepInterval,
	)
	if cfg.SkipTokenValidation {
		slog.Warn("identity token signatures are NOT verified")
	}
	if cfg.FeedSecret == "" {
		slog.Info("no ssh_key_secret configured, bastion change feed disabled")
	}
	return cfg, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.SweepInterval > 0 {
		go a.lifecycle.Start(ctx, cfg.SweepInterval)
	}

	h := httphandler.NewHandler(a.persons, a.keys, a.feed, a.health, buildInfo(a.schema), cfg.FeedSecret, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(h, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func migrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.close()
	return nil
}

func sweep(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.lifecycle.Sweep(ctx)
	if err != nil {
		return err
	}
	slog.Info("sweep finished",
		"expired", res.Expired,
		"collected", res.Collected,
		"mirror_deletions", res.MirrorDeletions,
		"mirror_failures", res.MirrorFailures,
	)
	return nil
}
