// Command authctl runs operator tasks against the auth database: schema
// migration and admin two-factor enrollment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/subscriber-dash/authcore/internal/config"
	"github.com/subscriber-dash/authcore/internal/infra"
	"github.com/subscriber-dash/authcore/internal/logging"
	"github.com/subscriber-dash/authcore/internal/twofactor"
)

// env holds what every command needs. Tests replace the openers.
type env struct {
	cfg    config.Config
	logger *slog.Logger

	openDB     func(ctx context.Context) (infra.DB, func(), error)
	adminStore func(ctx context.Context) (twofactor.Repository, func(), error)
}

func newEnv(cfg config.Config, logger *slog.Logger) *env {
	e := &env{cfg: cfg, logger: logger}
	e.openDB = func(ctx context.Context) (infra.DB, func(), error) {
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
	e.adminStore = func(ctx context.Context) (twofactor.Repository, func(), error) {
		db, closeDB, err := e.openDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		return twofactor.NewPostgresRepository(db), closeDB, nil
	}
	return e
}

func (e *env) twoFactor(repo twofactor.Repository) *twofactor.Service {
	return twofactor.NewService(repo, twofactor.Config{
		Freshness:   e.cfg.AdminFreshness,
		DefaultTTL:  e.cfg.AdminDefaultTTL,
		MaxTTL:      e.cfg.AdminMaxTTL,
		MaxAttempts: e.cfg.AdminMaxAttempts,
		Issuer:      e.cfg.TOTPIssuer,
		BackupCodes: e.cfg.BackupCodeCount,
	}, twofactor.WithLogger(e.logger))
}

func rootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Operator tasks for the subscriber auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(e), adminCmd(e))
	return root
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Logs go to stderr so stdout carries only command output.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)

	if err := rootCmd(newEnv(cfg, logger)).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
