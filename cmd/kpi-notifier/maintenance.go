package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/service"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), config.LoadDatabaseOnly, lifecycleTimeout, func(ctx context.Context, pool *db.Pool, cfg *config.Config, logger *zap.Logger) error {
				if err := db.Migrate(ctx, pool); err != nil {
					return err
				}
				logger.Info("schema applied")
				return nil
			})
		},
	}
}

func seedKpisCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-kpis",
		Short: "Register the default KPI catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), config.LoadDatabaseOnly, lifecycleTimeout, func(ctx context.Context, pool *db.Pool, cfg *config.Config, logger *zap.Logger) error {
				if err := db.Migrate(ctx, pool); err != nil {
					return err
				}
				// seeding never evaluates preferences
				kpis := service.NewKpiService(repository.NewRepository(pool), nil, logger)
				created, err := kpis.SeedCatalog(ctx)
				if err != nil {
					return fmt.Errorf("failed to seed kpis: %w", err)
				}
				logger.Info("kpi catalog seeded",
					zap.Int("created", created),
					zap.Int("catalog_size", len(service.DefaultCatalog)),
				)
				return nil
			})
		},
	}
}

// withDatabase runs fn against a short-lived pool built from DATABASE_URL.
// The whole run, connect included, is bounded by timeout.
func withDatabase(
	parent context.Context,
	load func() (*config.Config, error),
	timeout time.Duration,
	fn func(ctx context.Context, pool *db.Pool, cfg *config.Config, logger *zap.Logger) error,
) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach %s: %w", db.MaskPassword(cfg.Database.URL), err)
	}

	start := time.Now()
	if err := fn(ctx, pool, cfg, logger); err != nil {
		return err
	}
	logger.Debug("maintenance command finished", zap.Duration("took", time.Since(start)))
	return nil
}
