package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/kpicsv"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/service"
)

// each update may wait on the mail timeout once per preference
const updateTimeout = 5 * time.Minute

type updateOptions struct {
	kpiID       string
	value       float64
	hasValue    bool
	dateRange   string
	csvPath     string
	csvDir      string
	valueColumn string
}

func updateKpiCommand() *cobra.Command {
	var opts updateOptions

	cmd := &cobra.Command{
		Use:   "update-kpi",
		Short: "Set KPI values and notify subscribers whose thresholds are crossed",
		Long: `Set one KPI value, or read values from CSV exports, and run each update
through threshold evaluation so qualifying subscribers are emailed.

  update-kpi --kpi-id unemployment_rate --value 5.2 --date-range "January 2024"
  update-kpi --kpi-id poverty_rate --csv exports/poverty_rate_atlanta.csv
  update-kpi --csv-dir exports/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.hasValue = cmd.Flags().Changed("value")
			updates, err := collectUpdates(opts)
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), config.LoadForUpdates, updateTimeout, func(ctx context.Context, pool *db.Pool, cfg *config.Config, logger *zap.Logger) error {
				m, err := ProvideMailer(cfg, logger)
				if err != nil {
					return err
				}
				store := repository.NewRepository(pool)
				kpis := ProvideKpiService(store, ProvideEngine(store, m, cfg, logger), logger)
				return applyUpdates(ctx, kpis, updates, logger)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.kpiID, "kpi-id", "", "KPI to update")
	flags.Float64Var(&opts.value, "value", 0, "new value for --kpi-id")
	flags.StringVar(&opts.dateRange, "date-range", "", `period the value belongs to, e.g. "January 2024"`)
	flags.StringVar(&opts.csvPath, "csv", "", "read the value for --kpi-id from this CSV export")
	flags.StringVar(&opts.csvDir, "csv-dir", "", "update every known KPI export in this directory")
	flags.StringVar(&opts.valueColumn, "value-column", "value", "CSV column holding the values")
	cmd.MarkFlagsMutuallyExclusive("csv", "csv-dir")
	cmd.MarkFlagsMutuallyExclusive("value", "csv")
	cmd.MarkFlagsMutuallyExclusive("value", "csv-dir")
	cmd.MarkFlagsMutuallyExclusive("kpi-id", "csv-dir")

	return cmd
}

// collectUpdates turns the flags into updates. CSV files are read here so a
// bad export fails before anything is written.
func collectUpdates(opts updateOptions) ([]service.KpiUpdate, error) {
	switch {
	case opts.csvDir != "":
		readings, skipped, err := kpicsv.ScanDir(opts.csvDir, opts.valueColumn)
		if err != nil {
			return nil, err
		}
		for _, path := range skipped {
			fmt.Printf("Skipping %s (no KPI mapped to this file)\n", path)
		}
		updates := make([]service.KpiUpdate, 0, len(readings))
		for _, r := range readings {
			updates = append(updates, service.KpiUpdate{
				KpiID:     r.KpiID,
				Value:     r.Value,
				DateRange: firstNonEmpty(opts.dateRange, r.DateRange),
			})
		}
		if len(updates) == 0 {
			return nil, fmt.Errorf("no KPI exports found in %s", opts.csvDir)
		}
		return updates, nil

	case opts.csvPath != "":
		if opts.kpiID == "" {
			return nil, errors.New("--csv needs --kpi-id")
		}
		reading, err := kpicsv.ReadLatestFile(opts.csvPath, opts.valueColumn)
		if err != nil {
			return nil, err
		}
		return []service.KpiUpdate{{
			KpiID:     opts.kpiID,
			Value:     reading.Value,
			DateRange: firstNonEmpty(opts.dateRange, reading.DateRange),
		}}, nil

	case opts.kpiID != "" && opts.hasValue:
		return []service.KpiUpdate{{KpiID: opts.kpiID, Value: opts.value, DateRange: opts.dateRange}}, nil

	default:
		return nil, errors.New("provide --kpi-id with --value, --kpi-id with --csv, or --csv-dir")
	}
}

// applyUpdates runs every update and keeps going past failures
func applyUpdates(ctx context.Context, kpis *service.KpiService, updates []service.KpiUpdate, logger *zap.Logger) error {
	failed := 0
	for _, u := range updates {
		result, err := kpis.UpdateKpiValue(ctx, u)
		if err != nil {
			failed++
			logger.Error("kpi update failed", zap.String("kpi_id", u.KpiID), zap.Error(err))
			continue
		}

		dispatched := 0
		for _, o := range result.Outcomes {
			if o.Dispatched {
				dispatched++
			}
		}
		logger.Info("kpi updated",
			zap.String("kpi_id", u.KpiID),
			zap.Float64("value", u.Value),
			zap.String("date_range", u.DateRange),
			zap.Int("notifications_sent", dispatched),
		)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d kpi updates failed", failed, len(updates))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
