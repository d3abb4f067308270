package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/possync"
	"github.com/wattlefield/invoice-cli/internal/reconcile"
	"github.com/wattlefield/invoice-cli/pkg/square"
)

var (
	syncSchedule   string
	syncWindowDays int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull catalog and sales data from the POS platform",
	Long:  "Runs one read-only sync pass against Square: merges catalog items into the local catalog and upserts per-day sales aggregates. With --schedule it keeps running on a cron schedule until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		workflow, err := initSync(gw)
		if err != nil {
			return err
		}

		if syncSchedule == "" {
			return runSyncOnce(ctx, workflow)
		}

		c := cron.New()
		_, err = c.AddFunc(syncSchedule, func() {
			if err := runSyncOnce(ctx, workflow); err != nil {
				zap.L().Error("scheduled sync failed", zap.Error(err))
			}
		})
		if err != nil {
			return eris.Wrapf(err, "invalid schedule %q", syncSchedule)
		}

		zap.L().Info("sync scheduler started", zap.String("schedule", syncSchedule))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	},
}

// initSync wires the POS sync workflow against an open gateway.
func initSync(gw catalog.Gateway) (*possync.Workflow, error) {
	if cfg.Square.Token == "" {
		return nil, eris.New("square access token is required (INVOICE_SQUARE_TOKEN)")
	}
	if cfg.Square.LocationID == "" {
		return nil, eris.New("square location ID is required (INVOICE_SQUARE_LOCATION_ID)")
	}

	client := square.NewClient(cfg.Square.Token, cfg.Square.LocationID,
		square.WithBaseURL(cfg.Square.BaseURL),
		square.WithRateLimit(cfg.Square.RatePerSecond),
	)

	markup, err := possync.LoadMarkupTable(cfg.Sync.MarkupPath, cfg.Sync.DefaultMarkup)
	if err != nil {
		return nil, err
	}

	engine := reconcile.NewEngine(gw, cfg.Reconcile)

	syncCfg := cfg.Sync
	if syncWindowDays > 0 {
		syncCfg.WindowDays = syncWindowDays
	}

	return possync.NewWorkflow(gw, client, engine, markup, cfg.Parser.GSTRate, syncCfg), nil
}

func runSyncOnce(ctx context.Context, workflow *possync.Workflow) error {
	run, err := workflow.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "sync run")
	}
	if run.Status == "failed" {
		return eris.Errorf("sync run %s failed (%d failures)", run.ID, run.TotalFailed())
	}
	return nil
}

func init() {
	syncCmd.Flags().StringVar(&syncSchedule, "schedule", "", "cron expression for periodic sync (e.g. \"0 3 * * *\")")
	syncCmd.Flags().IntVar(&syncWindowDays, "window-days", 0, "order window in days (default from config)")
	rootCmd.AddCommand(syncCmd)
}
