package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/wattlefield/invoice-cli/internal/model"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent POS sync runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		runs, err := gw.ListSyncRuns(ctx, runsLimit)
		if err != nil {
			return eris.Wrap(err, "list sync runs")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No sync runs found.")
			return nil
		}

		formatSyncRuns(os.Stdout, runs)
		return nil
	},
}

// formatSyncRuns writes a tabular list of sync runs to w.
func formatSyncRuns(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tCAT C/U/S\tSALES U/S\tFAILED")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t---------\t---------\t------")

	for _, r := range runs {
		dur := ""
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		cat := r.Phases[model.PhaseCatalog]
		sales := r.Phases[model.PhaseSales]

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d/%d\t%d/%d\t%d\n",
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			cat.Created, cat.Updated, cat.Skipped,
			sales.Updated, sales.Skipped,
			r.TotalFailed(),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max number of runs to display")
	rootCmd.AddCommand(runsCmd)
}
