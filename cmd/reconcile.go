package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/wattlefield/invoice-cli/internal/reconcile"
)

var (
	reconcileLinkID string
	reconcileUnlink bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <name...>",
	Short: "Resolve product names against the catalog",
	Long:  "Maps raw product names to catalog items: an existing active link wins, then a similarity match, otherwise a new catalog item is created. Use --link to force a name onto a specific item, or --unlink to retire its active link.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if (reconcileLinkID != "" || reconcileUnlink) && len(args) != 1 {
			return eris.New("--link and --unlink take exactly one name")
		}

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		if reconcileUnlink {
			removed, err := gw.DeactivateLink(ctx, reconcile.NormalizeName(args[0]))
			if err != nil {
				return eris.Wrap(err, "unlink")
			}
			if !removed {
				fmt.Fprintln(os.Stderr, "No active link for that name.")
			}
			return nil
		}

		engine := reconcile.NewEngine(gw, cfg.Reconcile)

		if reconcileLinkID != "" {
			d, err := engine.ResolveManual(ctx, args[0], reconcileLinkID)
			if err != nil {
				return eris.Wrap(err, "manual link")
			}
			formatDecisions(os.Stdout, args, []reconcile.LinkDecision{d})
			return nil
		}

		decisions := make([]reconcile.LinkDecision, 0, len(args))
		for _, name := range args {
			d, err := engine.Resolve(ctx, name)
			if err != nil {
				return eris.Wrapf(err, "resolve %q", name)
			}
			decisions = append(decisions, d)
		}

		formatDecisions(os.Stdout, args, decisions)
		return nil
	},
}

// formatDecisions writes a tabular view of resolution outcomes to w.
func formatDecisions(out io.Writer, names []string, decisions []reconcile.LinkDecision) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tOUTCOME\tITEM\tCONFIDENCE\tBACKFILLED")
	_, _ = fmt.Fprintln(w, "----\t-------\t----\t----------\t----------")

	for i, d := range decisions {
		itemID := d.CatalogItemID
		if len(itemID) > 8 {
			itemID = itemID[:8]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d\n",
			names[i], d.Kind, itemID, d.Confidence, d.Backfilled)
	}
	_ = w.Flush()
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileLinkID, "link", "", "catalog item ID to link the name to (manual override)")
	reconcileCmd.Flags().BoolVar(&reconcileUnlink, "unlink", false, "retire the active link for the name")
	rootCmd.AddCommand(reconcileCmd)
}
