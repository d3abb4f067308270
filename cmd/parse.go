package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/internal/reconcile"
)

var (
	parseReconcile bool
	parseNoSave    bool
)

var parseCmd = &cobra.Command{
	Use:   "parse <image...>",
	Short: "Parse a multi-page invoice document",
	Long:  "Extracts structured line items from invoice page images (vision model first, OCR heuristic fallback per page), validates totals, and persists the result. Page order follows argument order.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pages := make([][]byte, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read page %s", path)
			}
			pages = append(pages, data)
		}

		orch, err := initParser()
		if err != nil {
			return err
		}

		inv, err := orch.ParseDocument(ctx, pages)
		if err != nil {
			return eris.Wrap(err, "parse document")
		}

		if !parseNoSave || parseReconcile {
			gw, err := initGateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close() //nolint:errcheck

			if !parseNoSave {
				if err := gw.SaveInvoice(ctx, inv); err != nil {
					return eris.Wrap(err, "save invoice")
				}
			}

			if parseReconcile {
				engine := reconcile.NewEngine(gw, cfg.Reconcile)
				reconcileInvoice(cmd, engine, inv)
			}
		}

		zap.L().Info("invoice parsed",
			zap.String("vendor", inv.VendorName),
			zap.Int("items", len(inv.LineItems)),
			zap.Float64("confidence", inv.Confidence),
			zap.Bool("requires_review", inv.RequiresReview),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(inv)
	},
}

// reconcileInvoice resolves each distinct line-item description. Resolution
// failures are logged per name; the parsed invoice is already saved.
func reconcileInvoice(cmd *cobra.Command, engine *reconcile.Engine, inv *model.ExtractedInvoice) {
	ctx := cmd.Context()
	seen := make(map[string]reconcile.LinkDecision)

	for i := range inv.LineItems {
		li := &inv.LineItems[i]
		d, ok := seen[li.Description]
		if !ok {
			var err error
			d, err = engine.Resolve(ctx, li.Description)
			if err != nil {
				zap.L().Warn("reconcile failed", zap.String("name", li.Description), zap.Error(err))
				continue
			}
			seen[li.Description] = d
		}
		if d.Kind != reconcile.Unresolved {
			li.CatalogItemID = d.CatalogItemID
		}
	}
}

func init() {
	parseCmd.Flags().BoolVar(&parseReconcile, "reconcile", false, "resolve line items against the catalog after parsing")
	parseCmd.Flags().BoolVar(&parseNoSave, "no-save", false, "print the parsed invoice without persisting it")
	rootCmd.AddCommand(parseCmd)
}
