// Package possync pulls catalog and sales snapshots from the Square POS and
// upserts them through the catalog gateway. Pulls are read-only on the Square
// side; each run is recorded as a SyncRun with per-phase counters, and a
// single item failing never aborts the batch.
package possync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/internal/reconcile"
	"github.com/wattlefield/invoice-cli/pkg/square"
)

// catalogWorkers bounds concurrent catalog-item merges. The work is I/O-bound
// against the local store, so a small pool is enough.
const catalogWorkers = 4

// Workflow runs one POS synchronization pass.
type Workflow struct {
	gw      catalog.Gateway
	client  square.Client
	engine  *reconcile.Engine
	markup  *MarkupTable
	gstRate float64
	cfg     config.SyncConfig
}

// NewWorkflow wires a sync Workflow.
func NewWorkflow(gw catalog.Gateway, client square.Client, engine *reconcile.Engine, markup *MarkupTable, gstRate float64, cfg config.SyncConfig) *Workflow {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}
	if gstRate <= 0 {
		gstRate = 0.10
	}
	return &Workflow{
		gw:      gw,
		client:  client,
		engine:  engine,
		markup:  markup,
		gstRate: gstRate,
		cfg:     cfg,
	}
}

// Run executes the catalog phase then the sales phase, recording both into a
// SyncRun. The run is marked failed only when a whole phase cannot execute;
// per-item failures are counted and the run still completes.
func (w *Workflow) Run(ctx context.Context) (*model.SyncRun, error) {
	run, err := w.gw.CreateSyncRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "possync: create sync run")
	}

	run.Status = "complete"

	catalogCounters, err := w.syncCatalog(ctx)
	if err != nil {
		run.Status = "failed"
		catalogCounters.Fail(err.Error())
	}
	run.Phases[model.PhaseCatalog] = catalogCounters

	salesCounters, err := w.syncSales(ctx)
	if err != nil {
		run.Status = "failed"
		salesCounters.Fail(err.Error())
	}
	run.Phases[model.PhaseSales] = salesCounters

	if err := w.gw.CompleteSyncRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "possync: complete sync run")
	}

	zap.L().Info("possync: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("catalog_created", catalogCounters.Created),
		zap.Int("catalog_updated", catalogCounters.Updated),
		zap.Int("sales_updated", salesCounters.Updated),
		zap.Int("failed", run.TotalFailed()),
	)

	return run, nil
}

// syncCatalog pulls the Square catalog snapshot and merges each item.
func (w *Workflow) syncCatalog(ctx context.Context) (model.PhaseCounters, error) {
	var counters model.PhaseCounters

	objects, err := w.client.ListCatalog(ctx)
	if err != nil {
		return counters, eris.Wrap(err, "possync: list catalog")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogWorkers)

	for _, obj := range objects {
		if obj.Type != "ITEM" || obj.ItemData == nil || obj.ItemData.Name == "" {
			mu.Lock()
			counters.Skipped++
			mu.Unlock()
			continue
		}
		obj := obj
		g.Go(func() error {
			c := w.mergeItem(gctx, obj)
			mu.Lock()
			counters.Add(c)
			mu.Unlock()
			// Item failures are recorded in the counters, never propagated:
			// the batch always attempts every remaining item.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return counters, eris.Wrap(err, "possync: catalog phase")
	}
	return counters, nil
}

// mergeItem merges one external catalog object into the local catalog.
// Match by external identity first, then by case-insensitive exact name;
// otherwise resolve (and usually create) through the reconciliation engine.
func (w *Workflow) mergeItem(ctx context.Context, obj square.CatalogObject) model.PhaseCounters {
	var c model.PhaseCounters
	name := obj.ItemData.Name
	sellIncGST := firstVariationPrice(obj)
	costExGST := firstVariationCost(obj)

	item, err := w.gw.FindItemByExternalID(ctx, obj.ID)
	if err != nil {
		c.Fail(fmt.Sprintf("%s: %v", name, err))
		return c
	}
	if item == nil {
		item, err = w.gw.FindItemByName(ctx, name)
		if err != nil {
			c.Fail(fmt.Sprintf("%s: %v", name, err))
			return c
		}
	}

	if item != nil {
		if w.mergePricing(item, obj.ID, sellIncGST, costExGST) {
			if err := w.gw.UpdateItem(ctx, item); err != nil {
				c.Fail(fmt.Sprintf("%s: %v", name, err))
				return c
			}
			c.Updated++
		} else {
			c.Skipped++
		}
		return c
	}

	// New to us: resolve the name, which either fuzzy-matches an existing
	// item or creates one, then attach identity and pricing.
	decision, err := w.engine.Resolve(ctx, name)
	if err != nil {
		c.Fail(fmt.Sprintf("%s: %v", name, err))
		return c
	}
	if decision.Kind == reconcile.Unresolved {
		c.Skipped++
		return c
	}

	item, err = w.gw.GetItem(ctx, decision.CatalogItemID)
	if err != nil {
		c.Fail(fmt.Sprintf("%s: %v", name, err))
		return c
	}

	item.SquareID = obj.ID
	if item.SellIncGST == 0 && sellIncGST > 0 {
		item.SellIncGST = sellIncGST
	}
	if costExGST > 0 {
		item.CostExGST = costExGST
	} else if item.CostExGST == 0 && sellIncGST > 0 {
		item.CostExGST = DeriveCostExGST(sellIncGST, w.gstRate, w.markup.For(item.Category))
	}
	if err := w.gw.UpdateItem(ctx, item); err != nil {
		c.Fail(fmt.Sprintf("%s: %v", name, err))
		return c
	}

	if decision.Kind == reconcile.CreateNew {
		c.Created++
	} else {
		c.Updated++
	}
	return c
}

// mergePricing applies external pricing to a known item. A cost recorded on
// the POS side is authoritative and always refreshes the local cost; the
// markup-derived cost is only an estimate and fills a zero. An operator-set
// sell price is never overwritten with a stale external one.
func (w *Workflow) mergePricing(item *model.CatalogItem, squareID string, sellIncGST, costExGST float64) bool {
	changed := false

	if item.SquareID == "" && squareID != "" {
		item.SquareID = squareID
		changed = true
	}
	if item.SellIncGST == 0 && sellIncGST > 0 {
		item.SellIncGST = sellIncGST
		changed = true
	}
	if costExGST > 0 && item.CostExGST != costExGST {
		item.CostExGST = costExGST
		changed = true
	} else if item.CostExGST == 0 && sellIncGST > 0 {
		item.CostExGST = DeriveCostExGST(sellIncGST, w.gstRate, w.markup.For(item.Category))
		changed = true
	}

	return changed
}

// syncSales pulls the recent order window and upserts per-day-per-item-per-
// variation aggregates. The (date, item, variation) key makes re-syncing an
// overlapping window converge instead of double-count.
func (w *Workflow) syncSales(ctx context.Context) (model.PhaseCounters, error) {
	var counters model.PhaseCounters

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -w.cfg.WindowDays)

	orders, err := w.client.SearchOrders(ctx, start, end)
	if err != nil {
		return counters, eris.Wrap(err, "possync: search orders")
	}

	aggs, skipped := AggregateOrders(orders)
	counters.Skipped += skipped

	n, err := w.gw.UpsertSalesAggregates(ctx, aggs)
	if err != nil {
		return counters, eris.Wrap(err, "possync: upsert sales aggregates")
	}
	counters.Updated += int(n)

	return counters, nil
}

// AggregateOrders buckets order line items by (date, item, variation).
// Line items that cannot be dated or quantified are counted as skipped.
func AggregateOrders(orders []square.Order) ([]model.SalesAggregate, int) {
	buckets := make(map[string]*model.SalesAggregate)
	var keys []string // first-seen order, for stable output
	skipped := 0

	for _, o := range orders {
		closedAt, err := time.Parse(time.RFC3339, o.ClosedAt)
		if err != nil {
			skipped += len(o.LineItems)
			continue
		}
		date := closedAt.UTC().Format("2006-01-02")

		for _, li := range o.LineItems {
			qty, err := strconv.ParseFloat(li.Quantity, 64)
			if err != nil || li.Name == "" {
				skipped++
				continue
			}

			agg := model.SalesAggregate{Date: date, ItemName: li.Name, Variation: li.VariationName}
			key := agg.Key()
			b, ok := buckets[key]
			if !ok {
				b = &agg
				buckets[key] = b
				keys = append(keys, key)
			}

			gross := 0.0
			if li.GrossSalesMoney != nil {
				gross = li.GrossSalesMoney.Dollars()
			}
			tax := 0.0
			if li.TotalTaxMoney != nil {
				tax = li.TotalTaxMoney.Dollars()
			}
			total := gross
			if li.TotalMoney != nil {
				total = li.TotalMoney.Dollars()
			}

			b.Quantity += qty
			b.GrossSales += gross
			b.NetSales += total - tax
		}
	}

	out := make([]model.SalesAggregate, 0, len(buckets))
	for _, key := range keys {
		out = append(out, *buckets[key])
	}
	return out, skipped
}

// firstVariationPrice returns the first priced variation's sell price in
// dollars, or 0 when the item carries no pricing.
func firstVariationPrice(obj square.CatalogObject) float64 {
	for _, v := range obj.ItemData.Variations {
		if v.VariationData != nil && v.VariationData.PriceMoney != nil {
			return v.VariationData.PriceMoney.Dollars()
		}
	}
	return 0
}

// firstVariationCost returns the first recorded per-unit cost in dollars,
// or 0 when no variation carries one.
func firstVariationCost(obj square.CatalogObject) float64 {
	for _, v := range obj.ItemData.Variations {
		if v.VariationData != nil && v.VariationData.DefaultUnitCostMoney != nil {
			return v.VariationData.DefaultUnitCostMoney.Dollars()
		}
	}
	return 0
}
