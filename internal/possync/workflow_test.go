package possync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/internal/reconcile"
	"github.com/wattlefield/invoice-cli/pkg/square"
)

type stubSquare struct {
	objects    []square.CatalogObject
	orders     []square.Order
	catalogErr error
	ordersErr  error
}

func (s *stubSquare) ListCatalog(ctx context.Context) ([]square.CatalogObject, error) {
	return s.objects, s.catalogErr
}

func (s *stubSquare) SearchOrders(ctx context.Context, start, end time.Time) ([]square.Order, error) {
	return s.orders, s.ordersErr
}

func newTestWorkflow(t *testing.T, client square.Client) (*Workflow, catalog.Gateway) {
	t.Helper()
	gw, err := catalog.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	require.NoError(t, gw.Migrate(context.Background()))

	engine := reconcile.NewEngine(gw, config.ReconcileConfig{LinkThreshold: 0.8})
	markup := &MarkupTable{Default: 1.65, Categories: map[string]float64{"Produce": 1.4}}
	return NewWorkflow(gw, client, engine, markup, 0.10, config.SyncConfig{WindowDays: 7}), gw
}

func pricedItem(id, name string, cents int64) square.CatalogObject {
	return square.CatalogObject{
		ID:   id,
		Type: "ITEM",
		ItemData: &square.ItemData{
			Name: name,
			Variations: []square.ItemVariation{
				{ID: "var-" + id, VariationData: &square.VariationData{
					Name:       "Regular",
					PriceMoney: &square.Money{Amount: cents},
				}},
			},
		},
	}
}

func TestRun_CatalogMergeRules(t *testing.T) {
	ctx := context.Background()
	client := &stubSquare{
		objects: []square.CatalogObject{
			pricedItem("sq-1", "Organic Tofu 300g", 650),
			pricedItem("sq-2", "Spelt Flour 1kg", 899),
			pricedItem("sq-3", "Totally Novel Snack Bar", 450),
			{ID: "sq-cat", Type: "CATEGORY"},
		},
	}

	w, gw := newTestWorkflow(t, client)

	// Known by external ID, fully priced: nothing to merge.
	require.NoError(t, gw.CreateItem(ctx, &model.CatalogItem{
		Name: "Organic Tofu 300g", SquareID: "sq-1", CostExGST: 3.20, SellIncGST: 6.50,
	}))
	// Known by name only, no pricing yet: identity and pricing merge in.
	flour := &model.CatalogItem{Name: "Spelt Flour 1kg"}
	require.NoError(t, gw.CreateItem(ctx, flour))

	run, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Status)

	counters := run.Phases[model.PhaseCatalog]
	assert.Equal(t, 1, counters.Created, "novel item is created")
	assert.Equal(t, 1, counters.Updated, "name-matched item gains pricing")
	assert.Equal(t, 2, counters.Skipped, "fully priced item and non-ITEM object")
	assert.Equal(t, 0, counters.Failed)

	got, err := gw.FindItemByExternalID(ctx, "sq-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, flour.ID, got.ID)
	assert.InDelta(t, 8.99, got.SellIncGST, 1e-9)
	assert.InDelta(t, DeriveCostExGST(8.99, 0.10, 1.65), got.CostExGST, 1e-9)

	novel, err := gw.FindItemByExternalID(ctx, "sq-3")
	require.NoError(t, err)
	require.NotNil(t, novel)
	assert.Equal(t, "Totally Novel Snack Bar", novel.Name)
	assert.InDelta(t, 4.50, novel.SellIncGST, 1e-9)
}

// A per-unit cost recorded on the POS side is authoritative: it refreshes a
// differing local cost, unlike the markup-derived estimate which only fills
// a zero.
func TestRun_RecordedCostRefreshesLocal(t *testing.T) {
	ctx := context.Background()
	obj := pricedItem("sq-1", "Organic Tofu 300g", 650)
	obj.ItemData.Variations[0].VariationData.DefaultUnitCostMoney = &square.Money{Amount: 410}
	client := &stubSquare{objects: []square.CatalogObject{obj}}
	w, gw := newTestWorkflow(t, client)

	item := &model.CatalogItem{Name: "Organic Tofu 300g", SquareID: "sq-1", CostExGST: 3.20, SellIncGST: 6.50}
	require.NoError(t, gw.CreateItem(ctx, item))

	run, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Phases[model.PhaseCatalog].Updated)

	got, err := gw.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.InDelta(t, 4.10, got.CostExGST, 1e-9, "recorded cost wins over the stale local one")
	assert.InDelta(t, 6.50, got.SellIncGST, 1e-9, "sell price is still the operator's")
}

func TestRun_OperatorPricingIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	client := &stubSquare{objects: []square.CatalogObject{pricedItem("sq-1", "Organic Tofu 300g", 720)}}
	w, gw := newTestWorkflow(t, client)

	item := &model.CatalogItem{Name: "Organic Tofu 300g", CostExGST: 3.20, SellIncGST: 6.50}
	require.NoError(t, gw.CreateItem(ctx, item))

	run, err := w.Run(ctx)
	require.NoError(t, err)
	// The external ID is new, so the item is updated, but the operator's
	// pricing stands against the external $7.20.
	assert.Equal(t, 1, run.Phases[model.PhaseCatalog].Updated)

	got, err := gw.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "sq-1", got.SquareID)
	assert.InDelta(t, 6.50, got.SellIncGST, 1e-9)
	assert.InDelta(t, 3.20, got.CostExGST, 1e-9)
}

func TestRun_SecondRunConverges(t *testing.T) {
	ctx := context.Background()
	closed := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	client := &stubSquare{
		objects: []square.CatalogObject{pricedItem("sq-1", "Organic Tofu 300g", 650)},
		orders: []square.Order{
			{ID: "o-1", ClosedAt: closed, LineItems: []square.OrderLineItem{
				{Name: "Organic Tofu 300g", VariationName: "Regular", Quantity: "2",
					GrossSalesMoney: &square.Money{Amount: 1300}, TotalMoney: &square.Money{Amount: 1300}},
			}},
		},
	}
	w, gw := newTestWorkflow(t, client)

	first, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Phases[model.PhaseCatalog].Created)
	assert.Equal(t, 1, first.Phases[model.PhaseSales].Updated)

	second, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "complete", second.Status)
	assert.Equal(t, 0, second.Phases[model.PhaseCatalog].Created)
	assert.Equal(t, 1, second.Phases[model.PhaseCatalog].Skipped)
	// The overlapping sales window upserts the same bucket again rather than
	// duplicating it.
	assert.Equal(t, 1, second.Phases[model.PhaseSales].Updated)

	runs, err := gw.ListSyncRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_PhaseFailureMarksRunFailed(t *testing.T) {
	client := &stubSquare{
		catalogErr: eris.New("square is down"),
		ordersErr:  eris.New("square is down"),
	}
	w, gw := newTestWorkflow(t, client)

	run, err := w.Run(context.Background())
	require.NoError(t, err, "a failed phase still completes the run record")
	assert.Equal(t, "failed", run.Status)
	assert.Equal(t, 1, run.Phases[model.PhaseCatalog].Failed)
	assert.Equal(t, 1, run.Phases[model.PhaseSales].Failed)

	runs, err := gw.ListSyncRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
}

func TestRun_ItemFailureIsCountedNotFatal(t *testing.T) {
	ctx := context.Background()
	client := &stubSquare{objects: []square.CatalogObject{
		pricedItem("sq-1", "Organic Tofu 300g", 650),
		pricedItem("sq-2", "Spelt Flour 1kg", 899),
	}}

	w, gw := newTestWorkflow(t, client)
	w.gw = &brokenUpdateGateway{Gateway: gw, failName: "Organic Tofu 300g"}
	w.engine = reconcile.NewEngine(w.gw, config.ReconcileConfig{LinkThreshold: 0.8})

	run, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Status)

	counters := run.Phases[model.PhaseCatalog]
	assert.Equal(t, 1, counters.Created, "healthy item still lands")
	assert.Equal(t, 1, counters.Failed)
	require.Len(t, counters.Failures, 1)
	assert.Contains(t, counters.Failures[0], "Organic Tofu 300g")
}

func TestAggregateOrders(t *testing.T) {
	orders := []square.Order{
		{ID: "o-1", ClosedAt: "2026-08-14T03:15:00Z", LineItems: []square.OrderLineItem{
			{Name: "Organic Tofu 300g", VariationName: "Regular", Quantity: "2",
				GrossSalesMoney: &square.Money{Amount: 1300},
				TotalMoney:      &square.Money{Amount: 1300},
				TotalTaxMoney:   &square.Money{Amount: 118}},
		}},
		{ID: "o-2", ClosedAt: "2026-08-14T09:40:00Z", LineItems: []square.OrderLineItem{
			{Name: "Organic Tofu 300g", VariationName: "Regular", Quantity: "1",
				GrossSalesMoney: &square.Money{Amount: 650},
				TotalMoney:      &square.Money{Amount: 650},
				TotalTaxMoney:   &square.Money{Amount: 59}},
			{Name: "Spelt Flour 1kg", Quantity: "1",
				GrossSalesMoney: &square.Money{Amount: 899},
				TotalMoney:      &square.Money{Amount: 899}},
		}},
		// Next day: same item, different bucket.
		{ID: "o-3", ClosedAt: "2026-08-15T01:05:00Z", LineItems: []square.OrderLineItem{
			{Name: "Organic Tofu 300g", VariationName: "Regular", Quantity: "3",
				GrossSalesMoney: &square.Money{Amount: 1950},
				TotalMoney:      &square.Money{Amount: 1950}},
		}},
		{ID: "o-bad-date", ClosedAt: "not a timestamp", LineItems: []square.OrderLineItem{
			{Name: "Organic Tofu 300g", Quantity: "1"},
		}},
		{ID: "o-bad-lines", ClosedAt: "2026-08-15T02:00:00Z", LineItems: []square.OrderLineItem{
			{Name: "Organic Tofu 300g", Quantity: "two"},
			{Name: "", Quantity: "1"},
		}},
	}

	aggs, skipped := AggregateOrders(orders)
	assert.Equal(t, 3, skipped)
	require.Len(t, aggs, 3)

	tofu14 := aggs[0]
	assert.Equal(t, "2026-08-14", tofu14.Date)
	assert.Equal(t, "Organic Tofu 300g", tofu14.ItemName)
	assert.Equal(t, "Regular", tofu14.Variation)
	assert.InDelta(t, 3, tofu14.Quantity, 1e-9)
	assert.InDelta(t, 19.50, tofu14.GrossSales, 1e-9)
	assert.InDelta(t, 17.73, tofu14.NetSales, 1e-9)

	assert.Equal(t, "Spelt Flour 1kg", aggs[1].ItemName)
	assert.InDelta(t, 8.99, aggs[1].NetSales, 1e-9)

	assert.Equal(t, "2026-08-15", aggs[2].Date)
	assert.InDelta(t, 3, aggs[2].Quantity, 1e-9)
}

// brokenUpdateGateway fails every UpdateItem for one item name.
type brokenUpdateGateway struct {
	catalog.Gateway
	failName string
}

func (g *brokenUpdateGateway) UpdateItem(ctx context.Context, item *model.CatalogItem) error {
	if item.Name == g.failName {
		return eris.New("disk on fire")
	}
	return g.Gateway.UpdateItem(ctx, item)
}
