// Package reconcile maps free-text product names to canonical catalog
// identities. Resolution is idempotent per name: once a link is active,
// repeated runs short-circuit to it and never re-decide.
package reconcile

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/internal/resilience"
	"github.com/wattlefield/invoice-cli/internal/similarity"
)

// DecisionKind tags the outcome of resolving one product name.
type DecisionKind string

const (
	// UseExistingLink means an active link already existed for the name.
	UseExistingLink DecisionKind = "use-existing-link"
	// MatchedCatalog means a similarity match cleared the threshold and a new
	// automatic link was created.
	MatchedCatalog DecisionKind = "matched-catalog"
	// CreateNew means nothing cleared the threshold, so a new catalog item
	// and link were created.
	CreateNew DecisionKind = "create-new"
	// Unresolved means the name could not be resolved (empty after
	// normalization).
	Unresolved DecisionKind = "unresolved"
)

// LinkDecision is the result of resolving one product name.
type LinkDecision struct {
	Kind          DecisionKind
	CatalogItemID string
	Confidence    float64
	Backfilled    int64
}

// Engine resolves product names against the catalog.
type Engine struct {
	gw       catalog.Gateway
	cfg      config.ReconcileConfig
	retryCfg resilience.RetryConfig
}

// NewEngine creates a reconciliation Engine.
func NewEngine(gw catalog.Gateway, cfg config.ReconcileConfig) *Engine {
	if cfg.LinkThreshold <= 0 {
		cfg.LinkThreshold = 0.8
	}
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("catalog", "reconcile")
	return &Engine{gw: gw, cfg: cfg, retryCfg: retryCfg}
}

// Resolve maps one raw product name to a catalog item, creating the catalog
// item when nothing clears the similarity threshold. Safe to call
// concurrently for the same name: the active-link exclusivity constraint
// picks a single winner and the loser adopts it.
func (e *Engine) Resolve(ctx context.Context, rawName string) (LinkDecision, error) {
	norm := NormalizeName(rawName)
	if norm == "" {
		return LinkDecision{Kind: Unresolved}, nil
	}

	// Step 1: idempotent short-circuit on an existing active link.
	link, err := e.getActiveLink(ctx, norm)
	if err != nil {
		return LinkDecision{}, err
	}
	if link != nil {
		return LinkDecision{
			Kind:          UseExistingLink,
			CatalogItemID: link.CatalogItemID,
			Confidence:    link.Confidence,
		}, nil
	}

	// Step 2: similarity match against the full active catalog.
	items, err := e.gw.ListCandidates(ctx, rawName)
	if err != nil {
		return LinkDecision{}, eris.Wrap(err, "reconcile: list candidates")
	}

	candidates := make([]similarity.Candidate, len(items))
	for i, item := range items {
		candidates[i] = similarity.Candidate{ID: item.ID, Name: item.Name}
	}

	if match := similarity.BestMatch(rawName, candidates, e.cfg.LinkThreshold); match != nil {
		return e.commitLink(ctx, &model.ProductLink{
			RawName:        rawName,
			NormalizedName: norm,
			CatalogItemID:  match.ID,
			Confidence:     match.Score,
			Origin:         model.OriginAutomatic,
		}, MatchedCatalog)
	}

	// Step 3: nothing cleared the threshold; create the item and link it.
	item := &model.CatalogItem{Name: rawName}
	if err := e.gw.CreateItem(ctx, item); err != nil {
		return LinkDecision{}, eris.Wrapf(err, "reconcile: create item for %q", rawName)
	}

	zap.L().Info("reconcile: created catalog item",
		zap.String("name", rawName),
		zap.String("item_id", item.ID),
	)

	return e.commitLink(ctx, &model.ProductLink{
		RawName:        rawName,
		NormalizedName: norm,
		CatalogItemID:  item.ID,
		Confidence:     1.0,
		Origin:         model.OriginAutoCreate,
	}, CreateNew)
}

// ResolveManual links a name to an operator-chosen catalog item, replacing
// any existing link. Manual links always win.
func (e *Engine) ResolveManual(ctx context.Context, rawName, catalogItemID string) (LinkDecision, error) {
	norm := NormalizeName(rawName)
	if norm == "" {
		return LinkDecision{}, eris.New("reconcile: empty product name")
	}

	if _, err := e.gw.GetItem(ctx, catalogItemID); err != nil {
		return LinkDecision{}, eris.Wrapf(err, "reconcile: manual link target %s", catalogItemID)
	}

	link := &model.ProductLink{
		RawName:        rawName,
		NormalizedName: norm,
		CatalogItemID:  catalogItemID,
		Confidence:     1.0,
		Origin:         model.OriginManual,
	}
	if err := e.gw.ReplaceLink(ctx, link); err != nil {
		return LinkDecision{}, eris.Wrapf(err, "reconcile: replace link %q", norm)
	}

	backfilled, err := e.backfill(ctx, rawName, catalogItemID)
	if err != nil {
		return LinkDecision{}, err
	}

	return LinkDecision{
		Kind:          UseExistingLink,
		CatalogItemID: catalogItemID,
		Confidence:    1.0,
		Backfilled:    backfilled,
	}, nil
}

// commitLink activates the link and back-fills historical line items. When a
// concurrent resolution already activated a link for this name, the existing
// winner is adopted instead.
func (e *Engine) commitLink(ctx context.Context, link *model.ProductLink, kind DecisionKind) (LinkDecision, error) {
	err := e.gw.CreateLink(ctx, link)
	if eris.Is(err, catalog.ErrDuplicateLink) {
		winner, lerr := e.getActiveLink(ctx, link.NormalizedName)
		if lerr != nil {
			return LinkDecision{}, lerr
		}
		if winner == nil {
			return LinkDecision{}, eris.Wrapf(err, "reconcile: link race for %q left no winner", link.NormalizedName)
		}
		zap.L().Debug("reconcile: adopted concurrent link",
			zap.String("name", link.NormalizedName),
			zap.String("item_id", winner.CatalogItemID),
		)
		return LinkDecision{
			Kind:          UseExistingLink,
			CatalogItemID: winner.CatalogItemID,
			Confidence:    winner.Confidence,
		}, nil
	}
	if err != nil {
		return LinkDecision{}, eris.Wrapf(err, "reconcile: create link %q", link.NormalizedName)
	}

	backfilled, err := e.backfill(ctx, link.RawName, link.CatalogItemID)
	if err != nil {
		return LinkDecision{}, err
	}

	zap.L().Info("reconcile: linked product",
		zap.String("name", link.RawName),
		zap.String("item_id", link.CatalogItemID),
		zap.String("origin", string(link.Origin)),
		zap.Float64("confidence", link.Confidence),
		zap.Int64("backfilled", backfilled),
	)

	return LinkDecision{
		Kind:          kind,
		CatalogItemID: link.CatalogItemID,
		Confidence:    link.Confidence,
		Backfilled:    backfilled,
	}, nil
}

func (e *Engine) getActiveLink(ctx context.Context, norm string) (*model.ProductLink, error) {
	link, err := resilience.DoVal(ctx, e.retryCfg, func(ctx context.Context) (*model.ProductLink, error) {
		return e.gw.GetActiveLink(ctx, norm)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: get active link %q", norm)
	}
	return link, nil
}

func (e *Engine) backfill(ctx context.Context, rawName, catalogItemID string) (int64, error) {
	n, err := resilience.DoVal(ctx, e.retryCfg, func(ctx context.Context) (int64, error) {
		return e.gw.BackfillLineItems(ctx, rawName, catalogItemID)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: backfill %q", rawName)
	}
	return n, nil
}
