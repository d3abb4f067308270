// Package catalog is the persistence gateway for the product catalog,
// product-name links, parsed invoices, aggregated sales, and sync runs.
// Two implementations exist: SQLite for single-operator installs and
// Postgres for shared deployments.
package catalog

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = eris.New("catalog: not found")

// ErrDuplicateLink is returned when activating a link for a name that
// already has an active link. The caller re-reads and uses the winner;
// this is what makes concurrent resolution of the same name safe.
var ErrDuplicateLink = eris.New("catalog: active link already exists for name")

// Gateway defines the persistence contract for the pipeline.
type Gateway interface {
	// Catalog items
	FindItemByExternalID(ctx context.Context, externalID string) (*model.CatalogItem, error)
	FindItemByName(ctx context.Context, name string) (*model.CatalogItem, error)
	GetItem(ctx context.Context, id string) (*model.CatalogItem, error)
	CreateItem(ctx context.Context, item *model.CatalogItem) error
	UpdateItem(ctx context.Context, item *model.CatalogItem) error
	// ListCandidates returns all active items for similarity scoring; the
	// name hint may influence ordering but never narrows the scan.
	ListCandidates(ctx context.Context, nameHint string) ([]model.CatalogItem, error)

	// Product links
	GetActiveLink(ctx context.Context, normalizedName string) (*model.ProductLink, error)
	CreateLink(ctx context.Context, link *model.ProductLink) error
	ReplaceLink(ctx context.Context, link *model.ProductLink) error
	DeactivateLink(ctx context.Context, normalizedName string) (bool, error)

	// Invoices
	SaveInvoice(ctx context.Context, inv *model.ExtractedInvoice) error
	BackfillLineItems(ctx context.Context, rawName, catalogItemID string) (int64, error)

	// Sales
	UpsertSalesAggregates(ctx context.Context, aggs []model.SalesAggregate) (int64, error)

	// Sync runs
	CreateSyncRun(ctx context.Context) (*model.SyncRun, error)
	CompleteSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New opens the gateway selected by the store config.
func New(ctx context.Context, cfg config.StoreConfig) (Gateway, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("catalog: postgres driver requires store.database_url")
		}
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "invoice.db"
		}
		return NewSQLite(path)
	default:
		return nil, eris.Errorf("catalog: unknown store driver %q", cfg.Driver)
	}
}
