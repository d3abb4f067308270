package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/wattlefield/invoice-cli/internal/db"
	"github.com/wattlefield/invoice-cli/internal/model"
)

// PostgresGateway implements Gateway using pgxpool.
type PostgresGateway struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest gateway operations.
var preparedStatements = map[string]string{
	"find_item_by_square_id": `SELECT id, name, COALESCE(square_id, ''), COALESCE(category, ''), cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at FROM catalog_items WHERE square_id = $1`,
	"find_item_by_name":      `SELECT id, name, COALESCE(square_id, ''), COALESCE(category, ''), cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at FROM catalog_items WHERE lower(name) = lower($1) LIMIT 1`,
	"get_active_link":        `SELECT id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at FROM product_links WHERE normalized_name = $1 AND active`,
	"insert_link":            `INSERT INTO product_links (id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at) VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
	"backfill_line_items":    `UPDATE invoice_line_items SET catalog_item_id = $1 WHERE description = $2 AND catalog_item_id IS NULL`,
}

// NewPostgres creates a PostgresGateway with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresGateway, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresGateway{pool: pool, closeFn: pool.Close}, nil
}

// newPostgresWithPool wires an existing pool, used by tests.
func newPostgresWithPool(pool db.Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name         TEXT NOT NULL,
	square_id    TEXT,
	category     TEXT,
	cost_ex_gst  DOUBLE PRECISION NOT NULL DEFAULT 0,
	sell_inc_gst DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_gst      BOOLEAN NOT NULL DEFAULT false,
	active       BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_links (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	raw_name        TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	catalog_item_id TEXT NOT NULL REFERENCES catalog_items(id),
	confidence      DOUBLE PRECISION NOT NULL,
	origin          TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS invoices (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	vendor_name     TEXT NOT NULL,
	invoice_number  TEXT,
	invoice_date    TEXT,
	confidence      DOUBLE PRECISION NOT NULL,
	requires_review BOOLEAN NOT NULL DEFAULT false,
	payload         JSONB NOT NULL,
	parsed_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	invoice_id       TEXT NOT NULL REFERENCES invoices(id),
	position         INTEGER NOT NULL,
	description      TEXT NOT NULL,
	quantity         DOUBLE PRECISION NOT NULL,
	unit_cost_ex_gst DOUBLE PRECISION NOT NULL,
	price_ex_gst     DOUBLE PRECISION NOT NULL,
	has_gst          BOOLEAN NOT NULL DEFAULT false,
	price_inc_gst    DOUBLE PRECISION NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	catalog_item_id  TEXT
);

CREATE TABLE IF NOT EXISTS sales_aggregates (
	date        TEXT NOT NULL,
	item_name   TEXT NOT NULL,
	variation   TEXT NOT NULL DEFAULT '',
	quantity    DOUBLE PRECISION NOT NULL,
	gross_sales DOUBLE PRECISION NOT NULL,
	net_sales   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (date, item_name, variation)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL DEFAULT 'running',
	phases      JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_name
	ON product_links(normalized_name) WHERE active;
CREATE INDEX IF NOT EXISTS idx_links_catalog_item ON product_links(catalog_item_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_square_id
	ON catalog_items(square_id) WHERE square_id IS NOT NULL AND square_id != '';
CREATE INDEX IF NOT EXISTS idx_items_name_lower ON catalog_items(lower(name));
CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON invoice_line_items(invoice_id);
CREATE INDEX IF NOT EXISTS idx_line_items_description ON invoice_line_items(description);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);
`

func (g *PostgresGateway) Migrate(ctx context.Context) error {
	_, err := g.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (g *PostgresGateway) Close() error {
	if g.closeFn != nil {
		g.closeFn()
	}
	return nil
}

const pgItemColumns = `id, name, COALESCE(square_id, ''), COALESCE(category, ''),
	cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at`

func (g *PostgresGateway) FindItemByExternalID(ctx context.Context, externalID string) (*model.CatalogItem, error) {
	row := g.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items WHERE square_id = $1`,
		externalID,
	)
	return scanPgItem(row, "postgres: find item by external id")
}

func (g *PostgresGateway) FindItemByName(ctx context.Context, name string) (*model.CatalogItem, error) {
	row := g.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items WHERE lower(name) = lower($1) LIMIT 1`,
		name,
	)
	return scanPgItem(row, "postgres: find item by name")
}

func (g *PostgresGateway) GetItem(ctx context.Context, id string) (*model.CatalogItem, error) {
	row := g.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items WHERE id = $1`,
		id,
	)
	item, err := scanPgItem(row, "postgres: get item")
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return item, nil
}

func (g *PostgresGateway) CreateItem(ctx context.Context, item *model.CatalogItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Active = true

	_, err := g.pool.Exec(ctx,
		`INSERT INTO catalog_items (id, name, square_id, category, cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, true, $8, $9)`,
		item.ID, item.Name, item.SquareID, item.Category,
		item.CostExGST, item.SellIncGST, item.HasGST, now, now,
	)
	return eris.Wrapf(err, "postgres: insert item %s", item.Name)
}

func (g *PostgresGateway) UpdateItem(ctx context.Context, item *model.CatalogItem) error {
	item.UpdatedAt = time.Now().UTC()
	tag, err := g.pool.Exec(ctx,
		`UPDATE catalog_items SET name = $1, square_id = NULLIF($2, ''), category = $3, cost_ex_gst = $4,
		 sell_inc_gst = $5, has_gst = $6, active = $7, updated_at = $8 WHERE id = $9`,
		item.Name, item.SquareID, item.Category, item.CostExGST,
		item.SellIncGST, item.HasGST, item.Active, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item %s", item.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", item.ID)
	}
	return nil
}

// ListCandidates returns every active item for similarity scoring. The name
// hint only affects ordering (exact name matches first); it never filters
// the scan.
func (g *PostgresGateway) ListCandidates(ctx context.Context, nameHint string) ([]model.CatalogItem, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT `+pgItemColumns+` FROM catalog_items WHERE active
		 ORDER BY (lower(name) = lower($1)) DESC, name`,
		nameHint,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		item, err := scanPgItem(rows, "postgres: scan candidate")
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (g *PostgresGateway) GetActiveLink(ctx context.Context, normalizedName string) (*model.ProductLink, error) {
	var l model.ProductLink
	err := g.pool.QueryRow(ctx,
		`SELECT id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at
		 FROM product_links WHERE normalized_name = $1 AND active`,
		normalizedName,
	).Scan(&l.ID, &l.RawName, &l.NormalizedName, &l.CatalogItemID,
		&l.Confidence, &l.Origin, &l.Active, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get active link")
	}
	return &l, nil
}

func (g *PostgresGateway) CreateLink(ctx context.Context, link *model.ProductLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.Active = true
	link.CreatedAt = time.Now().UTC()

	_, err := g.pool.Exec(ctx,
		`INSERT INTO product_links (id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		link.ID, link.RawName, link.NormalizedName, link.CatalogItemID,
		link.Confidence, string(link.Origin), link.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicateLink, "%s", link.NormalizedName)
		}
		return eris.Wrapf(err, "postgres: insert link %s", link.NormalizedName)
	}
	return nil
}

// ReplaceLink deactivates any current link for the name and activates the new
// one in one transaction.
func (g *PostgresGateway) ReplaceLink(ctx context.Context, link *model.ProductLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.Active = true
	link.CreatedAt = time.Now().UTC()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace link")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE product_links SET active = false WHERE normalized_name = $1 AND active`,
		link.NormalizedName,
	); err != nil {
		return eris.Wrapf(err, "postgres: deactivate link %s", link.NormalizedName)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO product_links (id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		link.ID, link.RawName, link.NormalizedName, link.CatalogItemID,
		link.Confidence, string(link.Origin), link.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert replacement link %s", link.NormalizedName)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace link")
}

// DeactivateLink retires the active link for a name, if any. Returns whether
// a link was actually deactivated.
func (g *PostgresGateway) DeactivateLink(ctx context.Context, normalizedName string) (bool, error) {
	tag, err := g.pool.Exec(ctx,
		`UPDATE product_links SET active = false WHERE normalized_name = $1 AND active`,
		normalizedName,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: deactivate link %s", normalizedName)
	}
	return tag.RowsAffected() > 0, nil
}

func (g *PostgresGateway) SaveInvoice(ctx context.Context, inv *model.ExtractedInvoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.ParsedAt.IsZero() {
		inv.ParsedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal invoice")
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save invoice")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO invoices (id, vendor_name, invoice_number, invoice_date, confidence, requires_review, payload, parsed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.VendorName, inv.InvoiceNumber, inv.InvoiceDate,
		inv.Confidence, inv.RequiresReview, payload, inv.ParsedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert invoice")
	}

	rows := make([][]any, 0, len(inv.LineItems))
	for i, li := range inv.LineItems {
		rows = append(rows, []any{
			uuid.New().String(), inv.ID, i, li.Description, li.Quantity,
			li.UnitCostExGST, li.PriceExGST, li.HasGST, li.PriceIncGST,
			li.Confidence, nullableString(li.CatalogItemID),
		})
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"invoice_line_items"},
			[]string{"id", "invoice_id", "position", "description", "quantity",
				"unit_cost_ex_gst", "price_ex_gst", "has_gst", "price_inc_gst",
				"confidence", "catalog_item_id"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return eris.Wrap(err, "postgres: copy line items")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save invoice")
}

func (g *PostgresGateway) BackfillLineItems(ctx context.Context, rawName, catalogItemID string) (int64, error) {
	tag, err := g.pool.Exec(ctx,
		`UPDATE invoice_line_items SET catalog_item_id = $1
		 WHERE description = $2 AND catalog_item_id IS NULL`,
		catalogItemID, rawName,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: backfill %s", rawName)
	}
	return tag.RowsAffected(), nil
}

// UpsertSalesAggregates bulk-upserts sales buckets keyed on
// (date, item_name, variation) via the shared temp-table COPY path.
func (g *PostgresGateway) UpsertSalesAggregates(ctx context.Context, aggs []model.SalesAggregate) (int64, error) {
	rows := make([][]any, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, []any{a.Date, a.ItemName, a.Variation, a.Quantity, a.GrossSales, a.NetSales})
	}

	n, err := db.BulkUpsert(ctx, g.pool, db.UpsertConfig{
		Table:        "sales_aggregates",
		Columns:      []string{"date", "item_name", "variation", "quantity", "gross_sales", "net_sales"},
		ConflictKeys: []string{"date", "item_name", "variation"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert sales aggregates")
}

func (g *PostgresGateway) CreateSyncRun(ctx context.Context) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
		Phases:    map[string]model.PhaseCounters{},
	}

	_, err := g.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, started_at, status) VALUES ($1, $2, $3)`,
		run.ID, run.StartedAt, run.Status,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert sync run")
	}
	return run, nil
}

func (g *PostgresGateway) CompleteSyncRun(ctx context.Context, run *model.SyncRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	phasesJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phases")
	}

	tag, err := g.pool.Exec(ctx,
		`UPDATE sync_runs SET finished_at = $1, status = $2, phases = $3 WHERE id = $4`,
		run.FinishedAt, run.Status, phasesJSON, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete sync run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sync run %s", run.ID)
	}
	return nil
}

func (g *PostgresGateway) ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.pool.Query(ctx,
		`SELECT id, started_at, finished_at, status, phases FROM sync_runs
		 ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var finishedAt *time.Time
		var phasesJSON []byte
		if err := rows.Scan(&r.ID, &r.StartedAt, &finishedAt, &r.Status, &phasesJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		if finishedAt != nil {
			r.FinishedAt = *finishedAt
		}
		if len(phasesJSON) > 0 {
			if err := json.Unmarshal(phasesJSON, &r.Phases); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal phases")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list sync runs iterate")
}

func scanPgItem(row pgx.Row, opName string) (*model.CatalogItem, error) {
	var item model.CatalogItem
	err := row.Scan(&item.ID, &item.Name, &item.SquareID, &item.Category,
		&item.CostExGST, &item.SellIncGST, &item.HasGST, &item.Active,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, opName)
	}
	return &item, nil
}
