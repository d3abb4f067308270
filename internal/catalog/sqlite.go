package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/wattlefield/invoice-cli/internal/model"
)

// SQLiteGateway implements Gateway using modernc.org/sqlite.
type SQLiteGateway struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteGateway{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	square_id    TEXT,
	category     TEXT,
	cost_ex_gst  REAL NOT NULL DEFAULT 0,
	sell_inc_gst REAL NOT NULL DEFAULT 0,
	has_gst      INTEGER NOT NULL DEFAULT 0,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS product_links (
	id              TEXT PRIMARY KEY,
	raw_name        TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	catalog_item_id TEXT NOT NULL REFERENCES catalog_items(id),
	confidence      REAL NOT NULL,
	origin          TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS invoices (
	id              TEXT PRIMARY KEY,
	vendor_name     TEXT NOT NULL,
	invoice_number  TEXT,
	invoice_date    TEXT,
	confidence      REAL NOT NULL,
	requires_review INTEGER NOT NULL DEFAULT 0,
	payload         TEXT NOT NULL,
	parsed_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id              TEXT PRIMARY KEY,
	invoice_id      TEXT NOT NULL REFERENCES invoices(id),
	position        INTEGER NOT NULL,
	description     TEXT NOT NULL,
	quantity        REAL NOT NULL,
	unit_cost_ex_gst REAL NOT NULL,
	price_ex_gst    REAL NOT NULL,
	has_gst         INTEGER NOT NULL DEFAULT 0,
	price_inc_gst   REAL NOT NULL,
	confidence      REAL NOT NULL,
	catalog_item_id TEXT
);

CREATE TABLE IF NOT EXISTS sales_aggregates (
	date        TEXT NOT NULL,
	item_name   TEXT NOT NULL,
	variation   TEXT NOT NULL DEFAULT '',
	quantity    REAL NOT NULL,
	gross_sales REAL NOT NULL,
	net_sales   REAL NOT NULL,
	PRIMARY KEY (date, item_name, variation)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	status      TEXT NOT NULL DEFAULT 'running',
	phases      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_name
	ON product_links(normalized_name) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_links_catalog_item ON product_links(catalog_item_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_square_id
	ON catalog_items(square_id) WHERE square_id IS NOT NULL AND square_id != '';
CREATE INDEX IF NOT EXISTS idx_items_name ON catalog_items(name COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON invoice_line_items(invoice_id);
CREATE INDEX IF NOT EXISTS idx_line_items_description ON invoice_line_items(description);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`

func (s *SQLiteGateway) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteGateway) Close() error {
	return s.db.Close()
}

const sqliteItemColumns = `id, name, COALESCE(square_id, ''), COALESCE(category, ''),
	cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at`

func (s *SQLiteGateway) FindItemByExternalID(ctx context.Context, externalID string) (*model.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items WHERE square_id = ?`,
		externalID,
	)
	return scanItem(row, "sqlite: find item by external id")
}

func (s *SQLiteGateway) FindItemByName(ctx context.Context, name string) (*model.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items WHERE name = ? COLLATE NOCASE LIMIT 1`,
		name,
	)
	return scanItem(row, "sqlite: find item by name")
}

func (s *SQLiteGateway) GetItem(ctx context.Context, id string) (*model.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items WHERE id = ?`,
		id,
	)
	item, err := scanItem(row, "sqlite: get item")
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return item, nil
}

func (s *SQLiteGateway) CreateItem(ctx context.Context, item *model.CatalogItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Active = true

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_items (id, name, square_id, category, cost_ex_gst, sell_inc_gst, has_gst, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		item.ID, item.Name, item.SquareID, item.Category,
		item.CostExGST, item.SellIncGST, item.HasGST, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert item %s", item.Name)
}

func (s *SQLiteGateway) UpdateItem(ctx context.Context, item *model.CatalogItem) error {
	item.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalog_items SET name = ?, square_id = ?, category = ?, cost_ex_gst = ?,
		 sell_inc_gst = ?, has_gst = ?, active = ?, updated_at = ? WHERE id = ?`,
		item.Name, item.SquareID, item.Category, item.CostExGST,
		item.SellIncGST, item.HasGST, item.Active, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item %s", item.ID)
	}
	return checkRowsAffected(res, "item", item.ID)
}

// ListCandidates returns every active item for similarity scoring. The name
// hint only affects ordering (exact name matches first), so ties in the
// scorer resolve toward the hinted name; it never filters the scan.
func (s *SQLiteGateway) ListCandidates(ctx context.Context, nameHint string) ([]model.CatalogItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM catalog_items WHERE active = 1
		 ORDER BY CASE WHEN name = ? COLLATE NOCASE THEN 0 ELSE 1 END, name`,
		nameHint,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows, "sqlite: scan candidate")
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteGateway) GetActiveLink(ctx context.Context, normalizedName string) (*model.ProductLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at
		 FROM product_links WHERE normalized_name = ? AND active = 1`,
		normalizedName,
	)

	var l model.ProductLink
	err := row.Scan(&l.ID, &l.RawName, &l.NormalizedName, &l.CatalogItemID,
		&l.Confidence, &l.Origin, &l.Active, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get active link")
	}
	return &l, nil
}

func (s *SQLiteGateway) CreateLink(ctx context.Context, link *model.ProductLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.Active = true
	link.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO product_links (id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		link.ID, link.RawName, link.NormalizedName, link.CatalogItemID,
		link.Confidence, string(link.Origin), link.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicateLink, "%s", link.NormalizedName)
		}
		return eris.Wrapf(err, "sqlite: insert link %s", link.NormalizedName)
	}
	return nil
}

// ReplaceLink deactivates any current link for the name and activates the new
// one in a single transaction, so there is no window with zero or two active
// links for the same name.
func (s *SQLiteGateway) ReplaceLink(ctx context.Context, link *model.ProductLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.Active = true
	link.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace link")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE product_links SET active = 0 WHERE normalized_name = ? AND active = 1`,
		link.NormalizedName,
	); err != nil {
		return eris.Wrapf(err, "sqlite: deactivate link %s", link.NormalizedName)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO product_links (id, raw_name, normalized_name, catalog_item_id, confidence, origin, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		link.ID, link.RawName, link.NormalizedName, link.CatalogItemID,
		link.Confidence, string(link.Origin), link.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert replacement link %s", link.NormalizedName)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace link")
}

// DeactivateLink retires the active link for a name, if any. Returns whether
// a link was actually deactivated.
func (s *SQLiteGateway) DeactivateLink(ctx context.Context, normalizedName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE product_links SET active = 0 WHERE normalized_name = ? AND active = 1`,
		normalizedName,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: deactivate link %s", normalizedName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: deactivate link rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteGateway) SaveInvoice(ctx context.Context, inv *model.ExtractedInvoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.ParsedAt.IsZero() {
		inv.ParsedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal invoice")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save invoice")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO invoices (id, vendor_name, invoice_number, invoice_date, confidence, requires_review, payload, parsed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.VendorName, inv.InvoiceNumber, inv.InvoiceDate,
		inv.Confidence, inv.RequiresReview, string(payload), inv.ParsedAt,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert invoice")
	}

	for i, li := range inv.LineItems {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_line_items (id, invoice_id, position, description, quantity, unit_cost_ex_gst, price_ex_gst, has_gst, price_inc_gst, confidence, catalog_item_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), inv.ID, i, li.Description, li.Quantity,
			li.UnitCostExGST, li.PriceExGST, li.HasGST, li.PriceIncGST,
			li.Confidence, nullableString(li.CatalogItemID),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert line item %d", i)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save invoice")
}

func (s *SQLiteGateway) BackfillLineItems(ctx context.Context, rawName, catalogItemID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoice_line_items SET catalog_item_id = ?
		 WHERE description = ? AND catalog_item_id IS NULL`,
		catalogItemID, rawName,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: backfill %s", rawName)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: backfill rows affected")
}

func (s *SQLiteGateway) UpsertSalesAggregates(ctx context.Context, aggs []model.SalesAggregate) (int64, error) {
	if len(aggs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin sales upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sales_aggregates (date, item_name, variation, quantity, gross_sales, net_sales)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (date, item_name, variation) DO UPDATE SET
		   quantity = excluded.quantity,
		   gross_sales = excluded.gross_sales,
		   net_sales = excluded.net_sales`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare sales upsert")
	}
	defer stmt.Close()

	var n int64
	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, a.Date, a.ItemName, a.Variation,
			a.Quantity, a.GrossSales, a.NetSales); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert aggregate %s", a.Key())
		}
		n++
	}

	return n, eris.Wrap(tx.Commit(), "sqlite: commit sales upsert")
}

func (s *SQLiteGateway) CreateSyncRun(ctx context.Context) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
		Phases:    map[string]model.PhaseCounters{},
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, started_at, status) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.Status,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert sync run")
	}
	return run, nil
}

func (s *SQLiteGateway) CompleteSyncRun(ctx context.Context, run *model.SyncRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	phasesJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phases")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET finished_at = ?, status = ?, phases = ? WHERE id = ?`,
		run.FinishedAt, run.Status, string(phasesJSON), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete sync run %s", run.ID)
	}
	return checkRowsAffected(res, "sync run", run.ID)
}

func (s *SQLiteGateway) ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, phases FROM sync_runs
		 ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var finishedAt sql.NullTime
		var phasesJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finishedAt, &r.Status, &phasesJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		if phasesJSON.Valid && phasesJSON.String != "" {
			if err := json.Unmarshal([]byte(phasesJSON.String), &r.Phases); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal phases")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list sync runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable, opName string) (*model.CatalogItem, error) {
	var item model.CatalogItem
	err := row.Scan(&item.ID, &item.Name, &item.SquareID, &item.Category,
		&item.CostExGST, &item.SellIncGST, &item.HasGST, &item.Active,
		&item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, opName)
	}
	return &item, nil
}
