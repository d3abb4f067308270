package model

import "time"

// LinkOrigin records how a ProductLink came to exist.
type LinkOrigin string

const (
	// OriginManual marks a link set explicitly by an operator. Manual links
	// always win over automatic resolution.
	OriginManual LinkOrigin = "manual"
	// OriginAutomatic marks a link created by a similarity match above the
	// configured threshold.
	OriginAutomatic LinkOrigin = "automatic"
	// OriginAutoCreate marks a link to a catalog item that was created because
	// nothing in the catalog cleared the threshold.
	OriginAutoCreate LinkOrigin = "automatic-create"
)

// CatalogItem is the canonical product identity. Items are never deleted by
// the pipeline; they are soft-deactivated via Active.
type CatalogItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SquareID   string    `json:"square_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	CostExGST  float64   `json:"cost_ex_gst"`
	SellIncGST float64   `json:"sell_inc_gst"`
	HasGST     bool      `json:"has_gst"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProductLink maps a raw invoice/vendor product-name string to exactly one
// catalog item. At most one active link exists per normalized name at any
// time; relinking replaces, never duplicates.
type ProductLink struct {
	ID             string     `json:"id"`
	RawName        string     `json:"raw_name"`
	NormalizedName string     `json:"normalized_name"`
	CatalogItemID  string     `json:"catalog_item_id"`
	Confidence     float64    `json:"confidence"`
	Origin         LinkOrigin `json:"origin"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SalesAggregate is one per-day-per-item-per-variation sales bucket pulled
// from the POS platform. (Date, ItemName, Variation) is the upsert key and
// the idempotency boundary: re-syncing an overlapping window converges to the
// same values instead of double-counting.
type SalesAggregate struct {
	Date       string  `json:"date"` // YYYY-MM-DD
	ItemName   string  `json:"item_name"`
	Variation  string  `json:"variation"`
	Quantity   float64 `json:"quantity"`
	GrossSales float64 `json:"gross_sales"`
	NetSales   float64 `json:"net_sales"`
}

// Key returns the identity tuple used for upserts.
func (s SalesAggregate) Key() string {
	return s.Date + "|" + s.ItemName + "|" + s.Variation
}
