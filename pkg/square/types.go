package square

// Money is an amount in the smallest currency unit (cents for AUD).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// Dollars converts the cent amount to dollars.
func (m Money) Dollars() float64 {
	return float64(m.Amount) / 100
}

// CatalogObject is one entry from the catalog list endpoint. Only ITEM
// objects carry ItemData.
type CatalogObject struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ItemData *ItemData `json:"item_data,omitempty"`
}

// ItemData is the item payload of a catalog ITEM object.
type ItemData struct {
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id,omitempty"`
	Variations []ItemVariation `json:"variations,omitempty"`
}

// ItemVariation is one sellable variation of a catalog item.
type ItemVariation struct {
	ID            string         `json:"id"`
	VariationData *VariationData `json:"item_variation_data,omitempty"`
}

// VariationData holds a variation's name and pricing. DefaultUnitCostMoney
// is the per-unit supplier cost when the merchant has recorded one.
type VariationData struct {
	Name                 string `json:"name,omitempty"`
	PriceMoney           *Money `json:"price_money,omitempty"`
	DefaultUnitCostMoney *Money `json:"default_unit_cost_money,omitempty"`
}

// Order is one closed order returned by the order search endpoint.
type Order struct {
	ID        string          `json:"id"`
	ClosedAt  string          `json:"closed_at"` // RFC 3339
	LineItems []OrderLineItem `json:"line_items"`
}

// OrderLineItem is one sold line within an order. Quantity is a decimal
// string in the Square API.
type OrderLineItem struct {
	Name            string `json:"name"`
	VariationName   string `json:"variation_name,omitempty"`
	Quantity        string `json:"quantity"`
	GrossSalesMoney *Money `json:"gross_sales_money,omitempty"`
	TotalMoney      *Money `json:"total_money,omitempty"`
	TotalTaxMoney   *Money `json:"total_tax_money,omitempty"`
}

type listCatalogResponse struct {
	Objects []CatalogObject `json:"objects"`
	Cursor  string          `json:"cursor,omitempty"`
}

type searchOrdersRequest struct {
	LocationIDs []string          `json:"location_ids"`
	Query       searchOrdersQuery `json:"query"`
	Cursor      string            `json:"cursor,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

type searchOrdersQuery struct {
	Filter searchOrdersFilter `json:"filter"`
}

type searchOrdersFilter struct {
	StateFilter    stateFilter    `json:"state_filter"`
	DateTimeFilter dateTimeFilter `json:"date_time_filter"`
}

type stateFilter struct {
	States []string `json:"states"`
}

type dateTimeFilter struct {
	ClosedAt timeRange `json:"closed_at"`
}

type timeRange struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

type searchOrdersResponse struct {
	Orders []Order `json:"orders"`
	Cursor string  `json:"cursor,omitempty"`
}

type apiError struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}
