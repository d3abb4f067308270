package model

import "time"

// Extraction method identifiers recorded per page and surfaced in debug output.
const (
	MethodVision    = "vision"
	MethodHeuristic = "heuristic"
)

// CentTolerance is the rounding slack allowed when cross-checking money
// arithmetic (unit cost times quantity vs line total, summed totals vs claimed).
const CentTolerance = 0.01

// ExtractedLineItem is a single parsed invoice line. Description is always the
// raw text from the document; Quantity comes from the quantity column only and
// is never inferred from pack-size tokens inside the description.
type ExtractedLineItem struct {
	Description     string   `json:"description"`
	Quantity        float64  `json:"quantity"`
	UnitCostExGST   float64  `json:"unit_cost_ex_gst"`
	Category        string   `json:"category,omitempty"`
	PriceExGST      float64  `json:"price_ex_gst"`
	HasGST          bool     `json:"has_gst"`
	PriceIncGST     float64  `json:"price_inc_gst"`
	Confidence      float64  `json:"confidence"`
	ValidationFlags []string `json:"validation_flags,omitempty"`

	// CatalogItemID is filled by reconciliation back-fill, not by extraction.
	CatalogItemID string `json:"catalog_item_id,omitempty"`
}

// ArithmeticConsistent reports whether the line satisfies
// price_ex_gst = unit_cost_ex_gst * quantity within the cent tolerance.
func (li ExtractedLineItem) ArithmeticConsistent() bool {
	expected := li.UnitCostExGST * li.Quantity
	return abs(expected-li.PriceExGST) <= CentTolerance+1e-9
}

// InvoiceDebug is the self-validation block. The vision model reports its own
// view of the table it read; the orchestrator records what it actually got so
// mismatches are visible downstream instead of silently trusted.
type InvoiceDebug struct {
	ClaimedColumns   []string `json:"claimed_columns,omitempty"`
	ClaimedItemCount int      `json:"claimed_item_count"`
	ActualItemCount  int      `json:"actual_item_count"`
	ClaimedSubtotal  float64  `json:"claimed_subtotal,omitempty"`
	ComputedSubtotal float64  `json:"computed_subtotal"`
	ClaimedGST       float64  `json:"claimed_gst,omitempty"`
	ComputedGST      float64  `json:"computed_gst"`
	PageMethods      []string `json:"page_methods,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ExtractedInvoice is the validated result of parsing one invoice document.
// Immutable once returned by the parser orchestrator.
type ExtractedInvoice struct {
	ID               string              `json:"id,omitempty"`
	VendorName       string              `json:"vendor_name"`
	VendorConfidence float64             `json:"vendor_confidence"`
	InvoiceNumber    string              `json:"invoice_number"`
	InvoiceDate      string              `json:"invoice_date"` // YYYY-MM-DD
	LineItems        []ExtractedLineItem `json:"line_items"`
	Confidence       float64             `json:"confidence"`
	SubtotalExGST    float64             `json:"subtotal_ex_gst"`
	GSTAmount        float64             `json:"gst_amount"`
	TotalIncGST      float64             `json:"total_inc_gst"`
	RequiresReview   bool                `json:"requires_review"`
	Debug            InvoiceDebug        `json:"debug"`
	ParsedAt         time.Time           `json:"parsed_at,omitempty"`
}

// EmptyPage reports whether this result represents a page with no line items
// (e.g. a totals/summary page) rather than a failed extraction.
func (inv *ExtractedInvoice) EmptyPage() bool {
	return inv != nil && len(inv.LineItems) == 0 && inv.VendorName == ""
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
