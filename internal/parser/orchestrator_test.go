package parser

import (
	"context"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
)

// stubExtractor returns a scripted result per page number.
type stubExtractor struct {
	results map[int]*model.ExtractedInvoice
	errs    map[int]error
	calls   []int
}

func (s *stubExtractor) ExtractPage(ctx context.Context, image []byte, pageNum int) (*model.ExtractedInvoice, error) {
	s.calls = append(s.calls, pageNum)
	if err, ok := s.errs[pageNum]; ok {
		return nil, err
	}
	if inv, ok := s.results[pageNum]; ok {
		return inv, nil
	}
	return &model.ExtractedInvoice{}, nil
}

func testCfg() config.ParserConfig {
	return config.ParserConfig{
		MinViableItems:       3,
		ReviewConfidence:     0.8,
		ItemReviewConfidence: 0.7,
		GSTRate:              0.10,
	}
}

func items(n int, priceEach float64, gstCount int, conf float64) []model.ExtractedLineItem {
	out := make([]model.ExtractedLineItem, n)
	for i := range out {
		out[i] = model.ExtractedLineItem{
			Description:   fmt.Sprintf("Item %d", i+1),
			Quantity:      1,
			UnitCostExGST: priceEach,
			PriceExGST:    priceEach,
			PriceIncGST:   priceEach,
			HasGST:        i < gstCount,
			Confidence:    conf,
		}
	}
	return out
}

// Two pages: page 1 has 20 taxable items summing to $500 ex GST ($50 GST);
// page 2 is a totals-only page. The merged invoice keeps all 20 items and
// passes review.
func TestParseDocument_CleanInvoice(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName:       "Fresh Produce Co",
				VendorConfidence: 0.95,
				InvoiceNumber:    "INV-4410",
				InvoiceDate:      "2026-08-14",
				LineItems:        items(20, 25.00, 20, 0.95),
				Confidence:       0.92,
			},
			2: {},
		},
	}

	o := NewOrchestrator(vision, nil, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1"), []byte("p2")})
	require.NoError(t, err)

	assert.Equal(t, "Fresh Produce Co", inv.VendorName)
	assert.Equal(t, "INV-4410", inv.InvoiceNumber)
	assert.Len(t, inv.LineItems, 20)
	assert.InDelta(t, 500.00, inv.SubtotalExGST, model.CentTolerance)
	assert.InDelta(t, 50.00, inv.GSTAmount, model.CentTolerance)
	assert.InDelta(t, 550.00, inv.TotalIncGST, model.CentTolerance)
	assert.False(t, inv.RequiresReview)
	assert.Equal(t, []string{"ok", "empty"}, inv.Debug.PageMethods)
	assert.Equal(t, []int{1, 2}, vision.calls)
}

func TestParseDocument_PerPageFallback(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName: "Fresh Produce Co",
				LineItems:  items(5, 10.00, 0, 0.9),
				Confidence: 0.9,
			},
		},
		errs: map[int]error{2: eris.New("vision: too few line items extracted")},
	}
	heuristic := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			2: {
				LineItems:  items(4, 5.00, 0, 0.5),
				Confidence: 0.5,
			},
		},
	}

	o := NewOrchestrator(vision, heuristic, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1"), []byte("p2")})
	require.NoError(t, err)

	assert.Len(t, inv.LineItems, 9)
	assert.True(t, inv.RequiresReview, "any fallback forces review")
	assert.Equal(t, []string{"ok", "fallback"}, inv.Debug.PageMethods)
	assert.Equal(t, []int{2}, heuristic.calls, "heuristic only runs for the failed page")
	assert.InDelta(t, 70.00, inv.SubtotalExGST, model.CentTolerance)
}

func TestParseDocument_SingleBadPageDoesNotAbort(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName: "Fresh Produce Co",
				LineItems:  items(5, 10.00, 0, 0.9),
				Confidence: 0.9,
			},
		},
		errs: map[int]error{2: eris.New("timeout")},
	}
	heuristic := &stubExtractor{
		errs: map[int]error{2: eris.New("tesseract missing")},
	}

	o := NewOrchestrator(vision, heuristic, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1"), []byte("p2")})
	require.NoError(t, err)

	assert.Len(t, inv.LineItems, 5)
	assert.True(t, inv.RequiresReview)
	assert.Equal(t, []string{"ok", "failed"}, inv.Debug.PageMethods)
	require.NotEmpty(t, inv.Debug.Warnings)
	assert.Contains(t, inv.Debug.Warnings[0], "page 2 failed")
}

func TestParseDocument_AllPagesFailedIsError(t *testing.T) {
	vision := &stubExtractor{errs: map[int]error{1: eris.New("boom"), 2: eris.New("boom")}}
	heuristic := &stubExtractor{errs: map[int]error{1: eris.New("boom"), 2: eris.New("boom")}}

	o := NewOrchestrator(vision, heuristic, testCfg())
	_, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1"), []byte("p2")})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoUsableResult))
}

func TestParseDocument_LowConfidenceNeedsReview(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName: "Fresh Produce Co",
				LineItems:  items(5, 10.00, 0, 0.75),
				Confidence: 0.75,
			},
		},
	}

	o := NewOrchestrator(vision, nil, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1")})
	require.NoError(t, err)
	assert.True(t, inv.RequiresReview)
}

func TestParseDocument_LowItemConfidenceNeedsReview(t *testing.T) {
	lineItems := items(5, 10.00, 0, 0.9)
	lineItems[3].Confidence = 0.6

	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName: "Fresh Produce Co",
				LineItems:  lineItems,
				Confidence: 0.9,
			},
		},
	}

	o := NewOrchestrator(vision, nil, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1")})
	require.NoError(t, err)
	assert.True(t, inv.RequiresReview)
}

func TestParseDocument_TooFewItemsNeedsReview(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName: "Fresh Produce Co",
				LineItems:  items(2, 10.00, 0, 0.95),
				Confidence: 0.95,
			},
		},
	}

	o := NewOrchestrator(vision, nil, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1")})
	require.NoError(t, err)
	assert.True(t, inv.RequiresReview)
}

func TestParseDocument_IdentityFromFirstPage(t *testing.T) {
	vision := &stubExtractor{
		results: map[int]*model.ExtractedInvoice{
			1: {
				VendorName:    "Fresh Produce Co",
				InvoiceNumber: "INV-1",
				InvoiceDate:   "2026-08-14",
				LineItems:     items(3, 10.00, 0, 0.9),
				Confidence:    0.9,
			},
			2: {
				VendorName:    "Wrong Vendor",
				InvoiceNumber: "INV-2",
				InvoiceDate:   "2020-01-01",
				LineItems:     items(3, 10.00, 0, 0.9),
				Confidence:    0.9,
			},
		},
	}

	o := NewOrchestrator(vision, nil, testCfg())
	inv, err := o.ParseDocument(context.Background(), [][]byte{[]byte("p1"), []byte("p2")})
	require.NoError(t, err)
	assert.Equal(t, "Fresh Produce Co", inv.VendorName)
	assert.Equal(t, "INV-1", inv.InvoiceNumber)
	assert.Equal(t, "2026-08-14", inv.InvoiceDate)
	assert.Len(t, inv.LineItems, 6)
}

func TestParseDocument_NoPages(t *testing.T) {
	o := NewOrchestrator(&stubExtractor{}, nil, testCfg())
	_, err := o.ParseDocument(context.Background(), nil)
	assert.Error(t, err)
}
