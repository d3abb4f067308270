// Package parser orchestrates invoice extraction across pages and strategies.
// Vision runs first; pages it cannot handle fall back to the heuristic
// extractor individually, so a multi-page document can mix both methods.
package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
)

// ErrNoUsableResult is returned when every strategy failed on every page and
// no line items were extracted at all. Distinct from a needs-review success,
// which always carries a result.
var ErrNoUsableResult = eris.New("parser: no strategy produced a usable result")

// PageExtractor extracts one invoice page from image bytes. pageNum is 1-based.
type PageExtractor interface {
	ExtractPage(ctx context.Context, image []byte, pageNum int) (*model.ExtractedInvoice, error)
}

// Page outcomes tracked per page for the review decision and debug output.
const (
	outcomeOK       = "ok"
	outcomeEmpty    = "empty"
	outcomeFallback = "fallback"
	outcomeFailed   = "failed"
)

type pageOutcome struct {
	page    int
	status  string
	method  string
	result  *model.ExtractedInvoice
	failure error
}

// Orchestrator runs the per-document extraction state machine.
type Orchestrator struct {
	vision    PageExtractor
	heuristic PageExtractor
	cfg       config.ParserConfig
}

// NewOrchestrator wires the two strategies together. heuristic may be nil,
// in which case vision failures are terminal for their page.
func NewOrchestrator(vision, heuristic PageExtractor, cfg config.ParserConfig) *Orchestrator {
	if cfg.ReviewConfidence <= 0 {
		cfg.ReviewConfidence = 0.8
	}
	if cfg.ItemReviewConfidence <= 0 {
		cfg.ItemReviewConfidence = 0.7
	}
	if cfg.MinViableItems <= 0 {
		cfg.MinViableItems = 3
	}
	if cfg.GSTRate <= 0 {
		cfg.GSTRate = 0.10
	}
	return &Orchestrator{vision: vision, heuristic: heuristic, cfg: cfg}
}

// ParseDocument extracts all pages in ascending order and merges the results
// into one validated invoice. A single bad page never aborts the document;
// only a document where every page failed with zero items overall is an error.
func (o *Orchestrator) ParseDocument(ctx context.Context, pages [][]byte) (*model.ExtractedInvoice, error) {
	if len(pages) == 0 {
		return nil, eris.New("parser: document has no pages")
	}

	outcomes := make([]pageOutcome, 0, len(pages))
	for i, image := range pages {
		outcomes = append(outcomes, o.extractPage(ctx, image, i+1))
	}

	return o.merge(outcomes)
}

// extractPage runs vision first and falls back to the heuristic strategy on
// any vision failure. Extraction-quality failures are never retried against
// the same strategy; the fallback path is the bounded recovery.
func (o *Orchestrator) extractPage(ctx context.Context, image []byte, pageNum int) pageOutcome {
	inv, err := o.vision.ExtractPage(ctx, image, pageNum)
	if err == nil {
		status := outcomeOK
		if inv.EmptyPage() {
			status = outcomeEmpty
		}
		return pageOutcome{page: pageNum, status: status, method: model.MethodVision, result: inv}
	}

	zap.L().Warn("parser: vision extraction failed, trying heuristic",
		zap.Int("page", pageNum),
		zap.Error(err),
	)

	if o.heuristic == nil {
		return pageOutcome{page: pageNum, status: outcomeFailed, failure: err}
	}

	inv, herr := o.heuristic.ExtractPage(ctx, image, pageNum)
	if herr != nil {
		zap.L().Error("parser: heuristic extraction also failed",
			zap.Int("page", pageNum),
			zap.Error(herr),
		)
		return pageOutcome{page: pageNum, status: outcomeFailed, failure: herr}
	}

	status := outcomeFallback
	if inv.EmptyPage() {
		status = outcomeEmpty
	}
	return pageOutcome{page: pageNum, status: status, method: model.MethodHeuristic, result: inv}
}

// merge concatenates page results in page order, recomputes totals, and
// applies the review decision policy.
func (o *Orchestrator) merge(outcomes []pageOutcome) (*model.ExtractedInvoice, error) {
	merged := &model.ExtractedInvoice{ParsedAt: time.Now().UTC()}

	usedFallback := false
	anyFailed := false
	confidenceSum := 0.0
	confidencePages := 0

	for _, oc := range outcomes {
		merged.Debug.PageMethods = append(merged.Debug.PageMethods, oc.status)

		switch oc.status {
		case outcomeFailed:
			anyFailed = true
			merged.Debug.Warnings = append(merged.Debug.Warnings,
				fmt.Sprintf("page %d failed: %v", oc.page, oc.failure))
			continue
		case outcomeFallback:
			usedFallback = true
		case outcomeEmpty:
			continue
		}

		// Identity fields come from the first contributing page only.
		if merged.VendorName == "" && oc.result.VendorName != "" {
			merged.VendorName = oc.result.VendorName
			merged.VendorConfidence = oc.result.VendorConfidence
		}
		if merged.InvoiceNumber == "" {
			merged.InvoiceNumber = oc.result.InvoiceNumber
		}
		if merged.InvoiceDate == "" {
			merged.InvoiceDate = oc.result.InvoiceDate
		}

		merged.LineItems = append(merged.LineItems, oc.result.LineItems...)
		merged.Debug.ClaimedItemCount += oc.result.Debug.ClaimedItemCount
		merged.Debug.ClaimedSubtotal += oc.result.Debug.ClaimedSubtotal
		merged.Debug.ClaimedGST += oc.result.Debug.ClaimedGST
		merged.Debug.Warnings = append(merged.Debug.Warnings, oc.result.Debug.Warnings...)
		if len(oc.result.Debug.ClaimedColumns) > 0 && len(merged.Debug.ClaimedColumns) == 0 {
			merged.Debug.ClaimedColumns = oc.result.Debug.ClaimedColumns
		}

		confidenceSum += oc.result.Confidence
		confidencePages++
	}

	if len(merged.LineItems) == 0 && anyFailed {
		return nil, eris.Wrap(ErrNoUsableResult, "parser: all pages failed")
	}

	if confidencePages > 0 {
		merged.Confidence = confidenceSum / float64(confidencePages)
	}

	merged.Debug.ActualItemCount = len(merged.LineItems)
	o.computeTotals(merged)
	merged.RequiresReview = o.requiresReview(merged, usedFallback, anyFailed)

	zap.L().Info("parser: document merged",
		zap.Int("pages", len(outcomes)),
		zap.Int("items", len(merged.LineItems)),
		zap.Float64("confidence", merged.Confidence),
		zap.Bool("requires_review", merged.RequiresReview),
	)

	return merged, nil
}

// computeTotals recomputes the invoice totals from the merged line items.
// Claimed totals from the extractors are kept in Debug for cross-checking
// but never trusted as the invoice amounts.
func (o *Orchestrator) computeTotals(inv *model.ExtractedInvoice) {
	var subtotal, gst float64
	for _, li := range inv.LineItems {
		subtotal += li.PriceExGST
		if li.HasGST {
			gst += li.PriceExGST * o.cfg.GSTRate
		}
	}
	inv.SubtotalExGST = subtotal
	inv.GSTAmount = gst
	inv.TotalIncGST = subtotal + gst
	inv.Debug.ComputedSubtotal = subtotal
	inv.Debug.ComputedGST = gst
}

// requiresReview applies the decision policy. Review-flagged invoices still
// flow downstream for correction; they are never dropped.
func (o *Orchestrator) requiresReview(inv *model.ExtractedInvoice, usedFallback, anyFailed bool) bool {
	if usedFallback || anyFailed {
		return true
	}
	if inv.Confidence < o.cfg.ReviewConfidence {
		return true
	}
	if len(inv.LineItems) < o.cfg.MinViableItems {
		return true
	}
	for _, li := range inv.LineItems {
		if li.Confidence < o.cfg.ItemReviewConfidence {
			return true
		}
		if len(li.ValidationFlags) > 0 {
			return true
		}
	}
	return false
}
