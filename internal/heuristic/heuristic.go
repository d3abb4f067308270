// Package heuristic is the deterministic fallback extractor: OCR the page,
// then parse line items with rule-based patterns. It has no self-validation
// signal, so everything it produces carries a fixed low confidence and is
// flagged for review by the orchestrator.
package heuristic

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/internal/ocr"
)

// FixedConfidence is assigned to every heuristic extraction. The value is
// deliberately below the review threshold so heuristic output always lands
// in front of a human.
const FixedConfidence = 0.5

// lineItemPattern matches a tabular invoice row: description, quantity, then
// one or two trailing money amounts (unit cost and/or line total).
//
//	Organic Tofu 300g   4   3.50   14.00
var lineItemPattern = regexp.MustCompile(
	`^(.+?)\s{2,}(\d+(?:\.\d+)?)\s+\$?(\d+(?:,\d{3})*\.\d{2})(?:\s+\$?(\d+(?:,\d{3})*\.\d{2}))?\s*$`)

// skipPattern matches rows that look tabular but are headers or totals.
var skipPattern = regexp.MustCompile(
	`(?i)^\s*(sub\s*-?\s*total|total|gst|tax|freight|delivery|balance|amount\s+due|invoice|qty|quantity|description|item)\b`)

var gstMarkerPattern = regexp.MustCompile(`(?i)[\s*]\*$|\bGST\b`)

// Extractor OCRs page images and parses line items from the text.
type Extractor struct {
	ocr     ocr.Extractor
	gstRate float64
}

// NewExtractor creates a heuristic Extractor over the given OCR backend.
func NewExtractor(ocrExtractor ocr.Extractor, gstRate float64) *Extractor {
	if gstRate <= 0 {
		gstRate = 0.10
	}
	return &Extractor{ocr: ocrExtractor, gstRate: gstRate}
}

// ExtractPage OCRs one page and parses whatever rows look like line items.
// A page with no recognizable rows yields an empty-page result, not an error.
func (e *Extractor) ExtractPage(ctx context.Context, image []byte, pageNum int) (*model.ExtractedInvoice, error) {
	text, err := e.ocr.ExtractText(ctx, image)
	if err != nil {
		return nil, eris.Wrapf(err, "heuristic: OCR page %d", pageNum)
	}

	inv := e.ParseText(text, pageNum)

	zap.L().Debug("heuristic: parsed page",
		zap.Int("page", pageNum),
		zap.Int("items", len(inv.LineItems)),
	)

	return inv, nil
}

// ParseText applies the line rules to already-OCRed text. Split out from
// ExtractPage so the rules are testable without an OCR backend.
func (e *Extractor) ParseText(text string, pageNum int) *model.ExtractedInvoice {
	inv := &model.ExtractedInvoice{
		Confidence: FixedConfidence,
		Debug: model.InvoiceDebug{
			PageMethods: []string{model.MethodHeuristic},
		},
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" || skipPattern.MatchString(line) {
			continue
		}

		m := lineItemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		desc := strings.TrimSpace(m[1])
		qty := parseAmount(m[2])
		first := parseAmount(m[3])

		li := model.ExtractedLineItem{
			Description: desc,
			Quantity:    qty,
			Confidence:  FixedConfidence,
			HasGST:      gstMarkerPattern.MatchString(desc),
		}

		if m[4] != "" {
			// Four columns: qty, unit cost, line total.
			li.UnitCostExGST = first
			li.PriceExGST = parseAmount(m[4])
		} else {
			// Three columns: qty and line total; derive the unit cost.
			li.PriceExGST = first
			if qty > 0 {
				li.UnitCostExGST = first / qty
			}
		}

		li.PriceIncGST = li.PriceExGST
		if li.HasGST {
			li.PriceIncGST = li.PriceExGST * (1 + e.gstRate)
		}

		if !li.ArithmeticConsistent() {
			li.ValidationFlags = append(li.ValidationFlags, "heuristic row arithmetic mismatch")
		}

		inv.LineItems = append(inv.LineItems, li)
	}

	inv.Debug.ActualItemCount = len(inv.LineItems)
	inv.Debug.ClaimedItemCount = len(inv.LineItems)

	if pageNum == 1 && len(inv.LineItems) > 0 {
		inv.VendorName = firstNonEmptyLine(text)
		inv.VendorConfidence = FixedConfidence
	}

	return inv
}

// firstNonEmptyLine guesses the vendor as the first text line of page 1.
func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func parseAmount(s string) float64 {
	s = strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "$"), ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
