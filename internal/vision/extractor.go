// Package vision extracts structured invoice data from page images using a
// vision-capable Claude model. It is the primary extraction strategy; the
// heuristic extractor covers pages this one cannot handle.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/config"
	"github.com/wattlefield/invoice-cli/internal/model"
	"github.com/wattlefield/invoice-cli/pkg/anthropic"
)

// ErrMissingDebug is returned when the model's response omits the debugging
// block. Without it there is no way to sanity-check a probabilistic
// extraction, so the response is rejected outright.
var ErrMissingDebug = eris.New("vision: response missing debugging block")

// ErrTooFewItems is returned when the extraction produced fewer line items
// than the configured viability floor. A near-empty extraction from a real
// invoice is total failure, not partial success.
var ErrTooFewItems = eris.New("vision: too few line items extracted")

const systemText = `You are an invoice data extraction system for a grocery retailer. You read scanned supplier invoices and return structured JSON. Quantities come from the quantity column only; never infer them from pack sizes inside item descriptions. Item descriptions are copied verbatim, never invented. All prices are in dollars. Return exactly one fenced JSON code block and nothing else outside it. If the page contains no line items (e.g. a totals or remittance page), return plain text with no JSON block.`

const extractPrompt = `Extract all invoice line items from this page (page %d of the document).

Return one fenced JSON block with this shape:
{
  "debugging": {
    "tableColumns": ["<column headers as they appear>"],
    "extractedLineItems": <count of items you extracted>,
    "claimedSubtotal": <subtotal printed on the page, or 0>,
    "claimedGst": <GST printed on the page, or 0>
  },
  "vendor": {"name": "<supplier name>", "confidence": <0.0-1.0>},
  "invoiceNumber": "<invoice number>",
  "invoiceDate": "<YYYY-MM-DD>",
  "lineItems": [
    {
      "itemDescription": "<verbatim description>",
      "quantity": <number from the quantity column>,
      "unitCostExGst": <unit cost excluding GST>,
      "category": "<best-guess category or empty>",
      "priceExGst": <line total excluding GST>,
      "hasGst": <true if GST applies to this line>,
      "priceIncGst": <line total including GST>
    }
  ],
  "confidence": <overall 0.0-1.0>
}

The debugging block is mandatory whenever you return JSON.`

// Extractor sends page images to the Claude vision model and parses the
// structured response into a candidate invoice.
type Extractor struct {
	client         anthropic.Client
	cfg            config.AnthropicConfig
	minViableItems int
	gstRate        float64
}

// NewExtractor creates a vision Extractor.
func NewExtractor(client anthropic.Client, aiCfg config.AnthropicConfig, parserCfg config.ParserConfig) *Extractor {
	min := parserCfg.MinViableItems
	if min <= 0 {
		min = 3
	}
	rate := parserCfg.GSTRate
	if rate <= 0 {
		rate = 0.10
	}
	return &Extractor{
		client:         client,
		cfg:            aiCfg,
		minViableItems: min,
		gstRate:        rate,
	}
}

// ExtractPage extracts a single page. pageNum is 1-based. A page with no JSON
// payload yields an empty-page result, not an error; ErrMissingDebug and
// ErrTooFewItems are terminal for the vision strategy and signal fallback.
func (e *Extractor) ExtractPage(ctx context.Context, image []byte, pageNum int) (*model.ExtractedInvoice, error) {
	timeout := time.Duration(e.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := anthropic.MessageRequest{
		Model:     e.cfg.VisionModel,
		MaxTokens: e.maxTokens(),
		System:    anthropic.BuildCachedSystemBlocks(systemText),
		Messages: []anthropic.Message{
			{
				Role: "user",
				Content: []anthropic.ContentPart{
					{
						ImageData:      base64.StdEncoding.EncodeToString(image),
						ImageMediaType: detectMediaType(image),
					},
					{Text: fmt.Sprintf(extractPrompt, pageNum)},
				},
			},
		},
	}

	resp, err := e.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "vision: extract page %d", pageNum)
	}

	return e.parseResponse(resp.Text(), pageNum)
}

func (e *Extractor) maxTokens() int64 {
	if e.cfg.MaxTokens > 0 {
		return e.cfg.MaxTokens
	}
	return 8192
}

// parseResponse turns the model's text into an invoice candidate.
func (e *Extractor) parseResponse(text string, pageNum int) (*model.ExtractedInvoice, error) {
	payload, found := extractJSONBlock(text)
	if !found {
		// Valid "no items on this page" signal (totals/summary pages).
		zap.L().Debug("vision: no JSON payload on page, treating as empty",
			zap.Int("page", pageNum),
		)
		return &model.ExtractedInvoice{}, nil
	}

	var raw visionPayload
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, eris.Wrapf(err, "vision: parse JSON on page %d", pageNum)
	}

	if raw.Debugging == nil {
		return nil, eris.Wrapf(ErrMissingDebug, "page %d", pageNum)
	}

	inv := &model.ExtractedInvoice{
		VendorName:       strings.TrimSpace(raw.Vendor.Name),
		VendorConfidence: clamp01(toFloat64(raw.Vendor.Confidence)),
		InvoiceNumber:    strings.TrimSpace(raw.InvoiceNumber),
		InvoiceDate:      strings.TrimSpace(raw.InvoiceDate),
		Confidence:       clamp01(toFloat64(raw.Confidence)),
		Debug: model.InvoiceDebug{
			ClaimedColumns:   raw.Debugging.TableColumns,
			ClaimedItemCount: raw.Debugging.ExtractedLineItems,
			ClaimedSubtotal:  toFloat64(raw.Debugging.ClaimedSubtotal),
			ClaimedGST:       toFloat64(raw.Debugging.ClaimedGST),
			PageMethods:      []string{model.MethodVision},
		},
	}

	for _, item := range raw.LineItems {
		li := model.ExtractedLineItem{
			Description:   strings.TrimSpace(item.ItemDescription),
			Quantity:      toFloat64(item.Quantity),
			UnitCostExGST: toFloat64(item.UnitCostExGst),
			Category:      strings.TrimSpace(item.Category),
			PriceExGST:    toFloat64(item.PriceExGst),
			HasGST:        item.HasGst,
			PriceIncGST:   toFloat64(item.PriceIncGst),
			Confidence:    inv.Confidence,
		}
		if li.PriceIncGST == 0 {
			li.PriceIncGST = li.PriceExGST
			if li.HasGST {
				li.PriceIncGST = li.PriceExGST * (1 + e.gstRate)
			}
		}
		if !li.ArithmeticConsistent() {
			li.ValidationFlags = append(li.ValidationFlags,
				fmt.Sprintf("line arithmetic mismatch: %.2f x %.2f != %.2f", li.UnitCostExGST, li.Quantity, li.PriceExGST))
		}
		inv.LineItems = append(inv.LineItems, li)
	}

	inv.Debug.ActualItemCount = len(inv.LineItems)

	if len(inv.LineItems) < e.minViableItems {
		return nil, eris.Wrapf(ErrTooFewItems, "page %d: got %d, need %d", pageNum, len(inv.LineItems), e.minViableItems)
	}

	// Lenient by policy: a claimed/actual mismatch is flagged, not rejected.
	if inv.Debug.ClaimedItemCount != inv.Debug.ActualItemCount {
		warning := fmt.Sprintf("page %d: model claimed %d items, parsed %d",
			pageNum, inv.Debug.ClaimedItemCount, inv.Debug.ActualItemCount)
		inv.Debug.Warnings = append(inv.Debug.Warnings, warning)
		zap.L().Warn("vision: item count mismatch",
			zap.Int("page", pageNum),
			zap.Int("claimed", inv.Debug.ClaimedItemCount),
			zap.Int("actual", inv.Debug.ActualItemCount),
		)
	}

	return inv, nil
}

// visionPayload mirrors the JSON contract with the model. Numeric fields are
// declared as any because models occasionally emit numbers as strings.
type visionPayload struct {
	Debugging     *visionDebug     `json:"debugging"`
	Vendor        visionVendor     `json:"vendor"`
	InvoiceNumber string           `json:"invoiceNumber"`
	InvoiceDate   string           `json:"invoiceDate"`
	LineItems     []visionLineItem `json:"lineItems"`
	Confidence    any              `json:"confidence"`
}

type visionVendor struct {
	Name       string `json:"name"`
	Confidence any    `json:"confidence"`
}

type visionDebug struct {
	TableColumns       []string `json:"tableColumns"`
	ExtractedLineItems int      `json:"extractedLineItems"`
	ClaimedSubtotal    any      `json:"claimedSubtotal"`
	ClaimedGST         any      `json:"claimedGst"`
}

type visionLineItem struct {
	ItemDescription string `json:"itemDescription"`
	Quantity        any    `json:"quantity"`
	UnitCostExGst   any    `json:"unitCostExGst"`
	Category        string `json:"category"`
	PriceExGst      any    `json:"priceExGst"`
	HasGst          bool   `json:"hasGst"`
	PriceIncGst     any    `json:"priceIncGst"`
}

// extractJSONBlock finds the fenced JSON payload in the response text.
// Returns found=false when the page carried no JSON at all.
func extractJSONBlock(text string) (string, bool) {
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate, true
			}
		}
	}

	// Unfenced fallback: first { to last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1], true
	}

	return "", false
}

// toFloat64 defensively converts model-supplied numerics. Non-numeric values
// normalize to 0 rather than failing the page.
func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(n, "$"))
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// detectMediaType sniffs PNG vs JPEG from magic bytes, defaulting to PNG.
func detectMediaType(image []byte) string {
	if len(image) >= 3 && bytes.Equal(image[:3], []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}
	return "image/png"
}
