// Package ocr provides optical character recognition for invoice page images.
// It backs the heuristic extractor; the vision extractor talks to the model
// directly and never goes through here.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/wattlefield/invoice-cli/internal/config"
)

// Extractor extracts plain text from a page image.
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg.TesseractPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
