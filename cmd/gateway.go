package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/heuristic"
	"github.com/wattlefield/invoice-cli/internal/ocr"
	"github.com/wattlefield/invoice-cli/internal/parser"
	"github.com/wattlefield/invoice-cli/internal/vision"
	anthropicpkg "github.com/wattlefield/invoice-cli/pkg/anthropic"
)

// initGateway opens and migrates the configured catalog store.
func initGateway(ctx context.Context) (catalog.Gateway, error) {
	gw, err := catalog.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := gw.Migrate(ctx); err != nil {
		_ = gw.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return gw, nil
}

// initParser wires the two extraction strategies into an orchestrator.
// A broken OCR setup disables the fallback rather than blocking parsing.
func initParser() (*parser.Orchestrator, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (INVOICE_ANTHROPIC_KEY)")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	visionExtractor := vision.NewExtractor(anthropicClient, cfg.Anthropic, cfg.Parser)

	var fallback parser.PageExtractor
	ocrExtractor, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		zap.L().Warn("ocr init failed, heuristic fallback disabled", zap.Error(err))
	} else {
		fallback = heuristic.NewExtractor(ocrExtractor, cfg.Parser.GSTRate)
	}

	return parser.NewOrchestrator(visionExtractor, fallback, cfg.Parser), nil
}
