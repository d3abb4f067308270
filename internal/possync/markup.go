package possync

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MarkupTable maps product categories to retail markup multipliers, used to
// reverse-derive an estimated ex-GST cost from an observed sell price when a
// new item arrives from the POS with no known cost.
type MarkupTable struct {
	Default    float64            `yaml:"default"`
	Categories map[string]float64 `yaml:"categories"`
}

// LoadMarkupTable reads the markup table from a YAML file. A missing file is
// not an error; the table falls back to defaultMarkup for everything.
func LoadMarkupTable(path string, defaultMarkup float64) (*MarkupTable, error) {
	table := &MarkupTable{Default: defaultMarkup}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		zap.L().Debug("possync: no markup table file, using default markup",
			zap.String("path", path),
			zap.Float64("default", defaultMarkup),
		)
		return table, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "possync: read markup table %s", path)
	}

	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, eris.Wrapf(err, "possync: parse markup table %s", path)
	}
	if table.Default <= 0 {
		table.Default = defaultMarkup
	}
	return table, nil
}

// For returns the markup multiplier for a category.
func (t *MarkupTable) For(category string) float64 {
	if m, ok := t.Categories[category]; ok && m > 0 {
		return m
	}
	return t.Default
}

// DeriveCostExGST estimates an ex-GST unit cost from an inc-GST sell price:
// cost = (sell / (1 + gstRate)) / markup.
func DeriveCostExGST(sellIncGST, gstRate, markup float64) float64 {
	if markup <= 0 || sellIncGST <= 0 {
		return 0
	}
	return (sellIncGST / (1 + gstRate)) / markup
}
