// Package symbols holds per-symbol exchange filters used to clamp and
// round computed order sizes.
package symbols

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Filter describes one symbol's tradable constraints.
type Filter struct {
	Symbol      string  `yaml:"symbol"`
	MinNotional float64 `yaml:"min_notional"`
	MaxNotional float64 `yaml:"max_notional"` // 0 = uncapped
	StepSize    float64 `yaml:"step_size"`
	MinQty      float64 `yaml:"min_qty"`
}

// RoundToStep rounds qty down to the filter's step size. A zero step
// leaves qty untouched.
func (f Filter) RoundToStep(qty float64) float64 {
	if f.StepSize <= 0 {
		return qty
	}
	steps := math.Floor(qty/f.StepSize + 1e-9)
	return steps * f.StepSize
}

// Table is the loaded symbol filter set.
type Table struct {
	filters map[string]Filter
}

type fileFormat struct {
	Symbols []Filter `yaml:"symbols"`
}

// Load reads the YAML filter table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML filter table.
func Parse(data []byte) (*Table, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("decode symbols yaml: %w", err)
	}
	t := &Table{filters: make(map[string]Filter, len(ff.Symbols))}
	for _, f := range ff.Symbols {
		if f.Symbol == "" {
			return nil, fmt.Errorf("symbols yaml: entry without symbol")
		}
		t.filters[f.Symbol] = f
	}
	return t, nil
}

// NewTable builds a table from filters directly (tests, defaults).
func NewTable(filters ...Filter) *Table {
	t := &Table{filters: make(map[string]Filter, len(filters))}
	for _, f := range filters {
		t.filters[f.Symbol] = f
	}
	return t
}

// Get returns the filter for symbol.
func (t *Table) Get(symbol string) (Filter, bool) {
	f, ok := t.filters[symbol]
	return f, ok
}

// Known reports whether symbol is tradable at all.
func (t *Table) Known(symbol string) bool {
	_, ok := t.filters[symbol]
	return ok
}

// Symbols lists all known symbols.
func (t *Table) Symbols() []string {
	out := make([]string, 0, len(t.filters))
	for s := range t.filters {
		out = append(out, s)
	}
	return out
}
