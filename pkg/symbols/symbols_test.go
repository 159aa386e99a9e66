package symbols

import (
	"math"
	"testing"
)

func TestParseTable(t *testing.T) {
	data := []byte(`
symbols:
  - symbol: BTCUSDT
    min_notional: 100
    step_size: 0.001
    min_qty: 0.001
  - symbol: ETHUSDT
    min_notional: 20
    max_notional: 500000
    step_size: 0.01
`)
	table, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !table.Known("BTCUSDT") || !table.Known("ETHUSDT") {
		t.Fatalf("expected both symbols known")
	}
	if table.Known("DOGEUSDT") {
		t.Fatalf("unexpected symbol known")
	}
	f, _ := table.Get("ETHUSDT")
	if f.MaxNotional != 500000 {
		t.Fatalf("max_notional = %v, want 500000", f.MaxNotional)
	}
}

func TestParseRejectsMissingSymbol(t *testing.T) {
	if _, err := Parse([]byte("symbols:\n  - min_notional: 5\n")); err == nil {
		t.Fatalf("expected error for entry without symbol")
	}
}

func TestRoundToStep(t *testing.T) {
	f := Filter{StepSize: 0.001}
	cases := []struct {
		in, want float64
	}{
		{0.0012, 0.001},
		{0.02, 0.02},
		{0.0004, 0},
	}
	for _, c := range cases {
		got := f.RoundToStep(c.in)
		if math.Abs(got-c.want) > 1e-12 {
			t.Errorf("RoundToStep(%v) = %v, want %v", c.in, got, c.want)
		}
	}

	// Accumulated float noise must not drop a whole step.
	noisy := Filter{StepSize: 0.1}
	if got := noisy.RoundToStep(0.1 + 0.2); math.Abs(got-0.3) > 1e-12 {
		t.Errorf("RoundToStep(0.1+0.2) = %v, want 0.3", got)
	}
}

func TestRoundToStepZeroStep(t *testing.T) {
	f := Filter{}
	if got := f.RoundToStep(0.12345); got != 0.12345 {
		t.Fatalf("zero step should pass through, got %v", got)
	}
}
