package ledger

import (
	"math"
	"testing"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

func testLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(database, events.NewBus()), database
}

func fill(side exchange.Side, qty, price float64) execution.Fill {
	return execution.Fill{
		AccountID: "acct-1",
		Symbol:    "BTCUSDT",
		Side:      side,
		Qty:       qty,
		Price:     price,
		At:        time.Now(),
	}
}

func TestApplyFillOpensAndAverages(t *testing.T) {
	led, _ := testLedger(t)

	if err := led.ApplyFill(fill(exchange.SideBuy, 0.2, 50000)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := led.ApplyFill(fill(exchange.SideBuy, 0.2, 51000)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pos, err := led.Position("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty-0.4) > 1e-9 {
		t.Fatalf("qty = %v, want 0.4", pos.Qty)
	}
	if math.Abs(pos.EntryPrice-50500) > 1e-6 {
		t.Fatalf("entry = %v, want 50500", pos.EntryPrice)
	}
}

func TestFullCloseEmitsSingleTrade(t *testing.T) {
	led, database := testLedger(t)

	// Scale in twice, close everything at once.
	mustApply(t, led, fill(exchange.SideBuy, 0.2, 50000))
	mustApply(t, led, fill(exchange.SideBuy, 0.1, 50000))
	mustApply(t, led, fill(exchange.SideSell, 0.3, 52000))

	if _, err := led.Position("acct-1", "BTCUSDT"); err != db.ErrNotFound {
		t.Fatalf("position should be gone, err = %v", err)
	}

	trades, err := database.ListTrades("acct-1", 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want exactly 1", len(trades))
	}
	tr := trades[0]
	if math.Abs(tr.Qty-0.3) > 1e-9 {
		t.Fatalf("trade qty = %v, want 0.3", tr.Qty)
	}
	if tr.Side != "long" {
		t.Fatalf("trade side = %q, want long", tr.Side)
	}
	wantPnL := (52000.0 - 50000.0) * 0.3
	if math.Abs(tr.RealizedPnL-wantPnL) > 1e-6 {
		t.Fatalf("pnl = %v, want %v", tr.RealizedPnL, wantPnL)
	}
}

func TestPartialReductionKeepsPositionOpen(t *testing.T) {
	led, database := testLedger(t)

	mustApply(t, led, fill(exchange.SideBuy, 0.3, 50000))
	mustApply(t, led, fill(exchange.SideSell, 0.1, 53000))

	pos, err := led.Position("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty-0.2) > 1e-9 {
		t.Fatalf("qty = %v, want 0.2", pos.Qty)
	}
	wantRealized := (53000.0 - 50000.0) * 0.1
	if math.Abs(pos.RealizedPnL-wantRealized) > 1e-6 {
		t.Fatalf("realized = %v, want %v", pos.RealizedPnL, wantRealized)
	}

	trades, _ := database.ListTrades("acct-1", 10)
	if len(trades) != 0 {
		t.Fatalf("no trade expected while position is open, got %d", len(trades))
	}
}

func TestZeroCrossClosesTradeAndFlips(t *testing.T) {
	led, database := testLedger(t)

	mustApply(t, led, fill(exchange.SideBuy, 0.2, 50000))
	// Selling 0.5 closes the 0.2 long and opens a 0.3 short.
	mustApply(t, led, fill(exchange.SideSell, 0.5, 51000))

	pos, err := led.Position("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty+0.3) > 1e-9 {
		t.Fatalf("qty = %v, want -0.3", pos.Qty)
	}
	if math.Abs(pos.EntryPrice-51000) > 1e-6 {
		t.Fatalf("flip entry = %v, want 51000", pos.EntryPrice)
	}

	trades, _ := database.ListTrades("acct-1", 10)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1 from the crossed long", len(trades))
	}
	if math.Abs(trades[0].Qty-0.2) > 1e-9 {
		t.Fatalf("trade qty = %v, want 0.2", trades[0].Qty)
	}
}

func TestShortRoundTrip(t *testing.T) {
	led, database := testLedger(t)

	mustApply(t, led, fill(exchange.SideSell, 0.4, 60000))
	mustApply(t, led, fill(exchange.SideBuy, 0.4, 58000))

	trades, _ := database.ListTrades("acct-1", 10)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Side != "short" {
		t.Fatalf("side = %q, want short", tr.Side)
	}
	wantPnL := (58000.0 - 60000.0) * 0.4 * -1
	if math.Abs(tr.RealizedPnL-wantPnL) > 1e-6 {
		t.Fatalf("pnl = %v, want %v", tr.RealizedPnL, wantPnL)
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	led, database := testLedger(t)

	// Audit rows mirror what the execution pool records for each fill.
	rows := []struct {
		side exchange.Side
		qty  float64
		px   float64
	}{
		{exchange.SideBuy, 0.2, 50000},
		{exchange.SideBuy, 0.1, 50600},
		{exchange.SideSell, 0.05, 51000},
	}
	for i, r := range rows {
		mustApply(t, led, fill(r.side, r.qty, r.px))
		err := database.InsertExecution(&db.Execution{
			IntentKey: execution.IntentKey("sig", "acct-1")[:10] + string(rune('a'+i)),
			SignalID:  "sig",
			AccountID: "acct-1",
			Symbol:    "BTCUSDT",
			Side:      string(r.side),
			Qty:       r.qty,
			Status:    execution.ResultFilled,
			FilledQty: r.qty,
			AvgPrice:  r.px,
		})
		if err != nil {
			t.Fatalf("insert execution: %v", err)
		}
	}

	live, err := led.Position("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("live position: %v", err)
	}
	replayed, err := led.Replay("acct-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	rp, ok := replayed["acct-1|BTCUSDT"]
	if !ok {
		t.Fatalf("replay missing position")
	}
	if math.Abs(rp.Qty-live.Qty) > 1e-9 {
		t.Fatalf("replay qty = %v, live = %v", rp.Qty, live.Qty)
	}
	if math.Abs(rp.EntryPrice-live.EntryPrice) > 1e-6 {
		t.Fatalf("replay entry = %v, live = %v", rp.EntryPrice, live.EntryPrice)
	}
	if math.Abs(rp.RealizedPnL-live.RealizedPnL) > 1e-6 {
		t.Fatalf("replay pnl = %v, live = %v", rp.RealizedPnL, live.RealizedPnL)
	}
}

func TestSyncPositionOverwrites(t *testing.T) {
	led, _ := testLedger(t)

	mustApply(t, led, fill(exchange.SideBuy, 0.2, 50000))
	venue := exchange.PositionInfo{Symbol: "BTCUSDT", Qty: 0.15, EntryPrice: 49900}
	if err := led.SyncPosition("acct-1", "BTCUSDT", venue); err != nil {
		t.Fatalf("sync: %v", err)
	}
	pos, err := led.Position("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty-0.15) > 1e-9 {
		t.Fatalf("qty = %v, want venue truth 0.15", pos.Qty)
	}

	// Venue flat removes the row.
	if err := led.SyncPosition("acct-1", "BTCUSDT", exchange.PositionInfo{Symbol: "BTCUSDT"}); err != nil {
		t.Fatalf("sync flat: %v", err)
	}
	if _, err := led.Position("acct-1", "BTCUSDT"); err != db.ErrNotFound {
		t.Fatalf("expected position removed, err = %v", err)
	}
}

func mustApply(t *testing.T, led *Ledger, f execution.Fill) {
	t.Helper()
	if err := led.ApplyFill(f); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
}
