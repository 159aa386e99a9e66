package reconciliation

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/internal/gateway"
	"mirror-core/internal/ledger"
	"mirror-core/internal/registry"
	"mirror-core/pkg/crypto"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
	"mirror-core/pkg/exchanges/mock"
)

type fixture struct {
	service *Service
	ledger  *ledger.Ledger
	venue   *mock.Adapter
	slave   *registry.Account
}

func newFixture(t *testing.T, autoSync bool) *fixture {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	keys, err := crypto.NewKeyManagerFromKey(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	bus := events.NewBus()
	accounts, err := registry.New(database, keys, bus)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	slave, err := accounts.Register(registry.RegisterInput{
		Name:         "slave-1",
		ExchangeType: "mock",
		Kind:         db.KindSlave,
		APIKey:       "key-1",
		APISecret:    "secret-1",
		Risk:         registry.RiskProfile{RiskPercent: 1.0, Leverage: 5},
	})
	if err != nil {
		t.Fatalf("register slave: %v", err)
	}

	venue := mock.New(10000)
	gateways := gateway.NewManager(accounts, gateway.DefaultConfig(), false,
		func(acct *registry.Account, creds exchange.Credentials) (exchange.Adapter, error) {
			return venue, nil
		})
	led := ledger.New(database, bus)

	return &fixture{
		service: NewService(accounts, gateways, led, time.Minute, autoSync),
		ledger:  led,
		venue:   venue,
		slave:   slave,
	}
}

func (f *fixture) openLedgerPosition(t *testing.T, symbol string, qty, price float64) {
	t.Helper()
	side := exchange.SideBuy
	if qty < 0 {
		side = exchange.SideSell
		qty = -qty
	}
	err := f.ledger.ApplyFill(execution.Fill{
		AccountID: f.slave.ID,
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		Price:     price,
		At:        time.Now(),
	})
	if err != nil {
		t.Fatalf("seed ledger %s: %v", symbol, err)
	}
}

func TestReconcileCleanSweep(t *testing.T) {
	f := newFixture(t, false)
	f.openLedgerPosition(t, "BTCUSDT", 0.5, 50000)
	f.venue.SetPosition("BTCUSDT", 0.5, 50000)

	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("unexpected diffs: %+v", report.Diffs)
	}
	if f.service.LastReport() != report {
		t.Fatalf("last report not stored")
	}
}

func TestReconcileDetectsQuantityDrift(t *testing.T) {
	f := newFixture(t, false)
	f.openLedgerPosition(t, "BTCUSDT", 0.5, 50000)
	f.venue.SetPosition("BTCUSDT", 0.3, 50000)

	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Diffs) != 1 {
		t.Fatalf("diffs = %d, want 1", len(report.Diffs))
	}
	d := report.Diffs[0]
	if math.Abs(d.Difference+0.2) > 1e-9 {
		t.Fatalf("difference = %v, want -0.2", d.Difference)
	}
	if d.Synced {
		t.Fatalf("sync is off, diff must not be synced")
	}

	// Without auto-sync the ledger keeps its own view.
	pos, err := f.ledger.Position(f.slave.ID, "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty-0.5) > 1e-9 {
		t.Fatalf("ledger qty = %v, want untouched 0.5", pos.Qty)
	}
}

func TestReconcileAutoSyncAdoptsVenueTruth(t *testing.T) {
	f := newFixture(t, true)
	f.openLedgerPosition(t, "BTCUSDT", 0.5, 50000)
	f.venue.SetPosition("BTCUSDT", 0.3, 49500)

	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.SyncedCount != 1 {
		t.Fatalf("synced = %d, want 1", report.SyncedCount)
	}

	pos, err := f.ledger.Position(f.slave.ID, "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.Qty-0.3) > 1e-9 {
		t.Fatalf("ledger qty = %v, want venue 0.3", pos.Qty)
	}
	if math.Abs(pos.EntryPrice-49500) > 1e-6 {
		t.Fatalf("entry = %v, want venue 49500", pos.EntryPrice)
	}
}

func TestReconcileFindsVenueOnlyPosition(t *testing.T) {
	f := newFixture(t, true)
	f.venue.SetPosition("ETHUSDT", 2, 3000)

	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Diffs) != 1 {
		t.Fatalf("diffs = %d, want 1", len(report.Diffs))
	}
	if report.Diffs[0].LedgerQty != 0 || report.Diffs[0].VenueQty != 2 {
		t.Fatalf("diff = %+v", report.Diffs[0])
	}

	pos, err := f.ledger.Position(f.slave.ID, "ETHUSDT")
	if err != nil {
		t.Fatalf("position after sync: %v", err)
	}
	if math.Abs(pos.Qty-2) > 1e-9 {
		t.Fatalf("ledger qty = %v, want adopted 2", pos.Qty)
	}
}

func TestReconcileLedgerOnlyPositionSyncsToFlat(t *testing.T) {
	f := newFixture(t, true)
	f.openLedgerPosition(t, "BTCUSDT", 0.5, 50000)
	// Venue holds nothing.

	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Diffs) != 1 {
		t.Fatalf("diffs = %d, want 1", len(report.Diffs))
	}
	if _, err := f.ledger.Position(f.slave.ID, "BTCUSDT"); err != db.ErrNotFound {
		t.Fatalf("ledger position should be flat after sync, err = %v", err)
	}
}

func TestSetAutoSync(t *testing.T) {
	f := newFixture(t, false)
	f.openLedgerPosition(t, "BTCUSDT", 0.5, 50000)
	f.venue.SetPosition("BTCUSDT", 0.1, 50000)

	f.service.SetAutoSync(true)
	report, err := f.service.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.SyncedCount != 1 {
		t.Fatalf("synced = %d, want 1 after enabling auto-sync", report.SyncedCount)
	}
}
