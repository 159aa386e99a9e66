package execution

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/gateway"
	"mirror-core/internal/registry"
	"mirror-core/pkg/crypto"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
	"mirror-core/pkg/exchanges/mock"
)

type captureSink struct {
	mu    sync.Mutex
	fills []Fill
}

func (c *captureSink) ApplyFill(f Fill) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills = append(c.fills, f)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fills)
}

type fixture struct {
	database *db.Database
	accounts *registry.Registry
	gateways *gateway.Manager
	mocks    map[string]*mock.Adapter
	wal      *IntentWAL
	fills    *captureSink
	pool     *Pool
	slave    *registry.Account
}

func testConfig() Config {
	return Config{
		WorkersPerLane: 2,
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		LaneBuffer:     16,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	keys, err := crypto.NewKeyManagerFromKey(bytes.Repeat([]byte{1}, 32))
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

	f := &fixture{
		database: database,
		accounts: accounts,
		mocks:    make(map[string]*mock.Adapter),
		fills:    &captureSink{},
		slave:    slave,
	}
	f.mocks[slave.ID] = mock.New(10000)

	f.gateways = gateway.NewManager(accounts, gateway.DefaultConfig(), false,
		func(acct *registry.Account, creds exchange.Credentials) (exchange.Adapter, error) {
			return f.mocks[acct.ID], nil
		})

	wal, err := NewIntentWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	f.wal = wal

	f.pool = NewPool(testConfig(), f.gateways, accounts, wal, database, bus, f.fills, "test-node")
	t.Cleanup(f.pool.Stop)
	return f
}

func (f *fixture) intent(signalID string) Intent {
	return Intent{
		Key:       IntentKey(signalID, f.slave.ID),
		SignalID:  signalID,
		AccountID: f.slave.ID,
		LaneKey:   f.slave.CredFingerprint,
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Qty:       0.01,
		Price:     50000,
		Leverage:  5,
	}
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func TestPoolFillsIntent(t *testing.T) {
	f := newFixture(t)
	in := f.intent("sig-1")

	done := f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, done)
	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want filled (%s)", res.Status, res.Err)
	}
	if res.FilledQty != 0.01 {
		t.Fatalf("filled qty = %v, want 0.01", res.FilledQty)
	}
	if f.fills.count() != 1 {
		t.Fatalf("ledger fills = %d, want 1", f.fills.count())
	}

	audit, err := f.database.GetExecution(in.Key)
	if err != nil {
		t.Fatalf("audit row: %v", err)
	}
	if audit.Status != ResultFilled {
		t.Fatalf("audit status = %s, want filled", audit.Status)
	}
	if f.wal.Pending() != 0 {
		t.Fatalf("wal pending = %d, want 0", f.wal.Pending())
	}
}

func TestPoolIdempotentResubmit(t *testing.T) {
	f := newFixture(t)
	in := f.intent("sig-1")

	done := f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := await(t, done)

	// The same (signal, account) pair submitted again carries the same
	// client order id, so the venue returns the original ack.
	again := f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	second := await(t, again)

	if first.ExchangeOrderID != second.ExchangeOrderID {
		t.Fatalf("order ids differ: %s vs %s", first.ExchangeOrderID, second.ExchangeOrderID)
	}
	if placed := f.mocks[f.slave.ID].Placed(); len(placed) != 1 {
		t.Fatalf("orders on the book = %d, want 1", len(placed))
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.mocks[f.slave.ID].FailWith("BTCUSDT", exchange.ErrKindRateLimited, true)

	in := f.intent("sig-1")
	done := f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, done)
	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want filled after retry (%s)", res.Status, res.Err)
	}
	if res.Attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", res.Attempts)
	}
	if placed := f.mocks[f.slave.ID].Placed(); len(placed) != 1 {
		t.Fatalf("orders on the book = %d, want 1", len(placed))
	}
}

func TestPoolRejectsDeterministicFailure(t *testing.T) {
	f := newFixture(t)
	f.mocks[f.slave.ID].FailWith("BTCUSDT", exchange.ErrKindInsufficientBalance, false)

	in := f.intent("sig-1")
	done := f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, done)
	if res.Status != ResultRejected {
		t.Fatalf("status = %s, want rejected", res.Status)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, a rejection must not retry", res.Attempts)
	}
	if f.fills.count() != 0 {
		t.Fatalf("fills = %d, want 0", f.fills.count())
	}
}

func TestPoolAuthFailuresDisconnectAccount(t *testing.T) {
	f := newFixture(t)
	f.mocks[f.slave.ID].FailWith("BTCUSDT", exchange.ErrKindAuth, false)

	for i, sig := range []string{"sig-1", "sig-2", "sig-3"} {
		in := f.intent(sig)
		done := f.pool.Watch(in.Key)
		if err := f.pool.Submit(in); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		res := await(t, done)
		if res.Status != ResultFailed {
			t.Fatalf("status = %s, want failed on auth error", res.Status)
		}
	}

	acct, err := f.accounts.Get(f.slave.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Status != db.AccountDisconnected {
		t.Fatalf("status = %s, want disconnected after repeated auth failures", acct.Status)
	}
}

func TestWALRecoveryReplaysPendingIntent(t *testing.T) {
	dir := t.TempDir()

	wal1, err := NewIntentWAL(dir)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	pending := Intent{
		Key:       IntentKey("sig-crash", "acct-x"),
		SignalID:  "sig-crash",
		AccountID: "acct-x",
		LaneKey:   "lane-x",
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Qty:       0.02,
		CreatedAt: time.Now(),
	}
	if err := wal1.Append(pending); err != nil {
		t.Fatalf("append: %v", err)
	}
	completed := pending
	completed.Key = IntentKey("sig-done", "acct-x")
	if err := wal1.Append(completed); err != nil {
		t.Fatalf("append: %v", err)
	}
	wal1.MarkComplete(completed.Key)
	wal1.Close()

	// A fresh WAL over the same directory only replays the intent that
	// never completed.
	wal2, err := NewIntentWAL(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer wal2.Close()
	recovered, err := wal2.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered = %d, want 1", len(recovered))
	}
	if recovered[0].Key != pending.Key {
		t.Fatalf("recovered key = %s, want %s", recovered[0].Key, pending.Key)
	}
	if recovered[0].Qty != 0.02 {
		t.Fatalf("recovered qty = %v, want 0.02", recovered[0].Qty)
	}
}

func TestPoolPriorityIntentJumpsQueue(t *testing.T) {
	f := newFixture(t)
	f.mocks[f.slave.ID].Latency = 150 * time.Millisecond
	f.mocks[f.slave.ID].SetPosition("BTCUSDT", 0.05, 50000)

	// One worker per lane so queued intents stay queued while the
	// urgent close arrives behind them.
	cfg := testConfig()
	cfg.WorkersPerLane = 1
	wal, err := NewIntentWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	pool := NewPool(cfg, f.gateways, f.accounts, wal, f.database, events.NewBus(), f.fills, "test-node")
	t.Cleanup(pool.Stop)

	blocker := f.intent("sig-blocker")
	queued := []Intent{f.intent("sig-b"), f.intent("sig-c")}
	urgent := f.intent("sig-urgent")
	urgent.Side = exchange.SideSell
	urgent.ReduceOnly = true
	urgent.Priority = true

	var chans []<-chan Result
	submit := func(in Intent) {
		chans = append(chans, pool.Watch(in.Key))
		if err := pool.Submit(in); err != nil {
			t.Fatalf("submit %s: %v", in.SignalID, err)
		}
	}
	submit(blocker)
	for _, in := range queued {
		submit(in)
	}
	submit(urgent)
	for _, ch := range chans {
		await(t, ch)
	}

	order := make(map[string]int)
	for i, req := range f.mocks[f.slave.ID].Placed() {
		order[req.ClientID] = i
	}
	for _, in := range queued {
		if order[urgent.Key] > order[in.Key] {
			t.Fatalf("urgent close ran after queued intent %s", in.SignalID)
		}
	}
}

func TestSubmitFailureDropsWatcher(t *testing.T) {
	f := newFixture(t)
	// A closed WAL makes the durability write fail before enqueue.
	f.wal.Close()

	in := f.intent("sig-1")
	f.pool.Watch(in.Key)
	if err := f.pool.Submit(in); err == nil {
		t.Fatalf("submit succeeded with a closed WAL")
	}

	f.pool.mu.Lock()
	leaked := len(f.pool.watchers)
	f.pool.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("watchers = %d, want 0 after failed submit", leaked)
	}
}

func TestPoolRecoverExecutesReplayedIntent(t *testing.T) {
	f := newFixture(t)

	// Simulate an intent that was logged before a crash.
	in := f.intent("sig-crash")
	if err := f.wal.Append(in); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := f.pool.Watch(in.Key)
	if err := f.pool.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	res := await(t, done)
	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want filled (%s)", res.Status, res.Err)
	}
	// Recovery probes the venue first, finds nothing, and places once.
	if placed := f.mocks[f.slave.ID].Placed(); len(placed) != 1 {
		t.Fatalf("orders on the book = %d, want 1", len(placed))
	}
}
