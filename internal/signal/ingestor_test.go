package signal

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"mirror-core/internal/events"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
	"mirror-core/pkg/symbols"
)

type recordingSink struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recordingSink) Dispatch(sig Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

func testTable() *symbols.Table {
	return symbols.NewTable(symbols.Filter{Symbol: "BTCUSDT", StepSize: 0.001})
}

func testDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func validSignal(seq int64) Signal {
	return Signal{
		ID:        "sig-" + time.Now().Format("150405.000000") + string(rune('a'+seq%26)),
		Source:    "webhook",
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		SizeDelta: 0.5,
		Price:     50000,
		Seq:       seq,
		At:        time.Now(),
	}
}

func TestIngestorAcceptsMonotonicSequence(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(testDB(t), testTable(), events.NewBus(), sink)

	for seq := int64(1); seq <= 3; seq++ {
		if err := in.Submit(validSignal(seq)); err != nil {
			t.Fatalf("seq %d rejected: %v", seq, err)
		}
	}
	if sink.count() != 3 {
		t.Fatalf("dispatched %d, want 3", sink.count())
	}
}

func TestIngestorRejectsStaleAndDuplicateSeq(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(testDB(t), testTable(), events.NewBus(), sink)

	if err := in.Submit(validSignal(5)); err != nil {
		t.Fatalf("seq 5 rejected: %v", err)
	}
	if err := in.Submit(validSignal(5)); !errors.Is(err, ErrStaleSignal) {
		t.Fatalf("duplicate seq err = %v, want ErrStaleSignal", err)
	}
	if err := in.Submit(validSignal(3)); !errors.Is(err, ErrStaleSignal) {
		t.Fatalf("stale seq err = %v, want ErrStaleSignal", err)
	}
	if sink.count() != 1 {
		t.Fatalf("dispatched %d, want 1", sink.count())
	}
}

func TestIngestorCursorSurvivesRestart(t *testing.T) {
	database := testDB(t)
	sink := &recordingSink{}

	in := NewIngestor(database, testTable(), events.NewBus(), sink)
	if err := in.Submit(validSignal(10)); err != nil {
		t.Fatalf("seq 10 rejected: %v", err)
	}
	in.Close()

	// Fresh ingestor over the same database: the cursor persists.
	in2 := NewIngestor(database, testTable(), events.NewBus(), sink)
	if err := in2.Submit(validSignal(10)); !errors.Is(err, ErrStaleSignal) {
		t.Fatalf("replayed seq err = %v, want ErrStaleSignal", err)
	}
	if err := in2.Submit(validSignal(11)); err != nil {
		t.Fatalf("seq 11 rejected after restart: %v", err)
	}
}

func TestIngestorValidation(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(testDB(t), testTable(), events.NewBus(), sink)

	cases := []struct {
		name    string
		mutate  func(*Signal)
		wantErr error
	}{
		{"missing id", func(s *Signal) { s.ID = "" }, ErrInvalidSignal},
		{"missing source", func(s *Signal) { s.Source = "" }, ErrUnknownSource},
		{"bad side", func(s *Signal) { s.Side = "HOLD" }, ErrInvalidSignal},
		{"zero size", func(s *Signal) { s.SizeDelta = 0 }, ErrInvalidSignal},
		{"negative size", func(s *Signal) { s.SizeDelta = -1 }, ErrInvalidSignal},
		{"nan size", func(s *Signal) { s.SizeDelta = math.NaN() }, ErrInvalidSignal},
		{"infinite size", func(s *Signal) { s.SizeDelta = math.Inf(1) }, ErrInvalidSignal},
		{"negative price", func(s *Signal) { s.Price = -1 }, ErrInvalidSignal},
		{"nan price", func(s *Signal) { s.Price = math.NaN() }, ErrInvalidSignal},
		{"infinite price", func(s *Signal) { s.Price = math.Inf(1) }, ErrInvalidSignal},
		{"zero seq", func(s *Signal) { s.Seq = 0 }, ErrInvalidSignal},
		{"unknown symbol", func(s *Signal) { s.Symbol = "DOGEUSDT" }, ErrUnknownSymbol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := validSignal(1)
			tc.mutate(&sig)
			if err := in.Submit(sig); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if sink.count() != 0 {
		t.Fatalf("dispatched %d, want 0", sink.count())
	}
}

func TestIngestorRejectionDoesNotBurnCursor(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(testDB(t), testTable(), events.NewBus(), sink)

	bad := validSignal(7)
	bad.SizeDelta = math.NaN()
	if err := in.Submit(bad); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err = %v, want ErrInvalidSignal", err)
	}
	if sink.count() != 0 {
		t.Fatalf("rejected signal was forwarded")
	}

	// A corrected re-send of the same sequence number must go through.
	if err := in.Submit(validSignal(7)); err != nil {
		t.Fatalf("corrected re-send rejected: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("dispatched %d, want 1", sink.count())
	}
}

func TestIngestorSourcesAreIndependent(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(testDB(t), testTable(), events.NewBus(), sink)

	a := validSignal(1)
	a.Source = "source-a"
	b := validSignal(1)
	b.Source = "source-b"

	if err := in.Submit(a); err != nil {
		t.Fatalf("source-a rejected: %v", err)
	}
	if err := in.Submit(b); err != nil {
		t.Fatalf("source-b rejected: %v", err)
	}
}
