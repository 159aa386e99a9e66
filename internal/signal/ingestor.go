package signal

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"mirror-core/internal/events"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
	"mirror-core/pkg/symbols"
)

var (
	ErrStaleSignal    = errors.New("stale or duplicate signal sequence")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrInvalidSignal  = errors.New("invalid signal")
	ErrUnknownSource  = errors.New("unknown signal source")
	ErrIngestorClosed = errors.New("ingestor is closed")
)

// Ingestor validates inbound signals and enforces per-source monotonic
// sequence numbers. Cursors persist so duplicates are still rejected
// after a restart.
type Ingestor struct {
	mu      sync.Mutex
	cursors map[string]int64
	closed  bool

	database *db.Database
	table    *symbols.Table
	bus      *events.Bus
	sink     Sink
}

// NewIngestor loads persisted per-source cursors lazily on first use.
func NewIngestor(database *db.Database, table *symbols.Table, bus *events.Bus, sink Sink) *Ingestor {
	return &Ingestor{
		cursors:  make(map[string]int64),
		database: database,
		table:    table,
		bus:      bus,
		sink:     sink,
	}
}

// Submit validates, deduplicates, and forwards one signal. Rejections
// are published on the bus with a reason and returned as errors.
func (in *Ingestor) Submit(sig Signal) error {
	if err := in.accept(sig); err != nil {
		in.reject(sig, err)
		return err
	}

	log.Printf("📨 Signal %s accepted: %s %s %.8f @ %.4f (seq %d)",
		sig.ID, sig.Side, sig.Symbol, sig.SizeDelta, sig.Price, sig.Seq)
	if in.bus != nil {
		in.bus.Publish(events.EventSignalAccepted, sig)
	}
	in.sink.Dispatch(sig)
	return nil
}

func (in *Ingestor) accept(sig Signal) error {
	if err := in.validate(sig); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrIngestorClosed
	}

	last, err := in.cursorLocked(sig.Source)
	if err != nil {
		return err
	}
	if sig.Seq <= last {
		return fmt.Errorf("%w: seq %d <= cursor %d for source %s",
			ErrStaleSignal, sig.Seq, last, sig.Source)
	}
	if err := in.database.SetSignalCursor(sig.Source, sig.Seq); err != nil {
		return err
	}
	in.cursors[sig.Source] = sig.Seq
	return nil
}

func (in *Ingestor) validate(sig Signal) error {
	if sig.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	}
	if sig.Source == "" {
		return fmt.Errorf("%w: missing source", ErrUnknownSource)
	}
	if sig.Side != exchange.SideBuy && sig.Side != exchange.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, sig.Side)
	}
	// NaN fails every comparison, so finiteness needs explicit checks.
	if sig.SizeDelta <= 0 || math.IsNaN(sig.SizeDelta) || math.IsInf(sig.SizeDelta, 0) {
		return fmt.Errorf("%w: size_delta %v must be positive and finite", ErrInvalidSignal, sig.SizeDelta)
	}
	if sig.Price < 0 || math.IsNaN(sig.Price) || math.IsInf(sig.Price, 0) {
		return fmt.Errorf("%w: price %v must be finite and non-negative", ErrInvalidSignal, sig.Price)
	}
	if sig.Seq <= 0 {
		return fmt.Errorf("%w: seq must be positive", ErrInvalidSignal)
	}
	if !in.table.Known(sig.Symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, sig.Symbol)
	}
	return nil
}

// cursorLocked returns the cached cursor, loading it from the database
// the first time a source is seen.
func (in *Ingestor) cursorLocked(source string) (int64, error) {
	if seq, ok := in.cursors[source]; ok {
		return seq, nil
	}
	seq, err := in.database.GetSignalCursor(source)
	if err != nil {
		return 0, err
	}
	in.cursors[source] = seq
	return seq, nil
}

func (in *Ingestor) reject(sig Signal, cause error) {
	log.Printf("🚫 Signal %s rejected: %v", sig.ID, cause)
	if in.bus != nil {
		in.bus.Publish(events.EventSignalRejected, events.SignalRejection{
			SignalID: sig.ID,
			Source:   sig.Source,
			Reason:   cause.Error(),
			At:       time.Now(),
		})
	}
}

// Close stops accepting signals.
func (in *Ingestor) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}
