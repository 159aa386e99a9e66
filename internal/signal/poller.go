package signal

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/gateway"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

// SourceMasterPoll identifies signals produced by position polling.
const SourceMasterPoll = "master-poll"

// qtyEpsilon below which a position delta is treated as noise.
const qtyEpsilon = 1e-9

// Poller watches the master account's positions and emits a signal for
// every net quantity change between snapshots.
type Poller struct {
	accounts *registry.Registry
	gateways *gateway.Manager
	ingestor *Ingestor
	database *db.Database
	interval time.Duration

	mu       sync.Mutex
	seq      int64
	lastSnap map[string]exchange.PositionInfo
	primed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller restores its sequence counter from the persisted cursor so
// restarts do not replay old sequence numbers.
func NewPoller(accounts *registry.Registry, gateways *gateway.Manager, ingestor *Ingestor, database *db.Database, interval time.Duration) (*Poller, error) {
	seq, err := database.GetSignalCursor(SourceMasterPoll)
	if err != nil {
		return nil, err
	}
	return &Poller{
		accounts: accounts,
		gateways: gateways,
		ingestor: ingestor,
		database: database,
		interval: interval,
		seq:      seq,
		lastSnap: make(map[string]exchange.PositionInfo),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	master, err := p.accounts.Master()
	if err != nil {
		return // no master registered yet
	}
	adapter, err := p.gateways.Adapter(ctx, master.ID)
	if err != nil {
		log.Printf("⚠️ Master adapter unavailable: %v", err)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	positions, err := adapter.FetchPositions(fetchCtx)
	cancel()
	if err != nil {
		p.gateways.RecordFailure(master.ID)
		if exchange.IsAuth(err) {
			p.accounts.RecordAuthError(master.ID)
		}
		log.Printf("⚠️ Master position poll failed: %v", err)
		return
	}
	p.gateways.RecordSuccess(master.ID)
	p.accounts.RecordAuthSuccess(master.ID)

	p.diff(positions)
}

// diff compares the new snapshot with the previous one and emits a
// signal per changed symbol. The first snapshot only primes the
// baseline: positions opened before the engine started are not
// mirrored retroactively.
func (p *Poller) diff(positions []exchange.PositionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]exchange.PositionInfo, len(positions))
	for _, pos := range positions {
		current[pos.Symbol] = pos
	}

	if !p.primed {
		p.lastSnap = current
		p.primed = true
		log.Printf("🔍 Master baseline primed with %d open position(s)", len(current))
		return
	}

	// Changed or new symbols.
	for symbol, now := range current {
		prev := p.lastSnap[symbol] // zero value when absent
		p.emitDelta(symbol, prev.Qty, now.Qty, now.EntryPrice)
	}
	// Symbols fully closed since last snapshot.
	for symbol, prev := range p.lastSnap {
		if _, still := current[symbol]; !still {
			p.emitDelta(symbol, prev.Qty, 0, prev.EntryPrice)
		}
	}

	p.lastSnap = current
}

// emitDelta converts a signed quantity change into a sided signal.
// Must hold p.mu.
func (p *Poller) emitDelta(symbol string, prevQty, nowQty, refPrice float64) {
	delta := nowQty - prevQty
	if math.Abs(delta) < qtyEpsilon {
		return
	}

	side := exchange.SideBuy
	if delta < 0 {
		side = exchange.SideSell
	}
	// Moving toward flat is a reduce; crossing zero is handled by the
	// venue as close-then-open on the same order.
	reduceOnly := math.Abs(nowQty) < math.Abs(prevQty) && sameSign(prevQty, nowQty)

	p.seq++
	sig := Signal{
		ID:         uuid.NewString(),
		Source:     SourceMasterPoll,
		Symbol:     symbol,
		Side:       side,
		SizeDelta:  math.Abs(delta),
		Price:      refPrice,
		Seq:        p.seq,
		ReduceOnly: reduceOnly,
		At:         time.Now(),
	}
	if err := p.ingestor.Submit(sig); err != nil {
		log.Printf("⚠️ Poller signal %s not accepted: %v", sig.ID, err)
	}
}

func sameSign(a, b float64) bool {
	if b == 0 {
		return true // fully closing keeps reduce-only semantics
	}
	return (a > 0) == (b > 0)
}
