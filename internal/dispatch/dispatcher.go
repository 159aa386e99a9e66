// Package dispatch fans accepted signals out to eligible slave
// accounts, sizing each order to the slave's equity and risk profile.
package dispatch

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mirror-core/internal/execution"
	"mirror-core/internal/gateway"
	"mirror-core/internal/ledger"
	"mirror-core/internal/registry"
	"mirror-core/internal/signal"
	"mirror-core/pkg/cache"
	"mirror-core/pkg/db"
	"mirror-core/pkg/symbols"
)

// equityMaxAge bounds how stale a cached equity snapshot may be before
// the dispatcher refetches it from the venue.
const equityMaxAge = 30 * time.Second

// Config tunes the dispatcher.
type Config struct {
	CycleTimeout time.Duration // how long one signal cycle may take
	LaneBuffer   int           // queued signals per (source, symbol) lane
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{CycleTimeout: 30 * time.Second, LaneBuffer: 64}
}

// Dispatcher is the fan-out stage between ingestion and execution.
// Signals for the same (source, symbol) are processed strictly in
// order; different symbols proceed concurrently.
type Dispatcher struct {
	cfg      Config
	accounts *registry.Registry
	gateways *gateway.Manager
	pool     *execution.Pool
	ledger   *ledger.Ledger
	table    *symbols.Table
	equity   *cache.Sharded

	paused atomic.Bool

	mu    sync.Mutex
	lanes map[string]chan signal.Signal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the dispatcher.
func New(cfg Config, accounts *registry.Registry, gateways *gateway.Manager, pool *execution.Pool, led *ledger.Ledger, table *symbols.Table) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		accounts: accounts,
		gateways: gateways,
		pool:     pool,
		ledger:   led,
		table:    table,
		equity:   cache.NewSharded(),
		lanes:    make(map[string]chan signal.Signal),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Pause stops mirroring new signals. In-flight executions finish.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume re-enables mirroring.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports the current state.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Dispatch implements signal.Sink. Routing is per (source, symbol) so
// ordering within a symbol is preserved while symbols stay independent.
// A signal arriving while its lane is busy waits behind the active
// cycle; a master delta is never discarded.
func (d *Dispatcher) Dispatch(sig signal.Signal) {
	if d.paused.Load() {
		log.Printf("⏸️ Mirroring paused, signal %s dropped", sig.ID)
		return
	}
	lane := d.laneFor(sig.Source + "|" + sig.Symbol)
	select {
	case lane <- sig:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) laneFor(key string) chan signal.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lane, ok := d.lanes[key]; ok {
		return lane
	}
	lane := make(chan signal.Signal, d.cfg.LaneBuffer)
	d.lanes[key] = lane
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-lane:
				d.runCycle(sig)
			}
		}
	}()
	return lane
}

// runCycle mirrors one signal to every eligible slave and waits for
// all terminal results (or the cycle timeout). One slave's failure
// never blocks or aborts the others.
func (d *Dispatcher) runCycle(sig signal.Signal) {
	started := time.Now()

	master, err := d.accounts.Master()
	if err != nil {
		log.Printf("⚠️ Signal %s: no master account registered", sig.ID)
		return
	}
	masterEquity, err := d.equityFor(master.ID)
	if err != nil {
		log.Printf("⚠️ Signal %s: master equity unavailable: %v", sig.ID, err)
		return
	}

	filter, ok := d.table.Get(sig.Symbol)
	if !ok {
		log.Printf("⚠️ Signal %s: symbol %s missing from filter table", sig.ID, sig.Symbol)
		return
	}

	slaves := d.accounts.ListEligibleSlaves()
	if len(slaves) == 0 {
		log.Printf("📭 Signal %s: no eligible slaves", sig.ID)
		return
	}

	type pending struct {
		accountID string
		ch        <-chan execution.Result
	}
	var waits []pending
	skipped := 0

	for _, slave := range slaves {
		in, err := d.buildIntent(sig, slave, masterEquity, filter)
		if err != nil {
			skipped++
			log.Printf("⏭️ Signal %s skips %s: %v", sig.ID, slave.ID, err)
			continue
		}
		ch := d.pool.Watch(in.Key)
		if err := d.pool.Submit(in); err != nil {
			skipped++
			log.Printf("❌ Signal %s submit for %s failed: %v", sig.ID, slave.ID, err)
			continue
		}
		waits = append(waits, pending{accountID: slave.ID, ch: ch})
	}

	deadline := time.NewTimer(d.cfg.CycleTimeout)
	defer deadline.Stop()

	filled, failed, timedOut := 0, 0, 0
	for _, w := range waits {
		select {
		case res := <-w.ch:
			if res.Filled() {
				filled++
			} else {
				failed++
			}
		case <-deadline.C:
			// Remaining results arrive later through the pool; the
			// cycle just stops waiting.
			timedOut = len(waits) - filled - failed
			log.Printf("⏱️ Signal %s cycle timed out with %d result(s) pending", sig.ID, timedOut)
			goto done
		case <-d.ctx.Done():
			return
		}
	}
done:
	log.Printf("📊 Signal %s cycle: %d filled, %d failed, %d skipped, %d pending in %s",
		sig.ID, filled, failed, skipped, timedOut, time.Since(started).Round(time.Millisecond))
}

// buildIntent sizes and assembles the order for one slave.
func (d *Dispatcher) buildIntent(sig signal.Signal, slave *registry.Account, masterEquity float64, filter symbols.Filter) (execution.Intent, error) {
	slaveEquity, err := d.equityFor(slave.ID)
	if err != nil {
		return execution.Intent{}, err
	}

	qty, err := SizeOrder(sig.SizeDelta, masterEquity, slaveEquity, sig.Price, slave.Risk, filter, sig.ReduceOnly)
	if err != nil {
		return execution.Intent{}, err
	}

	if sig.ReduceOnly {
		// A reduce can never exceed what the slave actually holds.
		pos, err := d.ledger.Position(slave.ID, sig.Symbol)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				return execution.Intent{}, err
			}
			return execution.Intent{}, errors.New("no open position to reduce")
		}
		held := math.Abs(pos.Qty)
		if qty > held {
			qty = held
		}
		if qty <= 0 {
			return execution.Intent{}, errors.New("no open position to reduce")
		}
	} else if slave.Risk.MaxPositions > 0 {
		open, err := d.ledger.OpenPositions(slave.ID)
		if err != nil {
			return execution.Intent{}, err
		}
		holdsSymbol := false
		for _, p := range open {
			if p.Symbol == sig.Symbol {
				holdsSymbol = true
				break
			}
		}
		if !holdsSymbol && len(open) >= slave.Risk.MaxPositions {
			return execution.Intent{}, errors.New("max open positions reached")
		}
	}

	return execution.Intent{
		Key:        execution.IntentKey(sig.ID, slave.ID),
		SignalID:   sig.ID,
		AccountID:  slave.ID,
		LaneKey:    slave.CredFingerprint,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Qty:        qty,
		Price:      sig.Price,
		Leverage:   slave.Risk.Leverage,
		ReduceOnly: sig.ReduceOnly,
		CreatedAt:  time.Now(),
	}, nil
}

// equityFor returns a recent equity snapshot, refetching when stale.
func (d *Dispatcher) equityFor(accountID string) (float64, error) {
	if eq, ok := d.equity.GetFresh(accountID, equityMaxAge); ok {
		return eq, nil
	}
	adapter, err := d.gateways.Adapter(d.ctx, accountID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	eq, err := adapter.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	d.equity.Set(accountID, eq)
	return eq, nil
}

// Stop drains no further signals and waits for running cycles.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
