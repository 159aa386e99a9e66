package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mirror-core/internal/events"
	"mirror-core/internal/gateway"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("execution pool is closed")

// Fill is a confirmed execution handed to the position ledger.
type Fill struct {
	AccountID string
	Symbol    string
	Side      exchange.Side
	Qty       float64
	Price     float64
	At        time.Time
}

// FillSink receives confirmed fills. The ledger implements this.
type FillSink interface {
	ApplyFill(f Fill) error
}

// Config tunes the worker pool.
type Config struct {
	WorkersPerLane int
	MaxAttempts    int
	AttemptTimeout time.Duration
	LaneBuffer     int
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		WorkersPerLane: 4,
		MaxAttempts:    5,
		AttemptTimeout: 10 * time.Second,
		LaneBuffer:     256,
	}
}

// lane serializes venue traffic per credential set. The priority
// channel carries panic-close intents and is always drained first.
type lane struct {
	normal   chan Intent
	priority chan Intent
}

// Pool executes intents through per-credential lanes with WAL-backed
// durability and bounded idempotent retries.
type Pool struct {
	cfg        Config
	gateways   *gateway.Manager
	accounts   *registry.Registry
	wal        *IntentWAL
	database   *db.Database
	bus        *events.Bus
	fills      FillSink
	instanceID string

	mu       sync.Mutex
	lanes    map[string]*lane
	watchers map[string][]chan Result
	retries  map[string]*backoff.ExponentialBackOff
	timers   map[string]*time.Timer
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires the pool. Call Recover then use Submit.
func NewPool(cfg Config, gateways *gateway.Manager, accounts *registry.Registry, wal *IntentWAL, database *db.Database, bus *events.Bus, fills FillSink, instanceID string) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		gateways:   gateways,
		accounts:   accounts,
		wal:        wal,
		database:   database,
		bus:        bus,
		fills:      fills,
		instanceID: instanceID,
		lanes:      make(map[string]*lane),
		watchers:   make(map[string][]chan Result),
		retries:    make(map[string]*backoff.ExponentialBackOff),
		timers:     make(map[string]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Recover re-enqueues intents the WAL held at the last shutdown.
// Recovered intents start at attempt 1 so the worker probes the venue
// for an existing order before placing again.
func (p *Pool) Recover() error {
	intents, err := p.wal.Recover()
	if err != nil {
		return fmt.Errorf("recover intents: %w", err)
	}
	for _, in := range intents {
		if in.Attempt == 0 {
			in.Attempt = 1
		}
		p.enqueue(in)
	}
	return nil
}

// Watch returns a channel that receives the terminal result for key.
// Register before Submit to avoid missing a fast completion.
func (p *Pool) Watch(key string) <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.watchers[key] = append(p.watchers[key], ch)
	p.mu.Unlock()
	return ch
}

// Submit durably records and enqueues an intent. On failure any
// watchers registered for the key are dropped, since no terminal
// result will ever arrive for it.
func (p *Pool) Submit(in Intent) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dropWatchers(in.Key)
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if err := p.wal.Append(in); err != nil {
		p.dropWatchers(in.Key)
		return err
	}
	p.enqueue(in)
	return nil
}

func (p *Pool) dropWatchers(key string) {
	p.mu.Lock()
	delete(p.watchers, key)
	p.mu.Unlock()
}

// enqueue routes an intent to its lane, creating the lane on demand.
func (p *Pool) enqueue(in Intent) {
	l := p.laneFor(in.LaneKey)
	target := l.normal
	if in.Priority {
		target = l.priority
	}
	select {
	case target <- in:
	case <-p.ctx.Done():
	}
}

func (p *Pool) laneFor(key string) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lanes[key]; ok {
		return l
	}
	l := &lane{
		normal:   make(chan Intent, p.cfg.LaneBuffer),
		priority: make(chan Intent, p.cfg.LaneBuffer),
	}
	p.lanes[key] = l
	for i := 0; i < p.cfg.WorkersPerLane; i++ {
		p.wg.Add(1)
		go p.worker(l)
	}
	return l
}

// worker drains a lane, always preferring the priority channel.
func (p *Pool) worker(l *lane) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case in := <-l.priority:
			p.execute(in)
		default:
			select {
			case <-p.ctx.Done():
				return
			case in := <-l.priority:
				p.execute(in)
			case in := <-l.normal:
				p.execute(in)
			}
		}
	}
}

func (p *Pool) execute(in Intent) {
	adapter, err := p.gateways.Adapter(p.ctx, in.AccountID)
	if err != nil {
		p.retryOrFail(in, fmt.Errorf("adapter: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AttemptTimeout)
	defer cancel()

	// On a retry the order may already sit on the venue from a prior
	// attempt whose ack we never saw. Probe by client id first.
	if in.Attempt > 0 {
		if res, err := adapter.FetchOrderByClientID(ctx, in.Symbol, in.Key); err == nil {
			p.finish(in, resultFromOrder(in, res))
			return
		} else if !errors.Is(err, exchange.ErrOrderNotFound) {
			p.retryOrFail(in, fmt.Errorf("probe order: %w", err))
			return
		}
	}

	res, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Type:       exchange.OrderTypeMarket,
		Qty:        in.Qty,
		ClientID:   in.Key,
		ReduceOnly: in.ReduceOnly,
		Leverage:   in.Leverage,
	})
	if err != nil {
		p.handlePlaceError(in, err)
		return
	}

	p.gateways.RecordSuccess(in.AccountID)
	p.accounts.RecordAuthSuccess(in.AccountID)

	switch res.Status {
	case exchange.StatusNew, exchange.StatusUnknown:
		// Ack without a fill report; probe on the next attempt.
		p.retryOrFail(in, fmt.Errorf("order %s acked without fill status", in.Key))
	default:
		p.finish(in, resultFromOrder(in, res))
	}
}

func (p *Pool) handlePlaceError(in Intent, err error) {
	if exchange.IsAuth(err) {
		p.gateways.RecordFailure(in.AccountID)
		p.accounts.RecordAuthError(in.AccountID)
		p.finish(in, failResult(in, ResultFailed, err))
		return
	}
	if exchange.IsRetryable(err) {
		p.gateways.RecordFailure(in.AccountID)
		p.retryOrFail(in, err)
		return
	}
	// Deterministic rejection (bad params, balance, symbol): retrying
	// cannot help.
	p.finish(in, failResult(in, ResultRejected, err))
}

// retryOrFail schedules the next attempt with exponential backoff, or
// finalizes as failed once attempts are exhausted.
func (p *Pool) retryOrFail(in Intent, cause error) {
	next := in
	next.Attempt++
	if next.Attempt >= p.cfg.MaxAttempts {
		p.finish(in, failResult(in, ResultFailed,
			fmt.Errorf("attempts exhausted (%d): %w", p.cfg.MaxAttempts, cause)))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	bo, ok := p.retries[in.Key]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0
		p.retries[in.Key] = bo
	}
	delay := bo.NextBackOff()
	p.timers[in.Key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, in.Key)
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.enqueue(next)
		}
	})
	p.mu.Unlock()

	log.Printf("🔁 Intent %s attempt %d failed, retrying in %s: %v",
		in.Key, in.Attempt+1, delay.Round(time.Millisecond), cause)
}

// finish records the terminal outcome: audit row, ledger fill, event,
// WAL tombstone, watcher notification. Ordering matters: the audit row
// lands before the tombstone so replay after a crash stays a no-op.
func (p *Pool) finish(in Intent, res Result) {
	audit := &db.Execution{
		IntentKey:       in.Key,
		SignalID:        in.SignalID,
		AccountID:       in.AccountID,
		Symbol:          in.Symbol,
		Side:            string(in.Side),
		Qty:             in.Qty,
		Price:           in.Price,
		Status:          res.Status,
		ExchangeOrderID: res.ExchangeOrderID,
		FilledQty:       res.FilledQty,
		AvgPrice:        res.AvgPrice,
		Error:           res.Err,
		Attempts:        res.Attempts,
		InstanceID:      p.instanceID,
	}
	if err := p.database.InsertExecution(audit); err != nil {
		log.Printf("❌ Audit insert for intent %s failed: %v", in.Key, err)
	}

	if res.Filled() && p.fills != nil {
		if err := p.fills.ApplyFill(Fill{
			AccountID: in.AccountID,
			Symbol:    in.Symbol,
			Side:      in.Side,
			Qty:       res.FilledQty,
			Price:     res.AvgPrice,
			At:        res.At,
		}); err != nil {
			log.Printf("❌ Ledger apply for intent %s failed: %v", in.Key, err)
		}
	}

	if p.bus != nil {
		p.bus.Publish(events.EventExecutionResult, res)
	}
	p.wal.MarkComplete(in.Key)

	p.mu.Lock()
	delete(p.retries, in.Key)
	watchers := p.watchers[in.Key]
	delete(p.watchers, in.Key)
	p.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- res:
		default:
		}
	}

	if res.Status == ResultFilled {
		log.Printf("✅ Intent %s filled: %.8f @ %.4f (attempt %d)",
			in.Key, res.FilledQty, res.AvgPrice, res.Attempts)
	} else {
		log.Printf("⛔ Intent %s terminal %s: %s", in.Key, res.Status, res.Err)
	}
}

// Stop drains nothing further and waits for in-flight attempts.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	for key, t := range p.timers {
		t.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Depth reports queued intents across lanes, for metrics.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, l := range p.lanes {
		total += len(l.normal) + len(l.priority)
	}
	return total
}

func resultFromOrder(in Intent, res exchange.OrderResult) Result {
	status := ResultFilled
	switch res.Status {
	case exchange.StatusFilled:
		status = ResultFilled
	case exchange.StatusPartial:
		status = ResultPartialFilled
	case exchange.StatusRejected, exchange.StatusCanceled, exchange.StatusExpired:
		status = ResultRejected
	}
	out := Result{
		IntentKey:       in.Key,
		SignalID:        in.SignalID,
		AccountID:       in.AccountID,
		Symbol:          in.Symbol,
		Side:            in.Side,
		Status:          status,
		ExchangeOrderID: res.ExchangeOrderID,
		FilledQty:       res.FilledQty,
		AvgPrice:        res.AvgPrice,
		Attempts:        in.Attempt + 1,
		At:              time.Now(),
	}
	if status == ResultRejected {
		out.Err = fmt.Sprintf("venue status %s", res.Status)
	}
	return out
}

func failResult(in Intent, status string, cause error) Result {
	return Result{
		IntentKey: in.Key,
		SignalID:  in.SignalID,
		AccountID: in.AccountID,
		Symbol:    in.Symbol,
		Side:      in.Side,
		Status:    status,
		Err:       cause.Error(),
		Attempts:  in.Attempt + 1,
		At:        time.Now(),
	}
}
