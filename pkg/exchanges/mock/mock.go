// Package mock provides a scripted in-memory exchange adapter for
// tests and dry runs.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"mirror-core/pkg/exchanges/common"
)

const venue = "mock"

// Adapter simulates a venue. Orders submitted with a client id the
// adapter has already seen return the original result instead of
// creating a second order, matching real venue idempotency.
type Adapter struct {
	mu sync.Mutex

	balance   float64
	positions map[string]common.PositionInfo
	orders    map[string]common.OrderResult // clientID -> result
	placed    []common.OrderRequest         // every PlaceOrder call that created an order
	seq       int64

	// FailNext maps a symbol to an error kind returned on the next
	// PlaceOrder for it. "once" failures are consumed.
	failNext map[string]failure

	Latency time.Duration
}

type failure struct {
	kind common.ErrorKind
	once bool
}

// New creates a mock adapter with the given starting balance.
func New(balance float64) *Adapter {
	return &Adapter{
		balance:   balance,
		positions: make(map[string]common.PositionInfo),
		orders:    make(map[string]common.OrderResult),
		failNext:  make(map[string]failure),
	}
}

// FailWith scripts the next PlaceOrder for symbol to fail with kind.
// When once is true the failure is consumed by the first attempt.
func (a *Adapter) FailWith(symbol string, kind common.ErrorKind, once bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[symbol] = failure{kind: kind, once: once}
}

// SetPosition seeds a position. Qty is signed.
func (a *Adapter) SetPosition(symbol string, qty, entry float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions[symbol] = common.PositionInfo{Symbol: symbol, Qty: qty, EntryPrice: entry}
}

// SetBalance overrides the reported balance.
func (a *Adapter) SetBalance(balance float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
}

// Placed returns a copy of every order that actually hit the book.
func (a *Adapter) Placed() []common.OrderRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]common.OrderRequest, len(a.placed))
	copy(out, a.placed)
	return out
}

func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return common.OrderResult{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if f, ok := a.failNext[req.Symbol]; ok {
		if f.once {
			delete(a.failNext, req.Symbol)
		}
		return common.OrderResult{}, common.NewAPIError(f.kind, venue, "scripted failure")
	}

	// Native idempotency: a repeated client id returns the first ack.
	if req.ClientID != "" {
		if prev, ok := a.orders[req.ClientID]; ok {
			return prev, nil
		}
	}

	a.seq++
	res := common.OrderResult{
		ExchangeOrderID: venueOrderID(a.seq),
		ClientID:        req.ClientID,
		Status:          common.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        req.Price,
	}
	if req.ClientID != "" {
		a.orders[req.ClientID] = res
	}
	a.placed = append(a.placed, req)
	a.applyFill(req)
	return res, nil
}

func (a *Adapter) applyFill(req common.OrderRequest) {
	delta := req.Qty
	if req.Side == common.SideSell {
		delta = -delta
	}
	pos := a.positions[req.Symbol]
	pos.Symbol = req.Symbol
	pos.Qty += delta
	if pos.Qty != 0 && req.Price > 0 {
		pos.EntryPrice = req.Price
	}
	a.positions[req.Symbol] = pos
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

func (a *Adapter) FetchOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res, ok := a.orders[clientID]; ok {
		return res, nil
	}
	return common.OrderResult{}, common.ErrOrderNotFound
}

func (a *Adapter) FetchPosition(ctx context.Context, symbol string) (common.PositionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.positions[symbol]; ok {
		return p, nil
	}
	return common.PositionInfo{Symbol: symbol}, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]common.PositionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]common.PositionInfo, 0, len(a.positions))
	for _, p := range a.positions {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (a *Adapter) Ping(ctx context.Context) error { return nil }

func venueOrderID(seq int64) string {
	// Mock ids look like real numeric exchange ids.
	const base = 9000000000
	return strconv.FormatInt(base+seq, 10)
}
