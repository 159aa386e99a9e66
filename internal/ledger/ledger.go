// Package ledger maintains the engine's view of every account's
// positions, realizes PnL on reductions, and emits a Trade when a
// position returns to flat.
package ledger

import (
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

const lockStripes = 32

const qtyEpsilon = 1e-9

// Ledger persists positions through the database and serializes
// updates per (account, symbol) with striped locks so concurrent fills
// for unrelated positions never contend.
type Ledger struct {
	locks    [lockStripes]sync.Mutex
	database *db.Database
	bus      *events.Bus
}

// New creates a ledger over the database.
func New(database *db.Database, bus *events.Bus) *Ledger {
	return &Ledger{database: database, bus: bus}
}

func (l *Ledger) lockFor(accountID, symbol string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	h.Write([]byte{'|'})
	h.Write([]byte(symbol))
	return &l.locks[h.Sum32()%lockStripes]
}

// ApplyFill folds one confirmed execution into the position. Implements
// the execution pool's fill sink.
func (l *Ledger) ApplyFill(f execution.Fill) error {
	if f.Qty <= 0 {
		return nil
	}
	mu := l.lockFor(f.AccountID, f.Symbol)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.database.GetPosition(f.AccountID, f.Symbol)
	if err != nil && err != db.ErrNotFound {
		return fmt.Errorf("load position: %w", err)
	}
	if err == db.ErrNotFound {
		pos = &db.Position{AccountID: f.AccountID, Symbol: f.Symbol, OpenedAt: f.At}
	}

	updated, trade, err := applyDelta(pos, f)
	if err != nil {
		return err
	}

	if math.Abs(updated.Qty) < qtyEpsilon && trade != nil {
		// Fully closed: the position row goes away, the trade stays.
		if err := l.database.DeletePosition(f.AccountID, f.Symbol); err != nil {
			return err
		}
	} else {
		if err := l.database.UpsertPosition(updated); err != nil {
			return err
		}
	}

	if trade != nil {
		if err := l.database.InsertTrade(trade); err != nil {
			return fmt.Errorf("record trade: %w", err)
		}
		log.Printf("💰 Trade closed: %s %s %s qty=%.8f pnl=%.4f",
			trade.AccountID, trade.Symbol, trade.Side, trade.Qty, trade.RealizedPnL)
		if l.bus != nil {
			l.bus.Publish(events.EventTradeClosed, trade)
		}
	}
	if l.bus != nil {
		l.bus.Publish(events.EventPositionChange, updated)
	}
	return nil
}

// applyDelta computes the post-fill position and, when the fill brings
// the position to flat, the closed Trade. Pure function so replay and
// live application share the same math.
func applyDelta(pos *db.Position, f execution.Fill) (*db.Position, *db.Trade, error) {
	delta := f.Qty
	if f.Side == exchange.SideSell {
		delta = -delta
	}

	p := *pos // work on a copy
	now := f.At
	if now.IsZero() {
		now = time.Now()
	}

	switch {
	case math.Abs(p.Qty) < qtyEpsilon:
		// Opening from flat.
		p.Qty = delta
		p.EntryPrice = f.Price
		p.RealizedPnL = 0
		p.ClosedQty = 0
		p.CloseNotional = 0
		p.OpenedAt = now
		return &p, nil, nil

	case sameSign(p.Qty, delta):
		// Scaling in: weighted average entry.
		total := math.Abs(p.Qty) + math.Abs(delta)
		p.EntryPrice = (p.EntryPrice*math.Abs(p.Qty) + f.Price*math.Abs(delta)) / total
		p.Qty += delta
		return &p, nil, nil

	default:
		closed := math.Min(math.Abs(delta), math.Abs(p.Qty))
		direction := 1.0
		if p.Qty < 0 {
			direction = -1.0
		}
		p.RealizedPnL += (f.Price - p.EntryPrice) * closed * direction
		p.ClosedQty += closed
		p.CloseNotional += f.Price * closed
		p.Qty += delta

		if math.Abs(p.Qty) < qtyEpsilon {
			// Flat: emit the round trip.
			trade := tradeFrom(&p, direction, now)
			p.Qty = 0
			return &p, trade, nil
		}
		if !sameSign(p.Qty, direction) {
			// Crossed zero: old position is a finished trade, the
			// remainder opens fresh at the fill price.
			trade := tradeFrom(&p, direction, now)
			p.EntryPrice = f.Price
			p.RealizedPnL = 0
			p.ClosedQty = 0
			p.CloseNotional = 0
			p.OpenedAt = now
			return &p, trade, nil
		}
		// Partial reduction, still open.
		return &p, nil, nil
	}
}

func tradeFrom(p *db.Position, direction float64, closedAt time.Time) *db.Trade {
	side := "long"
	if direction < 0 {
		side = "short"
	}
	exit := 0.0
	if p.ClosedQty > 0 {
		exit = p.CloseNotional / p.ClosedQty
	}
	return &db.Trade{
		ID:          uuid.NewString(),
		AccountID:   p.AccountID,
		Symbol:      p.Symbol,
		Side:        side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exit,
		Qty:         p.ClosedQty,
		RealizedPnL: p.RealizedPnL,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closedAt,
	}
}

func sameSign(a, b float64) bool {
	return (a > 0) == (b > 0)
}

// Position returns one account position.
func (l *Ledger) Position(accountID, symbol string) (*db.Position, error) {
	return l.database.GetPosition(accountID, symbol)
}

// OpenPositions lists non-flat positions, optionally for one account.
func (l *Ledger) OpenPositions(accountID string) ([]*db.Position, error) {
	return l.database.ListPositions(accountID)
}

// SyncPosition overwrites the ledger with the venue's truth. Used by
// reconciliation when drift is detected; entry price and PnL state of
// a drifted position are taken from the venue snapshot.
func (l *Ledger) SyncPosition(accountID, symbol string, venue exchange.PositionInfo) error {
	mu := l.lockFor(accountID, symbol)
	mu.Lock()
	defer mu.Unlock()

	if math.Abs(venue.Qty) < qtyEpsilon {
		return l.database.DeletePosition(accountID, symbol)
	}
	pos, err := l.database.GetPosition(accountID, symbol)
	if err != nil && err != db.ErrNotFound {
		return err
	}
	if err == db.ErrNotFound {
		pos = &db.Position{AccountID: accountID, Symbol: symbol, OpenedAt: time.Now()}
	}
	pos.Qty = venue.Qty
	pos.EntryPrice = venue.EntryPrice
	pos.UnrealizedPnL = venue.UnrealizedPnL
	return l.database.UpsertPosition(pos)
}

// Replay recomputes positions for an account purely from the execution
// audit trail and returns them without touching stored state. Empty
// accountID replays everything.
func (l *Ledger) Replay(accountID string) (map[string]*db.Position, error) {
	rows, err := l.database.ListExecutions(accountID, 0)
	if err != nil {
		return nil, err
	}

	positions := make(map[string]*db.Position)
	for _, row := range rows {
		if row.Status != execution.ResultFilled && row.Status != execution.ResultPartialFilled {
			continue
		}
		key := row.AccountID + "|" + row.Symbol
		pos, ok := positions[key]
		if !ok {
			pos = &db.Position{AccountID: row.AccountID, Symbol: row.Symbol, OpenedAt: row.CreatedAt}
		}
		next, _, err := applyDelta(pos, execution.Fill{
			AccountID: row.AccountID,
			Symbol:    row.Symbol,
			Side:      exchange.Side(row.Side),
			Qty:       row.FilledQty,
			Price:     row.AvgPrice,
			At:        row.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		if math.Abs(next.Qty) < qtyEpsilon {
			delete(positions, key)
		} else {
			positions[key] = next
		}
	}
	return positions, nil
}
