package dispatch

import (
	"errors"
	"fmt"

	"mirror-core/internal/registry"
	"mirror-core/pkg/symbols"
)

// Skip reasons surfaced in logs and cycle summaries.
var (
	ErrNoEquity        = errors.New("equity unavailable")
	ErrBelowMinBalance = errors.New("slave equity below min balance")
	ErrBelowMinQty     = errors.New("sized quantity below venue minimum")
	ErrBelowNotional   = errors.New("sized notional below venue minimum")
	ErrZeroAfterRound  = errors.New("quantity rounds to zero")
)

// SizeOrder scales the master's quantity delta to a slave account.
//
//	slaveQty = masterDelta * (slaveEquity / masterEquity) * riskPercent
//
// RiskPercent acts as a multiplier on the equity-proportional size:
// 1.0 mirrors proportionally, 0.5 takes half-size. The result is then
// clamped to the account's max position size and the venue's notional
// band, and floored to the symbol's quantity step.
func SizeOrder(masterDelta, masterEquity, slaveEquity, price float64, risk registry.RiskProfile, filter symbols.Filter, reduceOnly bool) (float64, error) {
	if masterEquity <= 0 || slaveEquity <= 0 {
		return 0, ErrNoEquity
	}
	if !reduceOnly && slaveEquity < risk.MinBalance {
		return 0, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinBalance, slaveEquity, risk.MinBalance)
	}

	qty := masterDelta * (slaveEquity / masterEquity) * risk.RiskPercent

	if risk.MaxPositionSize > 0 && qty > risk.MaxPositionSize {
		qty = risk.MaxPositionSize
	}

	// Closing orders skip the notional band: a slave must always be
	// able to follow the master out of a position.
	if !reduceOnly && price > 0 {
		notional := qty * price
		if filter.MinNotional > 0 && notional < filter.MinNotional {
			return 0, fmt.Errorf("%w: %.4f < %.4f", ErrBelowNotional, notional, filter.MinNotional)
		}
		if filter.MaxNotional > 0 && notional > filter.MaxNotional {
			qty = filter.MaxNotional / price
		}
	}

	qty = filter.RoundToStep(qty)
	if qty <= 0 {
		return 0, ErrZeroAfterRound
	}
	if !reduceOnly && filter.MinQty > 0 && qty < filter.MinQty {
		return 0, fmt.Errorf("%w: %.8f < %.8f", ErrBelowMinQty, qty, filter.MinQty)
	}
	return qty, nil
}
