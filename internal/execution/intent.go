// Package execution turns sized order intents into exchange orders
// through per-credential worker lanes, with WAL-backed durability and
// idempotent retries.
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	exchange "mirror-core/pkg/exchanges/common"
)

// Terminal result statuses.
const (
	ResultFilled        = "filled"
	ResultPartialFilled = "partially_filled"
	ResultRejected      = "rejected"
	ResultFailed        = "failed"
)

// Intent is one sized order for one slave account. Its Key doubles as
// the venue client order id, making every retry idempotent.
type Intent struct {
	Key        string        `json:"key"`
	SignalID   string        `json:"signal_id"`
	AccountID  string        `json:"account_id"`
	LaneKey    string        `json:"lane_key"` // credential fingerprint
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Qty        float64       `json:"qty"`
	Price      float64       `json:"price"`
	Leverage   int           `json:"leverage"`
	ReduceOnly bool          `json:"reduce_only"`
	Priority   bool          `json:"priority"` // panic-close lane
	Attempt    int           `json:"attempt"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Result is the terminal outcome of one intent.
type Result struct {
	IntentKey       string        `json:"intent_key"`
	SignalID        string        `json:"signal_id"`
	AccountID       string        `json:"account_id"`
	Symbol          string        `json:"symbol"`
	Side            exchange.Side `json:"side"`
	Status          string        `json:"status"`
	ExchangeOrderID string        `json:"exchange_order_id"`
	FilledQty       float64       `json:"filled_qty"`
	AvgPrice        float64       `json:"avg_price"`
	Err             string        `json:"error,omitempty"`
	Attempts        int           `json:"attempts"`
	At              time.Time     `json:"at"`
}

// Filled reports whether anything actually executed.
func (r Result) Filled() bool {
	return r.Status == ResultFilled || r.Status == ResultPartialFilled
}

// IntentKey derives the deterministic idempotency key for a
// (signal, account) pair. Same signal replayed to the same account
// always yields the same key.
func IntentKey(signalID, accountID string) string {
	sum := sha256.Sum256([]byte(signalID + "|" + accountID))
	return "mir-" + hex.EncodeToString(sum[:])[:20]
}
