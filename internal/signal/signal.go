// Package signal turns raw master-account activity into validated,
// deduplicated trade signals for the dispatcher.
package signal

import (
	"time"

	exchange "mirror-core/pkg/exchanges/common"
)

// Signal is one master position delta to be mirrored.
type Signal struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"` // signal origin, e.g. "master-poll" or "webhook"
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	SizeDelta  float64       `json:"size_delta"` // absolute master quantity change
	Price      float64       `json:"price"`      // reference price at signal time
	Seq        int64         `json:"seq"`        // per-source monotonic sequence
	ReduceOnly bool          `json:"reduce_only"`
	At         time.Time     `json:"at"`
}

// Sink receives accepted signals. The dispatcher implements this.
type Sink interface {
	Dispatch(sig Signal)
}
