package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the mirroring engine submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order to be sent to an exchange.
// ClientID carries the intent idempotency key and is forwarded as the
// venue's native client order id on every attempt.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // required for LIMIT
	ClientID   string
	ReduceOnly bool
	Leverage   int // futures leverage (optional)
}

// OrderResult returns the exchange ack plus fill detail when available.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// PositionInfo is a venue position snapshot. Qty is signed: positive
// for long, negative for short.
type PositionInfo struct {
	Symbol        string
	Qty           float64
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
}

// Credentials holds a decrypted API key pair for one venue connection.
type Credentials struct {
	APIKey    string
	APISecret string
}
