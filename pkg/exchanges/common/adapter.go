package common

import "context"

// Adapter abstracts a trading venue behind a uniform capability set.
// Implementations hide authentication, signing, rate limiting and wire
// format; callers never branch on venue identity.
//
// PlaceOrder must be idempotent with respect to OrderRequest.ClientID:
// resubmitting the same ClientID after a timeout must not create a
// second order. Venues without native client-order-id dedup implement
// the fallback via FetchOrderByClientID before resubmission.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	FetchPosition(ctx context.Context, symbol string) (PositionInfo, error)
	FetchPositions(ctx context.Context) ([]PositionInfo, error)
	FetchBalance(ctx context.Context) (float64, error)
	// FetchOrderByClientID looks up a previously submitted order by its
	// client order id. Returns ErrOrderNotFound when the venue has no
	// record of it.
	FetchOrderByClientID(ctx context.Context, symbol, clientID string) (OrderResult, error)
	Ping(ctx context.Context) error
}
