// Package exchanges selects a concrete venue adapter from account
// configuration. All venue branching lives here.
package exchanges

import (
	"fmt"

	"mirror-core/pkg/exchanges/binance"
	"mirror-core/pkg/exchanges/common"
	"mirror-core/pkg/exchanges/mock"
	"mirror-core/pkg/exchanges/toobit"
)

// Supported exchange type identifiers, as stored on account rows.
const (
	TypeBinanceUSDTFut = "binance-usdtfut"
	TypeToobitFutures  = "toobit-futures"
	TypeMock           = "mock"
)

// Options carries cross-adapter wiring.
type Options struct {
	Limiters *common.LimiterRegistry
	Testnet  bool
}

// New builds an adapter for the given exchange type. The token bucket
// is shared per (exchange, credential set) via the registry.
func New(exchangeType string, creds common.Credentials, opts Options) (common.Adapter, error) {
	switch exchangeType {
	case TypeBinanceUSDTFut:
		cfg := binance.Config{Credentials: creds, Testnet: opts.Testnet}
		if opts.Limiters != nil {
			cfg.Limiter = opts.Limiters.Limiter(exchangeType, creds.APIKey)
		}
		return binance.New(cfg), nil
	case TypeToobitFutures:
		cfg := toobit.Config{Credentials: creds}
		if opts.Limiters != nil {
			cfg.Limiter = opts.Limiters.Limiter(exchangeType, creds.APIKey)
		}
		return toobit.New(cfg), nil
	case TypeMock:
		return mock.New(10000), nil
	default:
		return nil, fmt.Errorf("unsupported exchange_type %q", exchangeType)
	}
}

// DefaultLimits are conservative per-venue token buckets; venues ban
// keys that trip their limits, so these sit well under the documented
// ceilings.
func DefaultLimits() map[string]common.VenueLimit {
	return map[string]common.VenueLimit{
		TypeBinanceUSDTFut: {PerSecond: 10, Burst: 20},
		TypeToobitFutures:  {PerSecond: 5, Burst: 10},
		TypeMock:           {PerSecond: 1000, Burst: 1000},
	}
}
