package common

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/time/rate"
)

// Fingerprint derives a stable, non-reversible identifier for a
// credential set. Accounts sharing an API key share a fingerprint and
// therefore a rate limit bucket and a worker pool.
func Fingerprint(exchangeType, apiKey string) string {
	sum := sha256.Sum256([]byte(exchangeType + "|" + apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

// VenueLimit describes a token bucket for one venue.
type VenueLimit struct {
	PerSecond float64
	Burst     int
}

// LimiterRegistry hands out token-bucket limiters scoped to
// (exchange, credential set). All adapter instances built from the
// same API key share one bucket, so concurrent workers for different
// slave accounts on the same key cannot exceed the venue limit.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults map[string]VenueLimit
	fallback VenueLimit
}

// NewLimiterRegistry creates a registry with per-venue defaults.
func NewLimiterRegistry(defaults map[string]VenueLimit) *LimiterRegistry {
	if defaults == nil {
		defaults = map[string]VenueLimit{}
	}
	return &LimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		defaults: defaults,
		fallback: VenueLimit{PerSecond: 8, Burst: 16},
	}
}

// Limiter returns the shared limiter for the given credential set,
// creating it on first use.
func (r *LimiterRegistry) Limiter(exchangeType, apiKey string) *rate.Limiter {
	key := Fingerprint(exchangeType, apiKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[key]; ok {
		return lim
	}
	vl, ok := r.defaults[exchangeType]
	if !ok {
		vl = r.fallback
	}
	lim := rate.NewLimiter(rate.Limit(vl.PerSecond), vl.Burst)
	r.limiters[key] = lim
	return lim
}
