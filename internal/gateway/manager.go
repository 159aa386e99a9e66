// Package gateway pools exchange adapters per account with LRU
// eviction, health checks, and a simple circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mirror-core/internal/registry"
	"mirror-core/pkg/exchanges"
	exchange "mirror-core/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAdapterUnhealthy = errors.New("adapter is unhealthy")
	ErrPoolFull         = errors.New("adapter pool is full")
)

// Factory builds an adapter for an account. Overridable in tests.
type Factory func(acct *registry.Account, creds exchange.Credentials) (exchange.Adapter, error)

// cachedAdapter holds an adapter with lifecycle metadata.
type cachedAdapter struct {
	adapter      exchange.Adapter
	accountID    string
	exchangeType string
	createdAt    time.Time
	lastUsed     time.Time
	healthyAt    time.Time
	failures     int
}

// Config tunes the adapter pool.
type Config struct {
	MaxSize          int           // cached adapters before LRU eviction
	IdleTimeout      time.Duration // idle adapters are dropped
	HealthInterval   time.Duration // interval between Ping sweeps
	FailureThreshold int           // failures before the breaker opens
	CircuitTimeout   time.Duration // breaker open duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager owns the adapter pool. All accounts share one limiter
// registry so accounts reusing an API key share a rate budget.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*cachedAdapter // accountID -> adapter
	lruOrder []string                  // oldest first

	config   Config
	accounts *registry.Registry
	factory  Factory
	limiters *exchange.LimiterRegistry
	testnet  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates an adapter pool backed by the account registry.
// A nil factory uses the real exchange clients.
func NewManager(accounts *registry.Registry, cfg Config, testnet bool, factory Factory) *Manager {
	m := &Manager{
		adapters: make(map[string]*cachedAdapter),
		lruOrder: make([]string, 0),
		config:   cfg,
		accounts: accounts,
		limiters: exchange.NewLimiterRegistry(exchanges.DefaultLimits()),
		testnet:  testnet,
		stopCh:   make(chan struct{}),
	}
	if factory != nil {
		m.factory = factory
	} else {
		m.factory = m.defaultFactory
	}
	return m
}

func (m *Manager) defaultFactory(acct *registry.Account, creds exchange.Credentials) (exchange.Adapter, error) {
	return exchanges.New(acct.ExchangeType, creds, exchanges.Options{
		Limiters: m.limiters,
		Testnet:  m.testnet,
	})
}

// Start begins idle cleanup and health check loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop shuts the pool down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.adapters {
		delete(m.adapters, id)
	}
	m.lruOrder = nil
}

// Adapter returns a cached adapter for the account or creates one,
// decrypting credentials on demand.
func (m *Manager) Adapter(ctx context.Context, accountID string) (exchange.Adapter, error) {
	m.mu.RLock()
	if cached, ok := m.adapters[accountID]; ok {
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, fmt.Errorf("%w: account %s", ErrAdapterUnhealthy, accountID)
		}
		m.mu.RUnlock()
		m.touchLRU(accountID)
		return cached.adapter, nil
	}
	m.mu.RUnlock()

	return m.create(ctx, accountID)
}

func (m *Manager) create(_ context.Context, accountID string) (exchange.Adapter, error) {
	acct, err := m.accounts.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	creds, err := m.accounts.Credentials(accountID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cached, ok := m.adapters[accountID]; ok {
		m.touchLRULocked(accountID)
		return cached.adapter, nil
	}

	if len(m.adapters) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	adapter, err := m.factory(acct, creds)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	now := time.Now()
	m.adapters[accountID] = &cachedAdapter{
		adapter:      adapter,
		accountID:    accountID,
		exchangeType: acct.ExchangeType,
		createdAt:    now,
		lastUsed:     now,
		healthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, accountID)
	return adapter, nil
}

// Remove drops an account's adapter, forcing recreation on next use.
// Call after credential rotation.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[accountID]; ok {
		delete(m.adapters, accountID)
		m.removeLRULocked(accountID)
	}
}

// RecordFailure bumps the breaker counter for an account's adapter.
func (m *Manager) RecordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[accountID]; ok {
		cached.failures++
	}
}

// RecordSuccess resets the breaker.
func (m *Manager) RecordSuccess(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[accountID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats reports pool occupancy for the metrics endpoint.
type PoolStats struct {
	Total          int            `json:"total"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		Total:          len(m.adapters),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, cached := range m.adapters {
		stats.ByExchangeType[cached.exchangeType]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- internal helpers ---

func (m *Manager) touchLRU(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(accountID)
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.adapters[accountID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.adapters, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.adapters {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.adapters, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(ctx, id)
	}
}

func (m *Manager) healthCheck(ctx context.Context, accountID string) {
	m.mu.RLock()
	cached, ok := m.adapters[accountID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	adapter := cached.adapter
	m.mu.RUnlock()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := adapter.Ping(pingCtx)
	cancel()

	if err != nil {
		m.RecordFailure(accountID)
	} else {
		m.RecordSuccess(accountID)
	}
}
