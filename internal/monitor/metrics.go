// Package monitor aggregates engine metrics for the /api/metrics
// endpoint: latency histograms, throughput counters, pool stats.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/internal/gateway"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	ExecutionLatency *LatencyHistogram
	CycleLatency     *LatencyHistogram
	APILatency       *LatencyHistogram

	// Counters
	signalsAccepted uint64
	signalsRejected uint64
	intentsFilled   uint64
	intentsFailed   uint64
	tradesClosed    uint64
	apiRequests     uint64
	apiErrors       uint64

	gatewayStats gateway.PoolStats
	walMetrics   execution.WALMetrics
	queueDepth   int
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		ExecutionLatency: NewLatencyHistogram(1000),
		CycleLatency:     NewLatencyHistogram(1000),
		APILatency:       NewLatencyHistogram(1000),
	}
}

// Observe subscribes to engine events and keeps counters current.
// Returns an unsubscribe function.
func (m *SystemMetrics) Observe(bus *events.Bus) func() {
	accepted, unsubA := bus.Subscribe(events.EventSignalAccepted, 256)
	rejected, unsubR := bus.Subscribe(events.EventSignalRejected, 256)
	results, unsubE := bus.Subscribe(events.EventExecutionResult, 256)
	trades, unsubT := bus.Subscribe(events.EventTradeClosed, 256)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-accepted:
				if !ok {
					return
				}
				atomic.AddUint64(&m.signalsAccepted, 1)
			case _, ok := <-rejected:
				if !ok {
					return
				}
				atomic.AddUint64(&m.signalsRejected, 1)
			case payload, ok := <-results:
				if !ok {
					return
				}
				if res, isRes := payload.(execution.Result); isRes {
					if res.Filled() {
						atomic.AddUint64(&m.intentsFilled, 1)
					} else {
						atomic.AddUint64(&m.intentsFailed, 1)
					}
					m.ExecutionLatency.RecordDuration(time.Since(res.At))
				}
			case _, ok := <-trades:
				if !ok {
					return
				}
				atomic.AddUint64(&m.tradesClosed, 1)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		unsubA()
		unsubR()
		unsubE()
		unsubT()
	}
}

// LatencyHistogram tracks latency samples in a sliding window with
// lazily computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when
// samples changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// IncrementAPI counts one API request.
func (m *SystemMetrics) IncrementAPI() { atomic.AddUint64(&m.apiRequests, 1) }

// IncrementAPIErrors counts one API error response.
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// SetGatewayPoolStats updates adapter pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// SetWALMetrics updates intent WAL statistics.
func (m *SystemMetrics) SetWALMetrics(wm execution.WALMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walMetrics = wm
}

// SetQueueDepth updates the pool queue depth gauge.
func (m *SystemMetrics) SetQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	ExecutionLatency LatencyStats         `json:"execution_latency"`
	CycleLatency     LatencyStats         `json:"cycle_latency"`
	APILatency       LatencyStats         `json:"api_latency"`
	SignalsAccepted  uint64               `json:"signals_accepted"`
	SignalsRejected  uint64               `json:"signals_rejected"`
	IntentsFilled    uint64               `json:"intents_filled"`
	IntentsFailed    uint64               `json:"intents_failed"`
	TradesClosed     uint64               `json:"trades_closed"`
	APIRequests      uint64               `json:"api_requests"`
	APIErrors        uint64               `json:"api_errors"`
	GatewayPool      gateway.PoolStats    `json:"gateway_pool"`
	WAL              execution.WALMetrics `json:"wal"`
	QueueDepth       int                  `json:"queue_depth"`
	GoroutineCount   int                  `json:"goroutine_count"`
	HeapAlloc        uint64               `json:"heap_alloc_bytes"`
	HeapSys          uint64               `json:"heap_sys_bytes"`
	Timestamp        time.Time            `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	walMetrics := m.walMetrics
	depth := m.queueDepth
	m.mu.RUnlock()

	return MetricsSnapshot{
		ExecutionLatency: m.ExecutionLatency.Stats(),
		CycleLatency:     m.CycleLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		SignalsAccepted:  atomic.LoadUint64(&m.signalsAccepted),
		SignalsRejected:  atomic.LoadUint64(&m.signalsRejected),
		IntentsFilled:    atomic.LoadUint64(&m.intentsFilled),
		IntentsFailed:    atomic.LoadUint64(&m.intentsFailed),
		TradesClosed:     atomic.LoadUint64(&m.tradesClosed),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GatewayPool:      gwStats,
		WAL:              walMetrics,
		QueueDepth:       depth,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording into h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
