// Package reconciliation periodically compares the ledger's view of
// every slave position against the venue and optionally syncs drift.
package reconciliation

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"mirror-core/internal/gateway"
	"mirror-core/internal/ledger"
	"mirror-core/internal/registry"
	exchange "mirror-core/pkg/exchanges/common"
)

// qtyTolerance below which a quantity difference is not drift.
const qtyTolerance = 1e-8

// Service handles periodic reconciliation.
type Service struct {
	accounts *registry.Registry
	gateways *gateway.Manager
	ledger   *ledger.Ledger
	interval time.Duration
	autoSync bool
	mu       sync.Mutex

	lastReport *Report
}

// Report contains one reconciliation sweep's results.
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Diffs       []PositionDiff `json:"diffs"`
	HasDiffs    bool           `json:"has_diffs"`
	SyncedCount int            `json:"synced_count"`
	Errors      []string       `json:"errors,omitempty"`
}

// PositionDiff is one drifted position.
type PositionDiff struct {
	AccountID  string  `json:"account_id"`
	Symbol     string  `json:"symbol"`
	LedgerQty  float64 `json:"ledger_qty"`
	VenueQty   float64 `json:"venue_qty"`
	Difference float64 `json:"difference"`
	Synced     bool    `json:"synced"`
}

// NewService creates the reconciliation sweep.
func NewService(accounts *registry.Registry, gateways *gateway.Manager, led *ledger.Ledger, interval time.Duration, autoSync bool) *Service {
	return &Service{
		accounts: accounts,
		gateways: gateways,
		ledger:   led,
		interval: interval,
		autoSync: autoSync,
	}
}

// SetAutoSync enables or disables syncing the ledger to venue truth.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	log.Printf("📊 Reconciliation auto-sync: %v", enabled)
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("❌ Reconciliation error: %v", err)
					continue
				}
				if report.HasDiffs {
					log.Printf("⚠️ Reconciliation found %d drifted position(s), synced %d",
						len(report.Diffs), report.SyncedCount)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("✓ Reconciliation started (interval: %v, auto-sync: %v)", s.interval, s.autoSync)
}

// Reconcile sweeps every active slave account once.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	autoSync := s.autoSync
	s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}

	for _, acct := range s.accounts.ListEligibleSlaves() {
		if err := s.reconcileAccount(ctx, acct.ID, autoSync, report); err != nil {
			report.Errors = append(report.Errors, acct.ID+": "+err.Error())
		}
	}

	report.HasDiffs = len(report.Diffs) > 0
	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()
	return report, nil
}

func (s *Service) reconcileAccount(ctx context.Context, accountID string, autoSync bool, report *Report) error {
	adapter, err := s.gateways.Adapter(ctx, accountID)
	if err != nil {
		return err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	venuePositions, err := adapter.FetchPositions(fetchCtx)
	cancel()
	if err != nil {
		s.gateways.RecordFailure(accountID)
		return err
	}
	s.gateways.RecordSuccess(accountID)

	venue := make(map[string]exchange.PositionInfo, len(venuePositions))
	for _, p := range venuePositions {
		venue[p.Symbol] = p
	}

	local, err := s.ledger.OpenPositions(accountID)
	if err != nil {
		return err
	}
	localSeen := make(map[string]bool, len(local))

	for _, lp := range local {
		localSeen[lp.Symbol] = true
		vp := venue[lp.Symbol] // zero value when venue is flat
		if math.Abs(lp.Qty-vp.Qty) <= qtyTolerance {
			continue
		}
		diff := PositionDiff{
			AccountID:  accountID,
			Symbol:     lp.Symbol,
			LedgerQty:  lp.Qty,
			VenueQty:   vp.Qty,
			Difference: vp.Qty - lp.Qty,
		}
		if autoSync {
			if err := s.ledger.SyncPosition(accountID, lp.Symbol, vp); err == nil {
				diff.Synced = true
				report.SyncedCount++
			}
		}
		report.Diffs = append(report.Diffs, diff)
	}

	// Positions the venue holds that the ledger never saw.
	for symbol, vp := range venue {
		if localSeen[symbol] || math.Abs(vp.Qty) <= qtyTolerance {
			continue
		}
		diff := PositionDiff{
			AccountID:  accountID,
			Symbol:     symbol,
			VenueQty:   vp.Qty,
			Difference: vp.Qty,
		}
		if autoSync {
			if err := s.ledger.SyncPosition(accountID, symbol, vp); err == nil {
				diff.Synced = true
				report.SyncedCount++
			}
		}
		report.Diffs = append(report.Diffs, diff)
	}
	return nil
}

// LastReport returns the most recent sweep result, nil before the
// first sweep.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}
