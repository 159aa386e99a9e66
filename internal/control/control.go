// Package control exposes operator commands: pausing the mirror,
// resuming it, and the panic close that flattens every slave account.
package control

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/dispatch"
	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/internal/ledger"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

// Command kinds.
const (
	KindPause         = "pause"
	KindResume        = "resume"
	KindPanicCloseAll = "panic_close_all"
)

// panicCloseTimeout bounds how long the panic close waits for venue
// acks before reporting partial completion.
const panicCloseTimeout = 60 * time.Second

// Service executes control commands and tracks their progress in the
// commands table so operators can poll long-running ones.
type Service struct {
	database   *db.Database
	accounts   *registry.Registry
	dispatcher *dispatch.Dispatcher
	pool       *execution.Pool
	ledger     *ledger.Ledger
	bus        *events.Bus
}

// New wires the control service.
func New(database *db.Database, accounts *registry.Registry, dispatcher *dispatch.Dispatcher, pool *execution.Pool, led *ledger.Ledger, bus *events.Bus) *Service {
	return &Service{
		database:   database,
		accounts:   accounts,
		dispatcher: dispatcher,
		pool:       pool,
		ledger:     led,
		bus:        bus,
	}
}

// Pause halts mirroring of new signals. In-flight executions finish.
func (s *Service) Pause() (*db.Command, error) {
	s.dispatcher.Pause()
	log.Printf("⏸️ Mirroring paused by operator")
	return s.record(KindPause, db.CommandDone, "mirroring paused")
}

// Resume re-enables mirroring.
func (s *Service) Resume() (*db.Command, error) {
	s.dispatcher.Resume()
	log.Printf("▶️ Mirroring resumed by operator")
	return s.record(KindResume, db.CommandDone, "mirroring resumed")
}

// Paused reports the dispatcher state.
func (s *Service) Paused() bool { return s.dispatcher.Paused() }

// Command returns one command row for status polling.
func (s *Service) Command(id string) (*db.Command, error) {
	return s.database.GetCommand(id)
}

// PanicCloseAll pauses mirroring and submits a reduce-only market
// close for every open slave position on the priority lane. Returns
// immediately with a pending command; progress lands on the command
// row and the event bus.
func (s *Service) PanicCloseAll() (*db.Command, error) {
	cmd, err := s.record(KindPanicCloseAll, db.CommandPending, "")
	if err != nil {
		return nil, err
	}
	s.dispatcher.Pause()
	log.Printf("🚨 PANIC CLOSE requested (command %s), mirroring paused", cmd.ID)

	go s.runPanicClose(cmd.ID)
	return cmd, nil
}

type panicSummary struct {
	Submitted int      `json:"submitted"`
	Closed    int      `json:"closed"`
	Failed    int      `json:"failed"`
	Pending   int      `json:"pending"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Service) runPanicClose(commandID string) {
	s.update(commandID, db.CommandRunning, "submitting close orders")

	summary := panicSummary{}
	type wait struct {
		ch <-chan execution.Result
	}
	var waits []wait

	for _, acct := range s.accounts.List() {
		if acct.Kind != db.KindSlave {
			continue
		}
		positions, err := s.ledger.OpenPositions(acct.ID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: list positions: %v", acct.ID, err))
			continue
		}
		for _, pos := range positions {
			in := closeIntent(commandID, acct, pos)
			ch := s.pool.Watch(in.Key)
			if err := s.pool.Submit(in); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: submit: %v", acct.ID, pos.Symbol, err))
				continue
			}
			summary.Submitted++
			waits = append(waits, wait{ch: ch})
		}
	}

	deadline := time.NewTimer(panicCloseTimeout)
	defer deadline.Stop()
	for _, w := range waits {
		select {
		case res := <-w.ch:
			if res.Filled() {
				summary.Closed++
			} else {
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", res.IntentKey, res.Err))
			}
		case <-deadline.C:
			summary.Pending = summary.Submitted - summary.Closed - summary.Failed
			s.finishPanicClose(commandID, summary)
			return
		}
	}
	s.finishPanicClose(commandID, summary)
}

func (s *Service) finishPanicClose(commandID string, summary panicSummary) {
	status := db.CommandDone
	if summary.Failed > 0 || summary.Pending > 0 || len(summary.Errors) > 0 {
		status = db.CommandFailed
	}
	detail, _ := json.Marshal(summary)
	s.update(commandID, status, string(detail))
	log.Printf("🚨 Panic close %s: %d submitted, %d closed, %d failed, %d pending",
		commandID, summary.Submitted, summary.Closed, summary.Failed, summary.Pending)
}

// closeIntent builds the priority reduce-only order that flattens one
// position. The key derives from the command so a repeated panic close
// reuses the same client order ids.
func closeIntent(commandID string, acct *registry.Account, pos *db.Position) execution.Intent {
	side := exchange.SideSell
	if pos.Qty < 0 {
		side = exchange.SideBuy
	}
	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	return execution.Intent{
		Key:        execution.IntentKey(commandID+"|"+pos.Symbol, acct.ID),
		SignalID:   commandID,
		AccountID:  acct.ID,
		LaneKey:    acct.CredFingerprint,
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        qty,
		ReduceOnly: true,
		Priority:   true,
		CreatedAt:  time.Now(),
	}
}

func (s *Service) record(kind, status, detail string) (*db.Command, error) {
	cmd := &db.Command{
		ID:     uuid.NewString(),
		Kind:   kind,
		Status: status,
		Detail: detail,
	}
	if err := s.database.InsertCommand(cmd); err != nil {
		return nil, err
	}
	s.publish(cmd.ID, kind, status, detail)
	return cmd, nil
}

func (s *Service) update(commandID, status, detail string) {
	if err := s.database.UpdateCommand(commandID, status, detail); err != nil {
		log.Printf("⚠️ Command %s update failed: %v", commandID, err)
	}
	cmd, err := s.database.GetCommand(commandID)
	if err != nil {
		return
	}
	s.publish(commandID, cmd.Kind, status, detail)
}

func (s *Service) publish(id, kind, status, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventCommandUpdate, events.CommandUpdate{
		CommandID: id,
		Kind:      kind,
		Status:    status,
		Detail:    detail,
		At:        time.Now(),
	})
}
