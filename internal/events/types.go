package events

import "time"

// Event enumerates high-level topics inside the mirroring engine.
type Event string

const (
	EventSignalAccepted  Event = "signal.accepted"
	EventSignalRejected  Event = "signal.rejected"
	EventExecutionResult Event = "execution.result"
	EventPositionChange  Event = "position.change"
	EventTradeClosed     Event = "trade.closed"
	EventAccountStatus   Event = "account.status"
	EventCommandUpdate   Event = "command.update"
)

// SignalRejection carries why an inbound signal was dropped.
type SignalRejection struct {
	SignalID string    `json:"signal_id"`
	Source   string    `json:"source"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// AccountStatusChange announces a lifecycle transition.
type AccountStatusChange struct {
	AccountID string    `json:"account_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// CommandUpdate reports progress of an asynchronous control command.
type CommandUpdate struct {
	CommandID string    `json:"command_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}
