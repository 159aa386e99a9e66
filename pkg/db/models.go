package db

import "time"

// Account statuses.
const (
	AccountActive       = "active"
	AccountPaused       = "paused"
	AccountDisconnected = "disconnected"
	AccountBanned       = "banned"
)

// Account kinds.
const (
	KindMaster = "master"
	KindSlave  = "slave"
)

// Account is a master or slave trading account row.
type Account struct {
	ID                 string
	Name               string
	ExchangeType       string
	Kind               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	CredFingerprint    string
	Status             string
	RiskPercent        float64
	Leverage           int
	MaxPositions       int
	MaxPositionSize    float64
	MinBalance         float64
	StopLossPct        float64
	TakeProfitPct      float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Position is the engine's view of one account's exposure in a symbol.
// Qty is signed: positive long, negative short.
type Position struct {
	AccountID     string
	Symbol        string
	Qty           float64
	EntryPrice    float64
	UnrealizedPnL float64
	RealizedPnL   float64
	ClosedQty     float64
	CloseNotional float64
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Trade is a fully closed round trip, emitted when a position returns
// to flat.
type Trade struct {
	ID          string
	AccountID   string
	Symbol      string
	Side        string
	EntryPrice  float64
	ExitPrice   float64
	Qty         float64
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Execution is the terminal audit record for one order intent.
type Execution struct {
	IntentKey       string
	SignalID        string
	AccountID       string
	Symbol          string
	Side            string
	Qty             float64
	Price           float64
	Status          string
	ExchangeOrderID string
	FilledQty       float64
	AvgPrice        float64
	Error           string
	Attempts        int
	InstanceID      string
	CreatedAt       time.Time
}

// Command statuses.
const (
	CommandPending = "pending"
	CommandRunning = "running"
	CommandDone    = "done"
	CommandFailed  = "failed"
)

// Command tracks an asynchronous control-plane operation.
type Command struct {
	ID        string
	Kind      string
	Status    string
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an API login.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
