// Package registry owns the master and slave account roster: sealed
// credentials, risk profiles, and the account lifecycle state machine.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/events"
	"mirror-core/pkg/crypto"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrDuplicateMaster   = errors.New("a master account already exists")
	ErrInvalidTransition = errors.New("invalid account status transition")
	ErrInvalidRisk       = errors.New("invalid risk profile")
)

// authErrorThreshold is how many consecutive auth failures move an
// account to disconnected.
const authErrorThreshold = 3

// RiskProfile bounds what the dispatcher may size for a slave.
type RiskProfile struct {
	RiskPercent     float64 `json:"risk_percent"`
	Leverage        int     `json:"leverage"`
	MaxPositions    int     `json:"max_positions"`
	MaxPositionSize float64 `json:"max_position_size"`
	MinBalance      float64 `json:"min_balance"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
}

// Validate rejects nonsense bounds before they reach the database.
func (r RiskProfile) Validate() error {
	if r.RiskPercent <= 0 || r.RiskPercent > 100 {
		return fmt.Errorf("%w: risk_percent must be in (0, 100]", ErrInvalidRisk)
	}
	if r.Leverage < 1 || r.Leverage > 125 {
		return fmt.Errorf("%w: leverage must be in [1, 125]", ErrInvalidRisk)
	}
	if r.MaxPositions < 0 || r.MaxPositionSize < 0 || r.MinBalance < 0 {
		return fmt.Errorf("%w: limits cannot be negative", ErrInvalidRisk)
	}
	if r.StopLossPct < 0 || r.TakeProfitPct < 0 {
		return fmt.Errorf("%w: stop/take percentages cannot be negative", ErrInvalidRisk)
	}
	return nil
}

// Account is an in-memory view of one registered account. Credentials
// stay sealed here; only Credentials() decrypts on demand.
type Account struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	ExchangeType    string      `json:"exchange_type"`
	Kind            string      `json:"kind"`
	Status          string      `json:"status"`
	Risk            RiskProfile `json:"risk"`
	CredFingerprint string      `json:"cred_fingerprint"`
	CreatedAt       time.Time   `json:"created_at"`

	authErrors int
}

// IsMaster reports whether this account drives the mirror.
func (a *Account) IsMaster() bool { return a.Kind == db.KindMaster }

// Registry is the authoritative in-memory account roster, persisted
// through the database on every mutation.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	database *db.Database
	keys     *crypto.KeyManager
	bus      *events.Bus
}

// New loads all persisted accounts into memory.
func New(database *db.Database, keys *crypto.KeyManager, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		accounts: make(map[string]*Account),
		database: database,
		keys:     keys,
		bus:      bus,
	}

	rows, err := database.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, row := range rows {
		r.accounts[row.ID] = fromRow(row)
	}
	log.Printf("📇 Registry loaded %d account(s)", len(r.accounts))
	return r, nil
}

func fromRow(row *db.Account) *Account {
	return &Account{
		ID:           row.ID,
		Name:         row.Name,
		ExchangeType: row.ExchangeType,
		Kind:         row.Kind,
		Status:       row.Status,
		Risk: RiskProfile{
			RiskPercent:     row.RiskPercent,
			Leverage:        row.Leverage,
			MaxPositions:    row.MaxPositions,
			MaxPositionSize: row.MaxPositionSize,
			MinBalance:      row.MinBalance,
			StopLossPct:     row.StopLossPct,
			TakeProfitPct:   row.TakeProfitPct,
		},
		CredFingerprint: row.CredFingerprint,
		CreatedAt:       row.CreatedAt,
	}
}

// RegisterInput is everything needed to enroll a new account.
type RegisterInput struct {
	Name         string
	ExchangeType string
	Kind         string
	APIKey       string
	APISecret    string
	Risk         RiskProfile
}

// Register seals the credentials, persists the account, and adds it to
// the roster. Only one master may exist at a time.
func (r *Registry) Register(in RegisterInput) (*Account, error) {
	if in.Kind != db.KindMaster && in.Kind != db.KindSlave {
		return nil, fmt.Errorf("unknown account kind %q", in.Kind)
	}
	if in.APIKey == "" || in.APISecret == "" {
		return nil, errors.New("api key and secret are required")
	}
	if err := in.Risk.Validate(); err != nil {
		return nil, err
	}

	keyEnc, err := r.keys.Encrypt(in.APIKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	secretEnc, err := r.keys.Encrypt(in.APISecret)
	if err != nil {
		return nil, fmt.Errorf("seal api secret: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if in.Kind == db.KindMaster {
		for _, a := range r.accounts {
			if a.IsMaster() {
				return nil, ErrDuplicateMaster
			}
		}
	}

	row := &db.Account{
		ID:                 uuid.NewString(),
		Name:               in.Name,
		ExchangeType:       in.ExchangeType,
		Kind:               in.Kind,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         r.keys.Version(),
		CredFingerprint:    exchange.Fingerprint(in.ExchangeType, in.APIKey),
		Status:             db.AccountActive,
		RiskPercent:        in.Risk.RiskPercent,
		Leverage:           in.Risk.Leverage,
		MaxPositions:       in.Risk.MaxPositions,
		MaxPositionSize:    in.Risk.MaxPositionSize,
		MinBalance:         in.Risk.MinBalance,
		StopLossPct:        in.Risk.StopLossPct,
		TakeProfitPct:      in.Risk.TakeProfitPct,
	}
	if err := r.database.InsertAccount(row); err != nil {
		return nil, err
	}

	acct := fromRow(row)
	acct.CreatedAt = time.Now()
	r.accounts[acct.ID] = acct
	log.Printf("✅ Registered %s account %s (%s on %s)", acct.Kind, acct.ID, acct.Name, acct.ExchangeType)
	return snapshot(acct), nil
}

// Remove deletes an account from the roster and the database.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	if err := r.database.DeleteAccount(id); err != nil {
		return err
	}
	delete(r.accounts, id)
	return nil
}

// Get returns a copy of one account.
func (r *Registry) Get(id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return snapshot(a), nil
}

// Master returns the master account, if one is registered.
func (r *Registry) Master() (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.IsMaster() {
			return snapshot(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

// List returns copies of every account.
func (r *Registry) List() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, snapshot(a))
	}
	return out
}

// ListEligibleSlaves returns active slave accounts, the only ones the
// dispatcher fans signals out to.
func (r *Registry) ListEligibleSlaves() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if a.Kind == db.KindSlave && a.Status == db.AccountActive {
			out = append(out, snapshot(a))
		}
	}
	return out
}

// UpdateRiskProfile replaces an account's risk bounds.
func (r *Registry) UpdateRiskProfile(id string, risk RiskProfile) error {
	if err := risk.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	row := &db.Account{
		ID:              id,
		RiskPercent:     risk.RiskPercent,
		Leverage:        risk.Leverage,
		MaxPositions:    risk.MaxPositions,
		MaxPositionSize: risk.MaxPositionSize,
		MinBalance:      risk.MinBalance,
		StopLossPct:     risk.StopLossPct,
		TakeProfitPct:   risk.TakeProfitPct,
	}
	if err := r.database.UpdateAccountRisk(row); err != nil {
		return err
	}
	a.Risk = risk
	return nil
}

// SetStatus transitions the account state machine. Allowed moves:
// active<->paused, active|paused->disconnected, disconnected->active
// (an operator reconnect after fixing credentials). Banned is terminal
// and reachable from every other state.
func (r *Registry) SetStatus(id, status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(id, status, reason)
}

func (r *Registry) setStatusLocked(id, status, reason string) error {
	a, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if a.Status == status {
		return nil
	}
	if !allowedTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	if err := r.database.UpdateAccountStatus(id, status); err != nil {
		return err
	}
	from := a.Status
	a.Status = status
	if status == db.AccountActive {
		a.authErrors = 0
	}

	log.Printf("🔄 Account %s status %s -> %s (%s)", id, from, status, reason)
	if r.bus != nil {
		r.bus.Publish(events.EventAccountStatus, events.AccountStatusChange{
			AccountID: id,
			From:      from,
			To:        status,
			Reason:    reason,
			At:        time.Now(),
		})
	}
	return nil
}

func allowedTransition(from, to string) bool {
	if to == db.AccountBanned {
		return from != db.AccountBanned
	}
	switch from {
	case db.AccountActive:
		return to == db.AccountPaused || to == db.AccountDisconnected
	case db.AccountPaused:
		return to == db.AccountActive || to == db.AccountDisconnected
	case db.AccountDisconnected:
		return to == db.AccountActive
	}
	return false
}

// RecordAuthError counts consecutive authentication failures against
// the exchange. At the threshold the account is disconnected so the
// dispatcher stops routing to it.
func (r *Registry) RecordAuthError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return
	}
	a.authErrors++
	if a.authErrors >= authErrorThreshold && a.Status != db.AccountDisconnected {
		if err := r.setStatusLocked(id, db.AccountDisconnected, "repeated auth failures"); err != nil {
			log.Printf("⚠️ Failed to disconnect account %s: %v", id, err)
		}
	}
}

// RecordAuthSuccess clears the consecutive failure count.
func (r *Registry) RecordAuthSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.authErrors = 0
	}
}

// Credentials decrypts an account's API keypair for adapter creation.
func (r *Registry) Credentials(id string) (exchange.Credentials, error) {
	r.mu.RLock()
	_, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return exchange.Credentials{}, ErrAccountNotFound
	}

	row, err := r.database.GetAccount(id)
	if err != nil {
		return exchange.Credentials{}, err
	}
	apiKey, err := r.keys.Decrypt(row.APIKeyEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("unseal api key: %w", err)
	}
	apiSecret, err := r.keys.Decrypt(row.APISecretEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("unseal api secret: %w", err)
	}
	return exchange.Credentials{APIKey: apiKey, APISecret: apiSecret}, nil
}

// RotateCredentials reseals an account's keypair with the current key
// version (or a new keypair entirely).
func (r *Registry) RotateCredentials(id, apiKey, apiSecret string) error {
	keyEnc, err := r.keys.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	secretEnc, err := r.keys.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("seal api secret: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	fp := exchange.Fingerprint(a.ExchangeType, apiKey)
	if err := r.database.UpdateAccountCredentials(id, keyEnc, secretEnc, r.keys.Version(), fp); err != nil {
		return err
	}
	a.CredFingerprint = fp
	a.authErrors = 0
	return nil
}

func snapshot(a *Account) *Account {
	cp := *a
	cp.authErrors = 0
	return &cp
}
