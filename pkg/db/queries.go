package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ---- accounts ----

// InsertAccount creates a new account row.
func (d *Database) InsertAccount(a *Account) error {
	_, err := d.DB.Exec(`
		INSERT INTO accounts (
			id, name, exchange_type, kind,
			api_key_encrypted, api_secret_encrypted, key_version, cred_fingerprint,
			status, risk_percent, leverage, max_positions, max_position_size,
			min_balance, stop_loss_pct, take_profit_pct
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.ExchangeType, a.Kind,
		a.APIKeyEncrypted, a.APISecretEncrypted, a.KeyVersion, a.CredFingerprint,
		a.Status, a.RiskPercent, a.Leverage, a.MaxPositions, a.MaxPositionSize,
		a.MinBalance, a.StopLossPct, a.TakeProfitPct,
	)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return nil
}

// GetAccount loads one account by id.
func (d *Database) GetAccount(id string) (*Account, error) {
	row := d.DB.QueryRow(`
		SELECT id, name, exchange_type, kind,
		       api_key_encrypted, api_secret_encrypted, key_version, cred_fingerprint,
		       status, risk_percent, leverage, max_positions, max_position_size,
		       min_balance, stop_loss_pct, take_profit_pct, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns every account ordered by creation time.
func (d *Database) ListAccounts() ([]*Account, error) {
	rows, err := d.DB.Query(`
		SELECT id, name, exchange_type, kind,
		       api_key_encrypted, api_secret_encrypted, key_version, cred_fingerprint,
		       status, risk_percent, leverage, max_positions, max_position_size,
		       min_balance, stop_loss_pct, take_profit_pct, created_at, updated_at
		FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	err := row.Scan(
		&a.ID, &a.Name, &a.ExchangeType, &a.Kind,
		&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.KeyVersion, &a.CredFingerprint,
		&a.Status, &a.RiskPercent, &a.Leverage, &a.MaxPositions, &a.MaxPositionSize,
		&a.MinBalance, &a.StopLossPct, &a.TakeProfitPct, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// UpdateAccountStatus flips the account's lifecycle status.
func (d *Database) UpdateAccountStatus(id, status string) error {
	res, err := d.DB.Exec(
		`UPDATE accounts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update account status %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateAccountRisk rewrites the risk profile fields of an account.
func (d *Database) UpdateAccountRisk(a *Account) error {
	res, err := d.DB.Exec(`
		UPDATE accounts SET
			risk_percent = ?, leverage = ?, max_positions = ?, max_position_size = ?,
			min_balance = ?, stop_loss_pct = ?, take_profit_pct = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		a.RiskPercent, a.Leverage, a.MaxPositions, a.MaxPositionSize,
		a.MinBalance, a.StopLossPct, a.TakeProfitPct, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account risk %s: %w", a.ID, err)
	}
	return requireRow(res)
}

// UpdateAccountCredentials replaces the sealed credentials on an account.
func (d *Database) UpdateAccountCredentials(id, keyEnc, secretEnc string, keyVersion int, fingerprint string) error {
	res, err := d.DB.Exec(`
		UPDATE accounts SET
			api_key_encrypted = ?, api_secret_encrypted = ?, key_version = ?,
			cred_fingerprint = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		keyEnc, secretEnc, keyVersion, fingerprint, id,
	)
	if err != nil {
		return fmt.Errorf("update account credentials %s: %w", id, err)
	}
	return requireRow(res)
}

// DeleteAccount removes an account row.
func (d *Database) DeleteAccount(id string) error {
	res, err := d.DB.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- positions ----

// UpsertPosition writes the full position row.
func (d *Database) UpsertPosition(p *Position) error {
	_, err := d.DB.Exec(`
		INSERT INTO positions (
			account_id, symbol, qty, entry_price, unrealized_pnl,
			realized_pnl, closed_qty, close_notional, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			closed_qty = excluded.closed_qty,
			close_notional = excluded.close_notional,
			opened_at = excluded.opened_at,
			updated_at = CURRENT_TIMESTAMP`,
		p.AccountID, p.Symbol, p.Qty, p.EntryPrice, p.UnrealizedPnL,
		p.RealizedPnL, p.ClosedQty, p.CloseNotional, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.AccountID, p.Symbol, err)
	}
	return nil
}

// GetPosition loads one position row.
func (d *Database) GetPosition(accountID, symbol string) (*Position, error) {
	row := d.DB.QueryRow(`
		SELECT account_id, symbol, qty, entry_price, unrealized_pnl,
		       realized_pnl, closed_qty, close_notional, opened_at, updated_at
		FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	p := &Position{}
	err := row.Scan(
		&p.AccountID, &p.Symbol, &p.Qty, &p.EntryPrice, &p.UnrealizedPnL,
		&p.RealizedPnL, &p.ClosedQty, &p.CloseNotional, &p.OpenedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	return p, nil
}

// ListPositions returns all non-flat positions, optionally scoped to
// one account (empty accountID means all).
func (d *Database) ListPositions(accountID string) ([]*Position, error) {
	query := `
		SELECT account_id, symbol, qty, entry_price, unrealized_pnl,
		       realized_pnl, closed_qty, close_notional, opened_at, updated_at
		FROM positions WHERE qty != 0`
	args := []any{}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY account_id, symbol`

	rows, err := d.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p := &Position{}
		if err := rows.Scan(
			&p.AccountID, &p.Symbol, &p.Qty, &p.EntryPrice, &p.UnrealizedPnL,
			&p.RealizedPnL, &p.ClosedQty, &p.CloseNotional, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes a flat position row.
func (d *Database) DeletePosition(accountID, symbol string) error {
	_, err := d.DB.Exec(
		`DELETE FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol,
	)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", accountID, symbol, err)
	}
	return nil
}

// ---- trades ----

// InsertTrade records a closed round trip.
func (d *Database) InsertTrade(t *Trade) error {
	_, err := d.DB.Exec(`
		INSERT INTO trades (
			id, account_id, symbol, side, entry_price, exit_price,
			qty, realized_pnl, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice,
		t.Qty, t.RealizedPnL, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns recent trades, newest first. Empty accountID
// means all accounts.
func (d *Database) ListTrades(accountID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, symbol, side, entry_price, exit_price,
		       qty, realized_pnl, opened_at, closed_at
		FROM trades`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t := &Trade{}
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Qty, &t.RealizedPnL, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- executions ----

// InsertExecution records the terminal outcome of an intent. The
// intent key is the primary key, so a crash-replayed intent that
// already completed is a no-op here.
func (d *Database) InsertExecution(e *Execution) error {
	_, err := d.DB.Exec(`
		INSERT INTO executions (
			intent_key, signal_id, account_id, symbol, side, qty, price,
			status, exchange_order_id, filled_qty, avg_price, error,
			attempts, instance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_key) DO NOTHING`,
		e.IntentKey, e.SignalID, e.AccountID, e.Symbol, e.Side, e.Qty, e.Price,
		e.Status, e.ExchangeOrderID, e.FilledQty, e.AvgPrice, e.Error,
		e.Attempts, e.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.IntentKey, err)
	}
	return nil
}

// GetExecution loads one audit row by intent key.
func (d *Database) GetExecution(intentKey string) (*Execution, error) {
	row := d.DB.QueryRow(`
		SELECT intent_key, signal_id, account_id, symbol, side, qty, price,
		       status, exchange_order_id, filled_qty, avg_price, error,
		       attempts, instance_id, created_at
		FROM executions WHERE intent_key = ?`, intentKey)
	e := &Execution{}
	err := row.Scan(
		&e.IntentKey, &e.SignalID, &e.AccountID, &e.Symbol, &e.Side, &e.Qty, &e.Price,
		&e.Status, &e.ExchangeOrderID, &e.FilledQty, &e.AvgPrice, &e.Error,
		&e.Attempts, &e.InstanceID, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns audit rows in chronological order, optionally
// scoped to one account. Used for ledger replay and the API. A limit
// of zero or less means no cap.
func (d *Database) ListExecutions(accountID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means unlimited
	}
	query := `
		SELECT intent_key, signal_id, account_id, symbol, side, qty, price,
		       status, exchange_order_id, filled_qty, avg_price, error,
		       attempts, instance_id, created_at
		FROM executions`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		if err := rows.Scan(
			&e.IntentKey, &e.SignalID, &e.AccountID, &e.Symbol, &e.Side, &e.Qty, &e.Price,
			&e.Status, &e.ExchangeOrderID, &e.FilledQty, &e.AvgPrice, &e.Error,
			&e.Attempts, &e.InstanceID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- signal cursors ----

// GetSignalCursor returns the last accepted sequence for a source,
// 0 when the source has never been seen.
func (d *Database) GetSignalCursor(source string) (int64, error) {
	var seq int64
	err := d.DB.QueryRow(
		`SELECT last_seq FROM signal_cursors WHERE source = ?`, source,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get signal cursor %s: %w", source, err)
	}
	return seq, nil
}

// SetSignalCursor advances the per-source sequence watermark.
func (d *Database) SetSignalCursor(source string, seq int64) error {
	_, err := d.DB.Exec(`
		INSERT INTO signal_cursors (source, last_seq, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source) DO UPDATE SET
			last_seq = excluded.last_seq,
			updated_at = CURRENT_TIMESTAMP`,
		source, seq,
	)
	if err != nil {
		return fmt.Errorf("set signal cursor %s: %w", source, err)
	}
	return nil
}

// ---- commands ----

// InsertCommand creates a pending control-plane command.
func (d *Database) InsertCommand(c *Command) error {
	_, err := d.DB.Exec(
		`INSERT INTO commands (id, kind, status, detail) VALUES (?, ?, ?, ?)`,
		c.ID, c.Kind, c.Status, c.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCommand advances a command's status and detail.
func (d *Database) UpdateCommand(id, status, detail string) error {
	res, err := d.DB.Exec(`
		UPDATE commands SET status = ?, detail = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, detail, id,
	)
	if err != nil {
		return fmt.Errorf("update command %s: %w", id, err)
	}
	return requireRow(res)
}

// GetCommand loads one command by id.
func (d *Database) GetCommand(id string) (*Command, error) {
	row := d.DB.QueryRow(`
		SELECT id, kind, status, detail, created_at, updated_at
		FROM commands WHERE id = ?`, id)
	c := &Command{}
	err := row.Scan(&c.ID, &c.Kind, &c.Status, &c.Detail, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}
	return c, nil
}

// ---- users ----

// InsertUser creates an API login.
func (d *Database) InsertUser(u *User) error {
	_, err := d.DB.Exec(
		`INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Email, err)
	}
	return nil
}

// GetUserByEmail loads a user for login.
func (d *Database) GetUserByEmail(email string) (*User, error) {
	row := d.DB.QueryRow(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?`, email)
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
