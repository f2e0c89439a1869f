// Package sqlite implements the Ledger port: the durable system of record for
// order intents, execution records with a full transition audit trail, broker
// account credentials, and tenant risk context.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-execution/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// LedgerConfig configures the SQLite ledger.
type LedgerConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/ledger.db"
}

// Ledger is a single-writer SQLite store. Writes are serialized through a
// mutex; WAL mode keeps readers unblocked.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// NewLedger opens (or creates) the ledger database with WAL mode and schema.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer connection pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("ledger opened", slog.String("path", cfg.DBPath))
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			account_id      TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			exchange        TEXT NOT NULL,
			side            TEXT NOT NULL,
			kind            TEXT NOT NULL,
			qty             INTEGER NOT NULL,
			limit_price     INTEGER NOT NULL DEFAULT 0,
			trigger_price   INTEGER NOT NULL DEFAULT 0,
			strategy_id     TEXT NOT NULL DEFAULT '',
			parent_order_id TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders(tenant_id, created_at);

		CREATE TABLE IF NOT EXISTS executions (
			order_id        TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			error_code      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			broker_order_id TEXT NOT NULL DEFAULT '',
			started_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			elapsed_ms      INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS execution_transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id    TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			error_code  TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_order ON execution_transitions(order_id, id);

		CREATE TABLE IF NOT EXISTS broker_accounts (
			tenant_id   TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			vendor      TEXT NOT NULL,
			api_key     TEXT NOT NULL DEFAULT '',
			client_code TEXT NOT NULL DEFAULT '',
			password    TEXT NOT NULL DEFAULT '',
			totp_secret TEXT NOT NULL DEFAULT '',
			base_url    TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, account_id)
		);

		CREATE TABLE IF NOT EXISTS tenants (
			tenant_id           TEXT PRIMARY KEY,
			balance_paise       INTEGER NOT NULL DEFAULT 0,
			daily_realized_pnl  INTEGER NOT NULL DEFAULT 0,
			weekly_realized_pnl INTEGER NOT NULL DEFAULT 0,
			peak_equity_paise   INTEGER NOT NULL DEFAULT 0,
			risk_profile        TEXT NOT NULL DEFAULT 'default'
		);

		CREATE TABLE IF NOT EXISTS positions (
			tenant_id  TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			exchange   TEXT NOT NULL,
			qty        INTEGER NOT NULL,
			avg_price  INTEGER NOT NULL,
			last_price INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, symbol, exchange)
		);
	`)
	return err
}

// CreateOrder persists a new order intent. The caller mints the ID (the API
// layer uses UUIDs).
func (l *Ledger) CreateOrder(ctx context.Context, o *model.OrderIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO orders (id, tenant_id, account_id, symbol, exchange, side, kind,
		                     qty, limit_price, trigger_price, strategy_id, parent_order_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.AccountID, o.Symbol, o.Exchange, string(o.Side), string(o.Kind),
		o.Qty, o.LimitPrice, o.TriggerPrice, o.StrategyID, o.ParentOrderID, o.CreatedAt.UnixMilli())
	return err
}

// LoadOrder fetches an order intent by ID.
func (l *Ledger) LoadOrder(ctx context.Context, id string) (*model.OrderIntent, error) {
	var o model.OrderIntent
	var side, kind string
	var createdAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, account_id, symbol, exchange, side, kind,
		        qty, limit_price, trigger_price, strategy_id, parent_order_id, created_at
		 FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.TenantID, &o.AccountID, &o.Symbol, &o.Exchange, &side, &kind,
			&o.Qty, &o.LimitPrice, &o.TriggerPrice, &o.StrategyID, &o.ParentOrderID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: order %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Kind = model.OrderKind(kind)
	o.CreatedAt = time.UnixMilli(createdAt)
	return &o, nil
}

// LoadExecution fetches the current execution record, or nil, nil when the
// order has never been executed.
func (l *Ledger) LoadExecution(ctx context.Context, orderID string) (*model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	var state string
	var startedAt, updatedAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT order_id, state, retry_count, error_code, error_message,
		        broker_order_id, started_at, updated_at, elapsed_ms
		 FROM executions WHERE order_id = ?`, orderID).
		Scan(&rec.OrderID, &state, &rec.RetryCount, &rec.ErrorCode, &rec.ErrorMessage,
			&rec.BrokerOrderID, &startedAt, &updatedAt, &rec.ElapsedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.State = model.ExecutionState(state)
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// SaveExecution upserts the execution record and appends the transition to
// the audit trail in one transaction, so a crash never leaves the record and
// its history disagreeing.
func (l *Ledger) SaveExecution(ctx context.Context, rec *model.ExecutionRecord, prev model.ExecutionState, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec.UpdatedAt = now
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (order_id, state, retry_count, error_code, error_message,
		                         broker_order_id, started_at, updated_at, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(order_id) DO UPDATE SET
		     state = excluded.state,
		     retry_count = excluded.retry_count,
		     error_code = excluded.error_code,
		     error_message = excluded.error_message,
		     broker_order_id = excluded.broker_order_id,
		     updated_at = excluded.updated_at,
		     elapsed_ms = excluded.elapsed_ms`,
		rec.OrderID, string(rec.State), rec.RetryCount, rec.ErrorCode, rec.ErrorMessage,
		rec.BrokerOrderID, rec.StartedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), rec.ElapsedMs)
	if err != nil {
		tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_transitions (order_id, from_state, to_state, error_code, message, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OrderID, string(prev), string(rec.State), rec.ErrorCode, msg, now.UnixMilli())
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// LoadTransitions returns the persisted transition history, oldest first.
func (l *Ledger) LoadTransitions(ctx context.Context, orderID string) ([]model.Transition, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT order_id, from_state, to_state, error_code, message, at
		 FROM execution_transitions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		var at int64
		if err := rows.Scan(&t.OrderID, &from, &to, &t.ErrorCode, &t.Message, &at); err != nil {
			return nil, err
		}
		t.From = model.ExecutionState(from)
		t.To = model.ExecutionState(to)
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadRiskSnapshot assembles the tenant's balance, positions, trailing-hour
// order times, and realized PnL. Unknown tenants get a zeroed snapshot.
func (l *Ledger) LoadRiskSnapshot(ctx context.Context, tenantID string) (*model.RiskSnapshot, error) {
	snap := &model.RiskSnapshot{TenantID: tenantID}

	err := l.db.QueryRowContext(ctx,
		`SELECT balance_paise, daily_realized_pnl, weekly_realized_pnl, peak_equity_paise
		 FROM tenants WHERE tenant_id = ?`, tenantID).
		Scan(&snap.BalancePaise, &snap.DailyRealizedPnL, &snap.WeeklyRealizedPnL, &snap.PeakEquityPaise)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, symbol, exchange, qty, avg_price, last_price
		 FROM positions WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.TenantID, &p.Symbol, &p.Exchange, &p.Qty, &p.AvgPrice, &p.LastPrice); err != nil {
			return nil, err
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Hour).UnixMilli()
	orows, err := l.db.QueryContext(ctx,
		`SELECT e.started_at FROM executions e
		 JOIN orders o ON o.id = e.order_id
		 WHERE o.tenant_id = ? AND e.started_at >= ?`, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	defer orows.Close()
	for orows.Next() {
		var at int64
		if err := orows.Scan(&at); err != nil {
			return nil, err
		}
		snap.RecentOrders = append(snap.RecentOrders, time.UnixMilli(at))
	}
	return snap, orows.Err()
}

// LoadBrokerConfig fetches the credential bundle for a broker account.
func (l *Ledger) LoadBrokerConfig(ctx context.Context, tenantID, accountID string) (*model.BrokerConfig, error) {
	var cfg model.BrokerConfig
	err := l.db.QueryRowContext(ctx,
		`SELECT tenant_id, account_id, vendor, api_key, client_code, password, totp_secret, base_url
		 FROM broker_accounts WHERE tenant_id = ? AND account_id = ?`, tenantID, accountID).
		Scan(&cfg.TenantID, &cfg.AccountID, &cfg.Vendor, &cfg.APIKey,
			&cfg.ClientCode, &cfg.Password, &cfg.TOTPSecret, &cfg.BaseURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: no broker account for tenant=%s account=%s", tenantID, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpsertBrokerAccount stores or replaces a credential bundle (admin path).
func (l *Ledger) UpsertBrokerAccount(ctx context.Context, cfg *model.BrokerConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO broker_accounts
		     (tenant_id, account_id, vendor, api_key, client_code, password, totp_secret, base_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.TenantID, cfg.AccountID, cfg.Vendor, cfg.APIKey,
		cfg.ClientCode, cfg.Password, cfg.TOTPSecret, cfg.BaseURL)
	return err
}

// UpsertTenant stores or replaces a tenant's balance and PnL row (admin
// path). Peak equity is a high-water mark: it only ratchets up as the balance
// grows, so drawdown is always measured against the best balance seen.
func (l *Ledger) UpsertTenant(ctx context.Context, tenantID string, balancePaise, dailyPnL, weeklyPnL int64, profile string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if profile == "" {
		profile = "default"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tenants
		     (tenant_id, balance_paise, daily_realized_pnl, weekly_realized_pnl, peak_equity_paise, risk_profile)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		     balance_paise       = excluded.balance_paise,
		     daily_realized_pnl  = excluded.daily_realized_pnl,
		     weekly_realized_pnl = excluded.weekly_realized_pnl,
		     peak_equity_paise   = MAX(tenants.peak_equity_paise, excluded.balance_paise),
		     risk_profile        = excluded.risk_profile`,
		tenantID, balancePaise, dailyPnL, weeklyPnL, balancePaise, profile)
	return err
}

// TenantProfile returns the tenant's assigned risk profile name.
func (l *Ledger) TenantProfile(ctx context.Context, tenantID string) (string, error) {
	var profile string
	err := l.db.QueryRowContext(ctx,
		`SELECT risk_profile FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&profile)
	if err == sql.ErrNoRows {
		return "default", nil
	}
	if err != nil {
		return "", err
	}
	return profile, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
