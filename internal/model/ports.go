package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the execution core from concrete implementations
// (Redis shared store, SQLite ledger, vendor broker SDKs). Each implementation
// satisfies one or more of these interfaces.

// Position is an open position belonging to a tenant.
type Position struct {
	TenantID  string `json:"tenant_id"`
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Qty       int64  `json:"qty"`        // signed: negative = short
	AvgPrice  int64  `json:"avg_price"`  // paise
	LastPrice int64  `json:"last_price"` // paise
}

// Exposure returns the absolute notional value of the position in paise.
func (p Position) Exposure() int64 {
	px := p.LastPrice
	if px == 0 {
		px = p.AvgPrice
	}
	qty := p.Qty
	if qty < 0 {
		qty = -qty
	}
	return qty * px
}

// RiskSnapshot is the tenant state the risk engine evaluates against.
// Loaded from the ledger in one shot so limits are checked on a consistent view.
type RiskSnapshot struct {
	TenantID     string      `json:"tenant_id"`
	BalancePaise int64       `json:"balance_paise"`
	Positions    []Position  `json:"positions"`
	RecentOrders []time.Time `json:"recent_orders"` // submit times, trailing hour

	// Realized PnL in paise, negative = loss. PeakEquityPaise is the
	// balance high-water mark the drawdown check measures against.
	DailyRealizedPnL  int64 `json:"daily_realized_pnl"`
	WeeklyRealizedPnL int64 `json:"weekly_realized_pnl"`
	PeakEquityPaise   int64 `json:"peak_equity_paise"`
}

// BrokerConfig is one tenant's credential bundle for one broker account.
type BrokerConfig struct {
	TenantID   string `json:"tenant_id"`
	AccountID  string `json:"account_id"`
	Vendor     string `json:"vendor"` // e.g. "angelone", "paper"
	APIKey     string `json:"api_key"`
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	BaseURL    string `json:"base_url"` // optional vendor endpoint override
}

// OrderStatus is a broker-side view of an order.
type OrderStatus struct {
	Status    string `json:"status"` // OPEN, COMPLETE, REJECTED, CANCELLED
	FilledQty int64  `json:"filled_qty"`
	AvgPrice  int64  `json:"avg_price"` // paise
}

// BrokerClient is implemented once per broker vendor. Errors returned by
// implementations must be classifiable via the brokererr package.
type BrokerClient interface {
	// Authenticate establishes a live session with the vendor.
	Authenticate(ctx context.Context) error

	// PlaceOrder submits the order and returns the broker-assigned order ID.
	PlaceOrder(ctx context.Context, o *OrderIntent) (string, error)

	// CancelOrder cancels a previously accepted order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderStatus fetches the broker's current view of the order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)

	// HealthCheck is a lightweight liveness probe against the vendor.
	HealthCheck(ctx context.Context) (bool, error)

	// Disconnect tears down the session.
	Disconnect() error
}

// Ledger is the durable system of record for orders and execution state.
type Ledger interface {
	// LoadOrder fetches an order intent by ID.
	LoadOrder(ctx context.Context, id string) (*OrderIntent, error)

	// LoadExecution fetches the current execution record for an order.
	// Returns nil, nil when no record exists yet.
	LoadExecution(ctx context.Context, orderID string) (*ExecutionRecord, error)

	// SaveExecution upserts the execution record and appends the transition
	// from prev to rec.State to the audit trail, atomically.
	SaveExecution(ctx context.Context, rec *ExecutionRecord, prev ExecutionState, msg string) error

	// LoadTransitions returns the persisted transition history for an order.
	LoadTransitions(ctx context.Context, orderID string) ([]Transition, error)

	// LoadRiskSnapshot assembles the tenant's balance, open positions, recent
	// order times, and realized PnL in a single consistent read.
	LoadRiskSnapshot(ctx context.Context, tenantID string) (*RiskSnapshot, error)

	// LoadBrokerConfig fetches the credential bundle for a broker account.
	LoadBrokerConfig(ctx context.Context, tenantID, accountID string) (*BrokerConfig, error)

	// Close releases underlying resources.
	Close() error
}

// SharedStore is the cross-process key-value store backing circuit-breaker
// state. All mutations the breaker performs are expressed through
// CompareAndSwap so racing workers converge within one round trip.
type SharedStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value with a TTL (0 = no expiry).
	Set(ctx context.Context, key, val string, ttl time.Duration) error

	// Incr atomically increments the integer value at key.
	Incr(ctx context.Context, key string) (int64, error)

	// CompareAndSwap writes newVal only if the current value equals oldVal.
	// oldVal == "" means "only if the key is absent". Returns whether the
	// swap happened.
	CompareAndSwap(ctx context.Context, key, oldVal, newVal string, ttl time.Duration) (bool, error)

	// Close releases underlying resources.
	Close() error
}
