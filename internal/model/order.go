package model

import (
	"fmt"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind is the price mechanism of the order.
type OrderKind string

const (
	KindMarket    OrderKind = "MARKET"
	KindLimit     OrderKind = "LIMIT"
	KindStop      OrderKind = "STOP"
	KindStopLimit OrderKind = "STOP_LIMIT"
)

// OrderIntent is a tenant's request to trade. Immutable once handed to the
// executor. All monetary values are in paise (1 INR = 100 paise).
type OrderIntent struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Exchange      string    `json:"exchange"`
	Side          Side      `json:"side"`
	Kind          OrderKind `json:"kind"`
	Qty           int64     `json:"qty"`
	LimitPrice    int64     `json:"limit_price"`     // paise; 0 for market
	TriggerPrice  int64     `json:"trigger_price"`   // paise; 0 unless stop variants
	StrategyID    string    `json:"strategy_id"`     // optional
	ParentOrderID string    `json:"parent_order_id"` // optional
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks structural validity of the intent.
func (o *OrderIntent) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order %s: empty symbol", o.ID)
	}
	if o.TenantID == "" || o.AccountID == "" {
		return fmt.Errorf("order %s: missing tenant/account", o.ID)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %s: invalid side %q", o.ID, o.Side)
	}
	switch o.Kind {
	case KindMarket, KindLimit, KindStop, KindStopLimit:
	default:
		return fmt.Errorf("order %s: invalid kind %q", o.ID, o.Kind)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: non-positive qty %d", o.ID, o.Qty)
	}
	if (o.Kind == KindLimit || o.Kind == KindStopLimit) && o.LimitPrice <= 0 {
		return fmt.Errorf("order %s: %s order requires positive limit price", o.ID, o.Kind)
	}
	if (o.Kind == KindStop || o.Kind == KindStopLimit) && o.TriggerPrice <= 0 {
		return fmt.Errorf("order %s: %s order requires positive trigger price", o.ID, o.Kind)
	}
	return nil
}

// Value returns the notional order value in paise. Market orders price off
// the supplied reference price (last traded price); limit variants use the
// limit price.
func (o *OrderIntent) Value(refPrice int64) int64 {
	px := o.LimitPrice
	if px == 0 {
		px = refPrice
	}
	return px * o.Qty
}
