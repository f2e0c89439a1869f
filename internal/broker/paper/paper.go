// Package paper is a simulated broker vendor: orders fill instantly at the
// limit price (or a fixed reference price for market orders) without any
// network calls. Used in dev mode and end-to-end tests; failure injection
// drives the executor's retry and non-retry paths.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-execution/internal/brokererr"
	"trading-execution/internal/model"
)

// Vendor is the registry key for this client.
const Vendor = "paper"

// refPrice is the fill price for market orders, in paise.
const refPrice = 10000 // ₹100.00

// Client is an in-memory broker session.
type Client struct {
	mu            sync.Mutex
	authenticated bool
	orderSeq      int64
	orders        map[string]*model.OrderStatus
	seenTags      map[string]string // intent ID → broker order ID

	// FailNext, when non-nil, is returned (and cleared) by the next
	// PlaceOrder call. Tests use it to inject vendor failures.
	FailNext error

	// Unhealthy makes HealthCheck report false.
	Unhealthy bool
}

// New builds a paper client. The credential bundle is ignored beyond the
// vendor name.
func New(_ *model.BrokerConfig) (model.BrokerClient, error) {
	return &Client{
		orders:   make(map[string]*model.OrderStatus),
		seenTags: make(map[string]string),
	}, nil
}

// Authenticate marks the session live.
func (c *Client) Authenticate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	return nil
}

// PlaceOrder fills the order instantly. Resubmitting the same intent ID is
// rejected as a duplicate, matching real venue behavior on order tags.
func (c *Client) PlaceOrder(_ context.Context, o *model.OrderIntent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authenticated {
		return "", brokererr.New(Vendor, brokererr.CodeAuth, "session not authenticated")
	}
	if err := c.FailNext; err != nil {
		c.FailNext = nil
		return "", err
	}
	if oid, ok := c.seenTags[o.ID]; ok {
		return "", brokererr.New(Vendor, brokererr.CodeDuplicateOrder,
			fmt.Sprintf("intent %s already placed as %s", o.ID, oid))
	}

	px := o.LimitPrice
	if px == 0 {
		px = refPrice
	}
	c.orderSeq++
	oid := fmt.Sprintf("PAPER-%d-%d", time.Now().Unix(), c.orderSeq)
	c.orders[oid] = &model.OrderStatus{Status: "COMPLETE", FilledQty: o.Qty, AvgPrice: px}
	c.seenTags[o.ID] = oid
	return oid, nil
}

// CancelOrder cancels an open order; completed orders cannot be cancelled.
func (c *Client) CancelOrder(_ context.Context, brokerOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[brokerOrderID]
	if !ok {
		return brokererr.New(Vendor, brokererr.CodeOrderRejected, "unknown order").WithRawCode(brokerOrderID)
	}
	if st.Status == "COMPLETE" {
		return brokererr.New(Vendor, brokererr.CodeOrderRejected, "order already complete")
	}
	st.Status = "CANCELLED"
	return nil
}

// GetOrderStatus returns the simulated order state.
func (c *Client) GetOrderStatus(_ context.Context, brokerOrderID string) (*model.OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[brokerOrderID]
	if !ok {
		return nil, brokererr.New(Vendor, brokererr.CodeOrderRejected, "unknown order").WithRawCode(brokerOrderID)
	}
	cp := *st
	return &cp, nil
}

// HealthCheck reports the injected health flag.
func (c *Client) HealthCheck(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unhealthy {
		return false, nil
	}
	return c.authenticated, nil
}

// Disconnect drops the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = false
	return nil
}
