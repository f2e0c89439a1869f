package risk

import (
	"testing"
	"time"

	"trading-execution/internal/markethours"
	"trading-execution/internal/model"
)

// Monday 2026-01-05 10:30 IST: a regular trading day inside market hours.
var tradingTime = time.Date(2026, 1, 5, 10, 30, 0, 0, markethours.IST)

func testOrder(qty, limitPaise int64) *model.OrderIntent {
	return &model.OrderIntent{
		ID:         "ord-1",
		TenantID:   "tenant-a",
		AccountID:  "acct-1",
		Symbol:     "ABC",
		Exchange:   "NSE",
		Side:       model.SideBuy,
		Kind:       model.KindLimit,
		Qty:        qty,
		LimitPrice: limitPaise,
		CreatedAt:  tradingTime,
	}
}

func testSnapshot(balancePaise int64) *model.RiskSnapshot {
	return &model.RiskSnapshot{TenantID: "tenant-a", BalancePaise: balancePaise}
}

func hasViolation(vs []Violation, rule string) bool {
	for _, v := range vs {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func TestApprovedCleanOrder(t *testing.T) {
	e := NewEngine(nil)
	order := testOrder(100, 10000) // 100 × ₹100 = ₹10,000
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(100000000), // ₹10,00,000
		Now:        tradingTime,
	})
	if d != DecisionApproved {
		t.Fatalf("decision = %s, violations = %v", d, vs)
	}
	if len(vs) != 0 {
		t.Fatalf("unexpected violations: %v", vs)
	}
}

func TestMaxOrderValueExceeded(t *testing.T) {
	e := NewEngine(nil)
	// 100 × ₹2,500 = ₹2,50,000 against a ₹50,000 ceiling.
	order := testOrder(100, 250000)
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(1000000000), // ₹1,00,00,000
		Now:        tradingTime,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED", d)
	}
	if !hasViolation(vs, RuleMaxOrderValue) {
		t.Fatalf("violations = %v, want %s", vs, RuleMaxOrderValue)
	}
}

func TestInsufficientBalance(t *testing.T) {
	e := NewEngine(nil)
	order := testOrder(100, 10000) // ₹10,000
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(500000), // ₹5,000
		Now:        tradingTime,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED", d)
	}
	if !hasViolation(vs, RuleInsufficientBal) {
		t.Fatalf("violations = %v, want %s", vs, RuleInsufficientBal)
	}
}

func TestOrderRateLimit(t *testing.T) {
	e := NewEngine(nil)
	limits := DefaultLimits()
	limits.MaxOrdersPerMinute = 3

	snap := testSnapshot(100000000)
	for i := 0; i < 3; i++ {
		order := testOrder(10, 10000)
		d, vs := e.Evaluate(limits, Context{
			Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime,
		})
		if d != DecisionApproved {
			t.Fatalf("evaluation %d: decision = %s, violations = %v", i, d, vs)
		}
	}

	order := testOrder(10, 10000)
	d, vs := e.Evaluate(limits, Context{
		Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED on the %dth order", d, limits.MaxOrdersPerMinute+1)
	}
	if !hasViolation(vs, RuleOrdersPerMinute) {
		t.Fatalf("violations = %v, want %s", vs, RuleOrdersPerMinute)
	}
}

func TestRateRejectionDoesNotConsumeWindow(t *testing.T) {
	e := NewEngine(nil)
	limits := DefaultLimits()
	limits.MaxOrdersPerMinute = 1

	snap := testSnapshot(100000000)
	order := testOrder(10, 10000)
	rc := Context{Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime}

	if d, _ := e.Evaluate(limits, rc); d != DecisionApproved {
		t.Fatalf("first evaluation should pass, got %s", d)
	}
	// Every subsequent evaluation is rejected at the same observed count: the
	// rejected evaluations never increment the window.
	for i := 0; i < 3; i++ {
		_, vs := e.Evaluate(limits, rc)
		for _, v := range vs {
			if v.Rule == RuleOrdersPerMinute && v.Observed != 1 {
				t.Fatalf("observed = %v, want 1 (rejections must not record)", v.Observed)
			}
		}
	}
}

func TestMaxOpenPositions(t *testing.T) {
	e := NewEngine(nil)
	limits := DefaultLimits()
	limits.MaxOpenPositions = 2

	snap := testSnapshot(100000000)
	snap.Positions = []model.Position{
		{TenantID: "tenant-a", Symbol: "XYZ", Exchange: "NSE", Qty: 10, AvgPrice: 10000},
		{TenantID: "tenant-a", Symbol: "DEF", Exchange: "NSE", Qty: 10, AvgPrice: 10000},
	}

	order := testOrder(10, 10000) // new symbol ABC
	_, vs := e.Evaluate(limits, Context{
		Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime,
	})
	if !hasViolation(vs, RuleMaxOpenPositions) {
		t.Fatalf("violations = %v, want %s for a new symbol at the cap", vs, RuleMaxOpenPositions)
	}

	// Adding to an existing position is allowed at the cap.
	existing := testOrder(10, 10000)
	existing.Symbol = "XYZ"
	_, vs = e.Evaluate(limits, Context{
		Order: existing, OrderValue: existing.Value(0), Snapshot: snap, Now: tradingTime,
	})
	if hasViolation(vs, RuleMaxOpenPositions) {
		t.Fatalf("violations = %v, existing symbol should not trip the position cap", vs)
	}
}

func TestDailyLossHalts(t *testing.T) {
	e := NewEngine(nil)
	snap := testSnapshot(100000000)  // ₹10,00,000
	snap.DailyRealizedPnL = -4000000 // ₹-40,000 = 4% loss, cap 3%

	order := testOrder(10, 10000)
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED", d)
	}
	if !hasViolation(vs, RuleDailyLoss) {
		t.Fatalf("violations = %v, want %s", vs, RuleDailyLoss)
	}
}

func TestMediumViolationsRequireApproval(t *testing.T) {
	e := NewEngine(nil)
	limits := DefaultLimits()
	limits.MaxVolatilityPct = 5

	order := testOrder(10, 10000)
	d, vs := e.Evaluate(limits, Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(100000000),
		Hints:      &MarketHints{VolatilityPct: 12},
		Now:        tradingTime,
	})
	if d != DecisionRequiresApproval {
		t.Fatalf("decision = %s, want REQUIRES_APPROVAL, violations = %v", d, vs)
	}
	if !hasViolation(vs, RuleHighVolatility) {
		t.Fatalf("violations = %v, want %s", vs, RuleHighVolatility)
	}
}

func TestOutsideTradingHours(t *testing.T) {
	e := NewEngine(nil)
	evening := time.Date(2026, 1, 5, 18, 0, 0, 0, markethours.IST)

	order := testOrder(10, 10000)
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order: order, OrderValue: order.Value(0), Snapshot: testSnapshot(100000000), Now: evening,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED", d)
	}
	if !hasViolation(vs, RuleOutsideMarketHours) {
		t.Fatalf("violations = %v, want %s", vs, RuleOutsideMarketHours)
	}
}

func TestUnsetTradingWindowTradesExchangeHours(t *testing.T) {
	// A profile that never sets a trading window (the usual YAML shape) must
	// trade the normal exchange session, not reject every order.
	e := NewEngine(nil)
	limits := Limits{Name: "lean", MaxOrderValue: 2500000, MaxOrdersPerMinute: 5}
	order := testOrder(10, 10000) // ₹1,000

	d, vs := e.Evaluate(limits, Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(100000000),
		Now:        tradingTime,
	})
	if d != DecisionApproved {
		t.Fatalf("decision = %s, violations = %v", d, vs)
	}

	afterHours := time.Date(2026, 1, 5, 18, 0, 0, 0, markethours.IST)
	d, vs = e.Evaluate(limits, Context{
		Order:      order,
		OrderValue: order.Value(0),
		Snapshot:   testSnapshot(100000000),
		Now:        afterHours,
	})
	if d != DecisionRejected || !hasViolation(vs, RuleOutsideMarketHours) {
		t.Fatalf("decision = %s, violations = %v, want after-hours rejection", d, vs)
	}
}

func TestMaxDrawdownHalts(t *testing.T) {
	e := NewEngine(nil)
	snap := testSnapshot(90000000)   // ₹9,00,000 current
	snap.PeakEquityPaise = 100000000 // ₹10,00,000 peak: 10% drawdown, cap 5%

	order := testOrder(10, 10000)
	d, vs := e.Evaluate(DefaultLimits(), Context{
		Order: order, OrderValue: order.Value(0), Snapshot: snap, Now: tradingTime,
	})
	if d != DecisionRejected {
		t.Fatalf("decision = %s, want REJECTED", d)
	}
	if !hasViolation(vs, RuleMaxDrawdown) {
		t.Fatalf("violations = %v, want %s", vs, RuleMaxDrawdown)
	}
}

func TestProfileStoreUpdateBumpsVersion(t *testing.T) {
	s := NewProfileStore()
	ceiling := int64(2500000)
	updated, err := s.Update("default", PartialLimits{MaxOrderValue: &ceiling})
	if err != nil {
		t.Fatal(err)
	}
	if updated.MaxOrderValue != ceiling {
		t.Fatalf("MaxOrderValue = %d, want %d", updated.MaxOrderValue, ceiling)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
	if got := s.Get("default").MaxOrderValue; got != ceiling {
		t.Fatalf("stored MaxOrderValue = %d, want %d", got, ceiling)
	}
}

func TestProfileAssignment(t *testing.T) {
	aggressive := DefaultLimits()
	aggressive.Name = "aggressive"
	aggressive.MaxOrderValue = 50000000

	s := NewProfileStore(aggressive)
	if err := s.Assign("tenant-a", "aggressive"); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("tenant-b", "nonexistent"); err == nil {
		t.Fatal("assigning an unknown profile should fail")
	}
	if got := s.ForTenant("tenant-a").MaxOrderValue; got != 50000000 {
		t.Fatalf("ForTenant MaxOrderValue = %d, want 50000000", got)
	}
	if got := s.ForTenant("tenant-unassigned").Name; got != "default" {
		t.Fatalf("unassigned tenant resolved to %q, want default", got)
	}
}
