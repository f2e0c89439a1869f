// Package risk implements admission control: a rule-based engine that
// approves, rejects, or flags order intents against configurable per-tenant
// limits before any broker is contacted.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"trading-execution/internal/model"
)

// MarketHints are optional market-condition inputs for the volatility and
// liquidity checks. Checks that need a missing hint are skipped.
type MarketHints struct {
	VolatilityPct float64 `json:"volatility_pct"`
	Volume        int64   `json:"volume"`
}

// Context is one evaluation's input snapshot. Immutable during evaluation.
type Context struct {
	Order      *model.OrderIntent
	OrderValue int64 // notional in paise
	Snapshot   *model.RiskSnapshot
	Hints      *MarketHints
	Now        time.Time // zero value = wall clock
}

// Engine evaluates order intents. The per-tenant rate windows are the one
// piece of mutable state it carries; everything else is read from the
// supplied Context.
type Engine struct {
	windows *windowSet
	log     *slog.Logger
}

// NewEngine creates a risk engine.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{windows: newWindowSet(), log: log}
}

// Evaluate runs every check in a fixed order and returns the decision plus
// all violations found. The checks never stop early: the full violation list
// is returned for audit even when the first check already rejects.
//
// Check order: structural validity, order value and balance, position sizing,
// aggregate exposure, trailing losses, order rate, market conditions, trading
// hours.
func (e *Engine) Evaluate(limits Limits, rc Context) (Decision, []Violation) {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	var vs []Violation
	add := func(rule string, sev Severity, observed, limit float64, msg, fix string) {
		vs = append(vs, Violation{
			Rule: rule, Severity: sev, Message: msg,
			Observed: observed, Limit: limit, Suggestion: fix, At: now,
		})
	}

	// 1. Structural validity.
	if err := rc.Order.Validate(); err != nil {
		add(RuleInvalidOrder, SeverityCritical, 0, 0, err.Error(), "fix the order fields and resubmit")
	}
	if rc.OrderValue <= 0 {
		add(RuleInvalidOrder, SeverityCritical, float64(rc.OrderValue), 0,
			"order value must be positive", "supply a reference price for market orders")
	}

	snap := rc.Snapshot
	if snap == nil {
		snap = &model.RiskSnapshot{TenantID: rc.Order.TenantID}
	}

	// 2. Order-value ceiling and sufficient balance.
	if limits.MaxOrderValue > 0 && rc.OrderValue > limits.MaxOrderValue {
		add(RuleMaxOrderValue, SeverityHigh, rupees(rc.OrderValue), rupees(limits.MaxOrderValue),
			fmt.Sprintf("order value ₹%.2f exceeds ceiling ₹%.2f", rupees(rc.OrderValue), rupees(limits.MaxOrderValue)),
			"reduce quantity or split the order")
	}
	if rc.Order.Side == model.SideBuy && rc.OrderValue > snap.BalancePaise {
		add(RuleInsufficientBal, SeverityHigh, rupees(rc.OrderValue), rupees(snap.BalancePaise),
			"order value exceeds available balance", "top up funds or reduce quantity")
	}

	// 3. Position size as % of balance, and open-position count.
	if limits.MaxPositionPct > 0 && snap.BalancePaise > 0 {
		pct := float64(rc.OrderValue) / float64(snap.BalancePaise) * 100
		if pct > limits.MaxPositionPct {
			add(RulePositionSizePct, SeverityHigh, pct, limits.MaxPositionPct,
				fmt.Sprintf("position would be %.1f%% of balance (cap %.1f%%)", pct, limits.MaxPositionPct),
				"reduce quantity")
		}
	}
	if limits.MaxOpenPositions > 0 && isNewPosition(snap.Positions, rc.Order) &&
		len(snap.Positions) >= limits.MaxOpenPositions {
		add(RuleMaxOpenPositions, SeverityHigh, float64(len(snap.Positions)), float64(limits.MaxOpenPositions),
			"open position count at ceiling", "close an existing position first")
	}

	// 4. Aggregate exposure across open positions.
	if limits.MaxExposure > 0 {
		var total int64
		for _, p := range snap.Positions {
			total += p.Exposure()
		}
		if total+rc.OrderValue > limits.MaxExposure {
			add(RuleMaxExposure, SeverityHigh, rupees(total+rc.OrderValue), rupees(limits.MaxExposure),
				"aggregate exposure would exceed ceiling", "reduce existing exposure first")
		}
	}

	// 5. Trailing realized-loss ceilings.
	if snap.BalancePaise > 0 {
		if limits.MaxDailyLossPct > 0 && snap.DailyRealizedPnL < 0 {
			lossPct := float64(-snap.DailyRealizedPnL) / float64(snap.BalancePaise) * 100
			if lossPct > limits.MaxDailyLossPct {
				add(RuleDailyLoss, SeverityCritical, lossPct, limits.MaxDailyLossPct,
					"daily realized loss limit breached", "trading halted until next session")
			}
		}
		if limits.MaxWeeklyLossPct > 0 && snap.WeeklyRealizedPnL < 0 {
			lossPct := float64(-snap.WeeklyRealizedPnL) / float64(snap.BalancePaise) * 100
			if lossPct > limits.MaxWeeklyLossPct {
				add(RuleWeeklyLoss, SeverityCritical, lossPct, limits.MaxWeeklyLossPct,
					"weekly realized loss limit breached", "trading halted for the week")
			}
		}
	}
	if limits.MaxDrawdownPct > 0 && snap.PeakEquityPaise > 0 && snap.BalancePaise < snap.PeakEquityPaise {
		ddPct := float64(snap.PeakEquityPaise-snap.BalancePaise) / float64(snap.PeakEquityPaise) * 100
		if ddPct > limits.MaxDrawdownPct {
			add(RuleMaxDrawdown, SeverityCritical, ddPct, limits.MaxDrawdownPct,
				"drawdown from peak equity limit breached", "trading halted pending review")
		}
	}

	// 6. Sliding-window order-rate limiting. The window counts and records
	// atomically, so concurrent evaluations for one tenant never admit more
	// than the ceiling, and a rejected evaluation never consumes the window.
	w := e.windows.get(rc.Order.TenantID)
	w.seed(snap.RecentOrders, now)
	perMin, perHour, recorded := w.checkAndRecord(now, limits.MaxOrdersPerMinute, limits.MaxOrdersPerHour)
	if !recorded {
		if limits.MaxOrdersPerMinute > 0 && perMin >= limits.MaxOrdersPerMinute {
			add(RuleOrdersPerMinute, SeverityHigh, float64(perMin), float64(limits.MaxOrdersPerMinute),
				"per-minute order rate ceiling reached", "wait before submitting more orders")
		}
		if limits.MaxOrdersPerHour > 0 && perHour >= limits.MaxOrdersPerHour {
			add(RuleOrdersPerHour, SeverityHigh, float64(perHour), float64(limits.MaxOrdersPerHour),
				"per-hour order rate ceiling reached", "wait before submitting more orders")
		}
	}

	// 7. Market-condition checks, when hints are supplied.
	if rc.Hints != nil {
		if limits.MaxVolatilityPct > 0 && rc.Hints.VolatilityPct > limits.MaxVolatilityPct {
			add(RuleHighVolatility, SeverityMedium, rc.Hints.VolatilityPct, limits.MaxVolatilityPct,
				"volatility above profile ceiling", "requires manual approval")
		}
		if limits.MinVolume > 0 && rc.Hints.Volume < limits.MinVolume {
			add(RuleLowLiquidity, SeverityMedium, float64(rc.Hints.Volume), float64(limits.MinVolume),
				"traded volume below liquidity floor", "requires manual approval")
		}
	}

	// 8. Trading-hours window.
	if !limits.TradingWindow.Contains(now) {
		add(RuleOutsideMarketHours, SeverityHigh, 0, 0,
			"outside the allowed trading window", "submit during market hours")
	}

	decision := decide(vs)
	if decision != DecisionApproved {
		e.log.Warn("risk evaluation blocked order",
			slog.String("order_id", rc.Order.ID),
			slog.String("tenant_id", rc.Order.TenantID),
			slog.String("decision", string(decision)),
			slog.Int("violations", len(vs)))
	}
	return decision, vs
}

// decide maps violations to the decision: any CRITICAL or HIGH rejects, else
// any MEDIUM requires approval, else approved.
func decide(vs []Violation) Decision {
	d := DecisionApproved
	for _, v := range vs {
		switch v.Severity {
		case SeverityCritical, SeverityHigh:
			return DecisionRejected
		case SeverityMedium:
			d = DecisionRequiresApproval
		}
	}
	return d
}

func isNewPosition(positions []model.Position, o *model.OrderIntent) bool {
	for _, p := range positions {
		if p.Symbol == o.Symbol && p.Exchange == o.Exchange {
			return false
		}
	}
	return true
}

func rupees(v int64) float64 { return float64(v) / 100 }
