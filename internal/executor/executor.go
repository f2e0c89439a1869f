// Package executor drives an order through its lifecycle: risk evaluation,
// broker session acquisition, circuit-breaker-guarded submission with bounded
// retries, and durable persistence of every state transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trading-execution/internal/breaker"
	"trading-execution/internal/brokererr"
	"trading-execution/internal/logger"
	"trading-execution/internal/metrics"
	"trading-execution/internal/model"
	"trading-execution/internal/notification"
	"trading-execution/internal/risk"
	"trading-execution/internal/session"
)

// Quoter supplies a reference price for market orders. Optional: when absent
// the executor falls back to the order's own prices and the tenant's last
// known position price.
type Quoter interface {
	LastPrice(ctx context.Context, symbol, exchange string) (int64, error)
}

// ProfileResolver maps a tenant to its assigned risk profile name. The SQLite
// ledger satisfies this; absent, the in-memory profile assignments apply.
type ProfileResolver interface {
	TenantProfile(ctx context.Context, tenantID string) (string, error)
}

// Config tunes the retry loop.
type Config struct {
	MaxRetries int           // broker submission retries after the first attempt
	RetryDelay time.Duration // base delay; attempt n waits RetryDelay × n
	Timeout    time.Duration // per-attempt broker call bound
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: 2 * time.Second, Timeout: 30 * time.Second}
}

// Executor is the order execution state machine. Safe for concurrent use
// across distinct order IDs; callers must not run Execute concurrently for
// the same order — the persisted status guard turns accidental double
// submission into a rejected no-op.
type Executor struct {
	ledger   model.Ledger
	risk     *risk.Engine
	profiles *risk.ProfileStore
	resolver ProfileResolver
	quoter   Quoter
	sessions *session.Manager
	breakers *breaker.Registry
	notifier notification.Notifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	// OnResult, when set, receives every terminal ExecutionResult. Used by
	// the API layer to fan results out to websocket subscribers.
	OnResult func(model.ExecutionResult)
}

// New wires the executor. resolver, quoter, and notifier may be nil.
func New(ledger model.Ledger, eng *risk.Engine, profiles *risk.ProfileStore,
	sessions *session.Manager, breakers *breaker.Registry, cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		ledger:   ledger,
		risk:     eng,
		profiles: profiles,
		sessions: sessions,
		breakers: breakers,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetResolver installs a tenant→profile resolver.
func (x *Executor) SetResolver(r ProfileResolver) { x.resolver = r }

// SetQuoter installs a market reference price source.
func (x *Executor) SetQuoter(q Quoter) { x.quoter = q }

// SetNotifier installs an alert sink for critical rejections.
func (x *Executor) SetNotifier(n notification.Notifier) { x.notifier = n }

// Execute runs the order through the full lifecycle and returns the
// structured outcome. The returned error is reserved for infrastructure
// failures (ledger unavailable); broker and risk failures come back inside
// the result with Success=false and a classifiable ErrorCode.
func (x *Executor) Execute(ctx context.Context, orderID string) (model.ExecutionResult, error) {
	start := time.Now()
	log := x.log.With(slog.String("order_id", orderID), slog.String("trace_id", logger.TraceID(ctx)))

	rec, err := x.ledger.LoadExecution(ctx, orderID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load execution %s: %w", orderID, err)
	}
	if rec != nil {
		if rec.State.Terminal() {
			log.Info("execute called on terminal order, returning persisted result",
				slog.String("state", string(rec.State)))
			return resultOf(rec, "already terminal"), nil
		}
		if rec.State != model.StatePending {
			// In flight elsewhere. Refuse rather than double-submit.
			return model.ExecutionResult{
				OrderID:   orderID,
				State:     rec.State,
				ErrorCode: string(brokererr.CodeInvalidTransition),
				Message:   fmt.Sprintf("execution already in flight in state %s", rec.State),
			}, nil
		}
	}

	order, err := x.ledger.LoadOrder(ctx, orderID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	if rec == nil {
		rec = &model.ExecutionRecord{
			OrderID:   orderID,
			State:     model.StatePending,
			StartedAt: start,
			UpdatedAt: start,
		}
		if err := x.ledger.SaveExecution(ctx, rec, "", "execution started"); err != nil {
			return model.ExecutionResult{}, fmt.Errorf("persist initial state: %w", err)
		}
	}

	if verr := order.Validate(); verr != nil {
		if err := x.transition(ctx, rec, start, model.StateFailed, brokererr.CodeValidation, verr.Error()); err != nil {
			return model.ExecutionResult{}, err
		}
		return x.finish(rec, verr.Error(), start), nil
	}

	// Risk gate. Rejection is terminal with no broker contact.
	approved, rejectMsg, err := x.riskGate(ctx, order, rec, start, log)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	if !approved {
		return x.finish(rec, rejectMsg, start), nil
	}

	// Vendor known up front so the breaker resource is stable across attempts.
	bcfg, err := x.ledger.LoadBrokerConfig(ctx, order.TenantID, order.AccountID)
	if err != nil {
		if terr := x.transition(ctx, rec, start, model.StateFailed, brokererr.CodeAuth, "broker config unavailable"); terr != nil {
			return model.ExecutionResult{}, terr
		}
		return x.finish(rec, "broker config unavailable: "+err.Error(), start), nil
	}
	br := x.breakers.Get("broker:" + bcfg.Vendor)

	var lastMsg string
	for attempt := 0; attempt <= x.cfg.MaxRetries; attempt++ {
		rec.RetryCount = attempt
		if err := x.transition(ctx, rec, start, model.StateSubmitted, "",
			fmt.Sprintf("submitting to %s, attempt %d", bcfg.Vendor, attempt+1)); err != nil {
			return model.ExecutionResult{}, err
		}

		brokerOrderID, callErr := x.placeOnce(ctx, br, bcfg, order)
		if callErr == nil {
			rec.BrokerOrderID = brokerOrderID
			if err := x.transition(ctx, rec, start, model.StateBrokerAccepted, "",
				fmt.Sprintf("accepted by %s as %s", bcfg.Vendor, brokerOrderID)); err != nil {
				return model.ExecutionResult{}, err
			}
			log.Info("order accepted by broker",
				slog.String("broker_order_id", brokerOrderID), slog.Int("retries", attempt))
			return x.finish(rec, "accepted", start), nil
		}

		code := classify(callErr)
		lastMsg = callErr.Error()
		log.Warn("broker submission failed",
			slog.Int("attempt", attempt+1), slog.String("code", string(code)),
			slog.String("err", lastMsg))

		if !code.Retryable() {
			if err := x.transition(ctx, rec, start, model.StateBrokerRejected, code, lastMsg); err != nil {
				return model.ExecutionResult{}, err
			}
			if err := x.transition(ctx, rec, start, model.StateFailed, code, lastMsg); err != nil {
				return model.ExecutionResult{}, err
			}
			return x.finish(rec, lastMsg, start), nil
		}

		if attempt == x.cfg.MaxRetries {
			final := model.StateFailed
			if code == brokererr.CodeTimeout {
				final = model.StateTimeout
			}
			if err := x.transition(ctx, rec, start, final, code,
				fmt.Sprintf("retries exhausted after %d attempts: %s", attempt+1, lastMsg)); err != nil {
				return model.ExecutionResult{}, err
			}
			return x.finish(rec, lastMsg, start), nil
		}

		// Linear backoff before persisting the retry marker.
		rec.ErrorCode, rec.ErrorMessage = string(code), lastMsg
		metrics.ExecutionRetries.Inc()
		if err := sleepCtx(ctx, x.cfg.RetryDelay*time.Duration(attempt+1)); err != nil {
			if terr := x.transition(ctx, rec, start, model.StateFailed, brokererr.CodeTimeout,
				"caller cancelled while waiting to retry"); terr != nil {
				return model.ExecutionResult{}, terr
			}
			return x.finish(rec, "cancelled while retrying", start), nil
		}
	}

	// Unreachable: every loop path returns.
	return x.finish(rec, lastMsg, start), nil
}

// placeOnce runs one broker submission through the account's session and the
// vendor's circuit breaker.
func (x *Executor) placeOnce(ctx context.Context, br *breaker.Breaker, bcfg *model.BrokerConfig, order *model.OrderIntent) (string, error) {
	var brokerOrderID string
	err := x.sessions.WithSession(ctx, order.TenantID, order.AccountID, func(client model.BrokerClient) error {
		return br.Call(ctx, func(cctx context.Context) error {
			callCtx, cancel := context.WithTimeout(cctx, x.cfg.Timeout)
			defer cancel()
			defer metrics.ObserveBrokerCall(bcfg.Vendor, "place_order", time.Now())
			id, perr := client.PlaceOrder(callCtx, order)
			if perr != nil {
				return perr
			}
			brokerOrderID = id
			return nil
		})
	})
	return brokerOrderID, err
}

// riskGate evaluates the order and persists the outcome. Returns approved =
// false with the rejection message when the order must not reach the broker.
func (x *Executor) riskGate(ctx context.Context, order *model.OrderIntent, rec *model.ExecutionRecord, start time.Time, log *slog.Logger) (bool, string, error) {
	snap, err := x.ledger.LoadRiskSnapshot(ctx, order.TenantID)
	if err != nil {
		return false, "", fmt.Errorf("load risk snapshot for %s: %w", order.TenantID, err)
	}

	limits := x.limitsFor(ctx, order.TenantID)
	value := order.Value(x.refPrice(ctx, order, snap))

	decision, violations := x.risk.Evaluate(limits, risk.Context{
		Order:      order,
		OrderValue: value,
		Snapshot:   snap,
		Now:        x.now(),
	})
	metrics.RiskEvaluations.WithLabelValues(string(decision)).Inc()

	if decision == risk.DecisionApproved {
		if err := x.transition(ctx, rec, start, model.StateRiskCheckPassed, "", "risk checks passed"); err != nil {
			return false, "", err
		}
		return true, "", nil
	}

	msg := violationSummary(decision, violations)
	critical := false
	for _, v := range violations {
		metrics.RiskRejections.WithLabelValues(v.Rule).Inc()
		if v.Severity == risk.SeverityCritical {
			critical = true
		}
	}
	log.Warn("order rejected by risk engine",
		slog.String("decision", string(decision)), slog.String("violations", msg))

	if err := x.transition(ctx, rec, start, model.StateRiskCheckFailed, brokererr.CodeRiskRejected, msg); err != nil {
		return false, "", err
	}
	if err := x.transition(ctx, rec, start, model.StateFailed, brokererr.CodeRiskRejected, msg); err != nil {
		return false, "", err
	}

	if critical && x.notifier != nil {
		_ = x.notifier.Notify(ctx, notification.Event{
			Kind:     "risk_critical",
			Severity: "CRITICAL",
			Title:    "order blocked by critical risk violation",
			Message:  msg,
			Fields: map[string]string{
				"order_id":  order.ID,
				"tenant_id": order.TenantID,
				"symbol":    order.Symbol,
			},
			At: time.Now(),
		})
	}
	return false, msg, nil
}

// Cancel cancels the order if its state permits it. Cancelling a terminal
// order is an invalid-transition error, not a no-op.
func (x *Executor) Cancel(ctx context.Context, orderID string) (model.ExecutionResult, error) {
	start := time.Now()
	rec, err := x.ledger.LoadExecution(ctx, orderID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load execution %s: %w", orderID, err)
	}
	if rec == nil {
		return model.ExecutionResult{
			OrderID:   orderID,
			ErrorCode: string(brokererr.CodeInvalidTransition),
			Message:   "no execution record for order",
		}, nil
	}
	if !rec.State.Cancellable() {
		return model.ExecutionResult{
			OrderID:   orderID,
			State:     rec.State,
			ErrorCode: string(brokererr.CodeInvalidTransition),
			Message:   fmt.Sprintf("cannot cancel order in state %s", rec.State),
		}, nil
	}

	if rec.BrokerOrderID != "" {
		order, lerr := x.ledger.LoadOrder(ctx, orderID)
		if lerr != nil {
			return model.ExecutionResult{}, fmt.Errorf("load order %s: %w", orderID, lerr)
		}
		bcfg, cerr := x.ledger.LoadBrokerConfig(ctx, order.TenantID, order.AccountID)
		if cerr != nil {
			return model.ExecutionResult{}, fmt.Errorf("load broker config: %w", cerr)
		}
		br := x.breakers.Get("broker:" + bcfg.Vendor)
		callErr := x.sessions.WithSession(ctx, order.TenantID, order.AccountID, func(client model.BrokerClient) error {
			return br.Call(ctx, func(cctx context.Context) error {
				callCtx, cancel := context.WithTimeout(cctx, x.cfg.Timeout)
				defer cancel()
				defer metrics.ObserveBrokerCall(bcfg.Vendor, "cancel_order", time.Now())
				return client.CancelOrder(callCtx, rec.BrokerOrderID)
			})
		})
		if callErr != nil {
			code := classify(callErr)
			return model.ExecutionResult{
				OrderID:       orderID,
				State:         rec.State,
				BrokerOrderID: rec.BrokerOrderID,
				ErrorCode:     string(code),
				Message:       "broker cancellation failed: " + callErr.Error(),
				RetryCount:    rec.RetryCount,
			}, nil
		}
	}

	if err := x.transition(ctx, rec, rec.StartedAt, model.StateCancelled, "", "cancelled"); err != nil {
		return model.ExecutionResult{}, err
	}
	x.log.Info("order cancelled",
		slog.String("order_id", orderID), slog.String("broker_order_id", rec.BrokerOrderID),
		slog.Duration("took", time.Since(start)))
	return x.finish(rec, "cancelled", rec.StartedAt), nil
}

// SyncStatus reconciles the persisted state with the broker's view: a call
// that timed out caller-side may still have completed at the vendor.
func (x *Executor) SyncStatus(ctx context.Context, orderID string) (model.ExecutionResult, error) {
	rec, err := x.ledger.LoadExecution(ctx, orderID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load execution %s: %w", orderID, err)
	}
	if rec == nil || rec.BrokerOrderID == "" {
		return model.ExecutionResult{
			OrderID:   orderID,
			ErrorCode: string(brokererr.CodeInvalidTransition),
			Message:   "no broker order to sync",
		}, nil
	}
	if rec.State.Terminal() {
		return resultOf(rec, "already terminal"), nil
	}

	order, err := x.ledger.LoadOrder(ctx, orderID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	bcfg, err := x.ledger.LoadBrokerConfig(ctx, order.TenantID, order.AccountID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load broker config: %w", err)
	}

	var status *model.OrderStatus
	callErr := x.sessions.WithSession(ctx, order.TenantID, order.AccountID, func(client model.BrokerClient) error {
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
		defer cancel()
		defer metrics.ObserveBrokerCall(bcfg.Vendor, "order_status", time.Now())
		st, serr := client.GetOrderStatus(callCtx, rec.BrokerOrderID)
		if serr != nil {
			return serr
		}
		status = st
		return nil
	})
	if callErr != nil {
		return model.ExecutionResult{
			OrderID:       orderID,
			State:         rec.State,
			BrokerOrderID: rec.BrokerOrderID,
			ErrorCode:     string(classify(callErr)),
			Message:       "status sync failed: " + callErr.Error(),
		}, nil
	}

	switch strings.ToUpper(status.Status) {
	case "COMPLETE", "FILLED":
		if err := x.transition(ctx, rec, rec.StartedAt, model.StateFilled, "",
			fmt.Sprintf("filled %d @ %d", status.FilledQty, status.AvgPrice)); err != nil {
			return model.ExecutionResult{}, err
		}
	case "REJECTED":
		if err := x.transition(ctx, rec, rec.StartedAt, model.StateBrokerRejected, brokererr.CodeOrderRejected, "rejected at broker"); err != nil {
			return model.ExecutionResult{}, err
		}
		if err := x.transition(ctx, rec, rec.StartedAt, model.StateFailed, brokererr.CodeOrderRejected, "rejected at broker"); err != nil {
			return model.ExecutionResult{}, err
		}
	case "CANCELLED":
		if err := x.transition(ctx, rec, rec.StartedAt, model.StateCancelled, "", "cancelled at broker"); err != nil {
			return model.ExecutionResult{}, err
		}
	default:
		// Still open at the vendor; nothing to reconcile.
	}
	return x.finish(rec, "synced: "+status.Status, rec.StartedAt), nil
}

// transition mutates rec to the new state and persists it with the audit
// transition, synchronously. A persistence failure here is fatal to the call.
func (x *Executor) transition(ctx context.Context, rec *model.ExecutionRecord, start time.Time, to model.ExecutionState, code brokererr.Code, msg string) error {
	prev := rec.State
	rec.State = to
	if code != "" {
		rec.ErrorCode = string(code)
		rec.ErrorMessage = msg
	}
	rec.UpdatedAt = time.Now()
	rec.ElapsedMs = time.Since(start).Milliseconds()
	if err := x.ledger.SaveExecution(ctx, rec, prev, msg); err != nil {
		return fmt.Errorf("persist transition %s→%s for %s: %w", prev, to, rec.OrderID, err)
	}
	return nil
}

// finish builds the caller-visible result, records metrics, and publishes it.
func (x *Executor) finish(rec *model.ExecutionRecord, msg string, start time.Time) model.ExecutionResult {
	res := resultOf(rec, msg)
	metrics.ExecutionsTotal.WithLabelValues(string(rec.State)).Inc()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	if x.OnResult != nil {
		x.OnResult(res)
	}
	return res
}

func resultOf(rec *model.ExecutionRecord, msg string) model.ExecutionResult {
	success := rec.State == model.StateBrokerAccepted || rec.State == model.StateFilled
	if msg == "" {
		msg = rec.ErrorMessage
	}
	return model.ExecutionResult{
		OrderID:       rec.OrderID,
		Success:       success,
		State:         rec.State,
		BrokerOrderID: rec.BrokerOrderID,
		ErrorCode:     rec.ErrorCode,
		Message:       msg,
		RetryCount:    rec.RetryCount,
		ElapsedMs:     rec.ElapsedMs,
	}
}

// limitsFor resolves the tenant's risk limits: durable assignment first,
// in-memory assignment otherwise.
func (x *Executor) limitsFor(ctx context.Context, tenantID string) risk.Limits {
	if x.resolver != nil {
		if name, err := x.resolver.TenantProfile(ctx, tenantID); err == nil && name != "" {
			return x.profiles.Get(name)
		}
	}
	return x.profiles.ForTenant(tenantID)
}

// refPrice picks the reference price for notional valuation: quoter, the
// order's own limit/trigger price, then the tenant's last known price for the
// symbol.
func (x *Executor) refPrice(ctx context.Context, order *model.OrderIntent, snap *model.RiskSnapshot) int64 {
	if x.quoter != nil {
		if px, err := x.quoter.LastPrice(ctx, order.Symbol, order.Exchange); err == nil && px > 0 {
			return px
		}
	}
	if order.LimitPrice > 0 {
		return order.LimitPrice
	}
	if order.TriggerPrice > 0 {
		return order.TriggerPrice
	}
	for _, p := range snap.Positions {
		if p.Symbol == order.Symbol && p.LastPrice > 0 {
			return p.LastPrice
		}
	}
	return 0
}

// classify maps any lower-layer error to a broker error code. Breaker-open
// surfaces as its own retryable code so a persistently open breaker exhausts
// retries through normal backoff instead of busy-looping.
func classify(err error) brokererr.Code {
	if errors.Is(err, breaker.ErrOpen) {
		return brokererr.CodeBreakerOpen
	}
	return brokererr.CodeOf(err)
}

func violationSummary(decision risk.Decision, vs []risk.Violation) string {
	if len(vs) == 0 {
		return string(decision)
	}
	rules := make([]string, 0, len(vs))
	for _, v := range vs {
		rules = append(rules, v.Rule)
	}
	prefix := "risk rejected"
	if decision == risk.DecisionRequiresApproval {
		prefix = "manual approval required"
	}
	return prefix + ": " + strings.Join(rules, ", ")
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
