// Package breaker implements a circuit breaker whose state lives in the
// shared key-value store, so every worker process observes the same view of
// an external dependency's health. After FailureThreshold consecutive
// failures the breaker opens and rejects calls for RecoveryTimeout. The next
// call after the timeout transitions to half-open and is allowed through as a
// probe; SuccessThreshold consecutive successes close the breaker again, and
// any half-open failure reopens it.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-execution/internal/model"
)

// ErrOpen is returned when the breaker rejects a call without invoking fn.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker lifecycle state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	RecoveryTimeout  time.Duration // open duration before the half-open probe
	CallTimeout      time.Duration // per-call deadline applied to fn
	KeyTTL           time.Duration // shared-store key expiry, refreshed per write
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      10 * time.Second,
		KeyTTL:           24 * time.Hour,
	}
}

// Stats is the externally visible breaker state with counters.
type Stats struct {
	Resource    string    `json:"resource"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
	LastSuccess time.Time `json:"last_success"`
}

// persisted is the JSON blob stored under cb:{resource}.
type persisted struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
	LastSuccess time.Time `json:"last_success"`
}

// casAttempts bounds the read-modify-CAS retry loop. Brief races between
// workers are tolerated; a lost swap is retried against the fresh value.
const casAttempts = 4

// Breaker guards one named resource.
type Breaker struct {
	resource string
	store    model.SharedStore
	cfg      Config
	log      *slog.Logger

	// OnStateChange, if set, is called after a persisted transition.
	OnStateChange func(resource string, from, to State)
}

// New creates a breaker for the named resource (e.g. "broker:angelone").
func New(resource string, store model.SharedStore, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{resource: resource, store: store, cfg: cfg, log: log}
}

func (b *Breaker) key() string { return "cb:" + b.resource }

// Call runs fn through the breaker under the configured per-call timeout.
// Returns ErrOpen without invoking fn when the breaker is open and the
// recovery timeout has not elapsed.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	allowed, err := b.preCall(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrOpen
	}

	callErr := b.invoke(ctx, fn)
	if recErr := b.record(ctx, callErr == nil); recErr != nil {
		// State recording is best effort once fn ran: the call outcome wins.
		b.log.Error("breaker state write failed",
			slog.String("resource", b.resource), slog.String("err", recErr.Error()))
	}
	return callErr
}

// invoke runs fn on its own goroutine and joins it under the call timeout.
// A timed-out vendor call may still complete in the background; the status
// reconciliation path picks up whatever it did.
func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

// preCall decides whether the call may proceed, transitioning OPEN→HALF_OPEN
// when the recovery timeout has elapsed.
func (b *Breaker) preCall(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, found, err := b.store.Get(ctx, b.key())
		if err != nil {
			return false, fmt.Errorf("breaker %s: read state: %w", b.resource, err)
		}
		st := decode(raw, found)

		switch st.State {
		case StateClosed, StateHalfOpen:
			return true, nil
		case StateOpen:
			if time.Since(st.LastFailure) < b.cfg.RecoveryTimeout {
				return false, nil
			}
			// Recovery window elapsed: exactly one caller wins the swap to
			// HALF_OPEN and probes; losers re-read and pass through half-open.
			next := st
			next.State = StateHalfOpen
			next.Successes = 0
			ok, err := b.swap(ctx, raw, found, next)
			if err != nil {
				return false, err
			}
			if ok {
				b.transitioned(StateOpen, StateHalfOpen)
				return true, nil
			}
			// Lost the race; retry against the fresh value.
		}
	}
	return false, nil
}

// record persists the call outcome, applying the state transition rules.
func (b *Breaker) record(ctx context.Context, success bool) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, found, err := b.store.Get(ctx, b.key())
		if err != nil {
			return err
		}
		st := decode(raw, found)
		from := st.State
		now := time.Now()

		if success {
			st.LastSuccess = now
			st.Failures = 0
			switch st.State {
			case StateHalfOpen:
				st.Successes++
				if st.Successes >= b.cfg.SuccessThreshold {
					st.State = StateClosed
					st.Successes = 0
				}
			case StateClosed:
				st.Successes = 0
			}
		} else {
			st.LastFailure = now
			switch st.State {
			case StateHalfOpen:
				st.State = StateOpen
				st.Successes = 0
			case StateClosed:
				st.Failures++
				if st.Failures >= b.cfg.FailureThreshold {
					st.State = StateOpen
				}
			}
		}

		ok, err := b.swap(ctx, raw, found, st)
		if err != nil {
			return err
		}
		if ok {
			if st.State != from {
				b.transitioned(from, st.State)
			}
			return nil
		}
		lastErr = fmt.Errorf("breaker %s: cas contention", b.resource)
	}
	return lastErr
}

func (b *Breaker) swap(ctx context.Context, oldRaw string, existed bool, next persisted) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	old := oldRaw
	if !existed {
		old = "" // set-if-absent
	}
	return b.store.CompareAndSwap(ctx, b.key(), old, string(data), b.cfg.KeyTTL)
}

func (b *Breaker) transitioned(from, to State) {
	b.log.Info("circuit breaker transition",
		slog.String("resource", b.resource),
		slog.String("from", string(from)), slog.String("to", string(to)))
	if b.OnStateChange != nil {
		b.OnStateChange(b.resource, from, to)
	}
}

// Stats returns the current persisted state and counters.
func (b *Breaker) Stats(ctx context.Context) (Stats, error) {
	raw, found, err := b.store.Get(ctx, b.key())
	if err != nil {
		return Stats{}, err
	}
	st := decode(raw, found)
	return Stats{
		Resource:    b.resource,
		State:       st.State,
		Failures:    st.Failures,
		Successes:   st.Successes,
		LastFailure: st.LastFailure,
		LastSuccess: st.LastSuccess,
	}, nil
}

// Reset forces the breaker closed with zeroed counters.
func (b *Breaker) Reset(ctx context.Context) error {
	data, err := json.Marshal(persisted{State: StateClosed})
	if err != nil {
		return err
	}
	return b.store.Set(ctx, b.key(), string(data), b.cfg.KeyTTL)
}

func decode(raw string, found bool) persisted {
	st := persisted{State: StateClosed}
	if !found || raw == "" {
		return st
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.State == "" {
		// Corrupt blob: fall back to closed and let the next write repair it.
		return persisted{State: StateClosed}
	}
	return st
}
