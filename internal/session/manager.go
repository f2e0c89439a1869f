// Package session owns the live per-(tenant, account) broker sessions:
// creation, authentication, pooling, health sweeps, and expiry under
// concurrent access. Orders for the same account serialize through the
// session's own lock; different accounts proceed in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"trading-execution/internal/breaker"
	"trading-execution/internal/broker"
	"trading-execution/internal/brokererr"
	"trading-execution/internal/model"
)

// Health is a session's health status.
type Health string

const (
	Healthy  Health = "HEALTHY"
	Degraded Health = "DEGRADED"
	Expired  Health = "EXPIRED"
)

// Session is one authenticated broker connection for one account. The mu
// serializes all broker operations through this session; never share the
// underlying client outside WithSession.
type Session struct {
	TenantID  string
	AccountID string
	Vendor    string
	CreatedAt time.Time

	mu           sync.Mutex
	client       model.BrokerClient
	lastActivity time.Time
	errorCount   int
	health       Health
}

// Key identifies a session in the table.
func key(tenantID, accountID string) string { return tenantID + "/" + accountID }

// Snapshot is a point-in-time view of a session for status reporting.
type Snapshot struct {
	TenantID     string    `json:"tenant_id"`
	AccountID    string    `json:"account_id"`
	Vendor       string    `json:"vendor"`
	Health       Health    `json:"health"`
	ErrorCount   int       `json:"error_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SystemStatus aggregates the session table for the admin API.
type SystemStatus struct {
	TotalSessions   int            `json:"total_sessions"`
	HealthySessions int            `json:"healthy_sessions"`
	ErroredSessions int            `json:"errored_sessions"`
	ByBroker        map[string]int `json:"by_broker"`
	Sessions        []Snapshot     `json:"sessions"`
}

// Config tunes the manager.
type Config struct {
	SessionTimeout      time.Duration // idle expiry
	MaxErrorCount       int           // consecutive errors before eviction
	HealthCheckInterval time.Duration // background sweep period
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:      30 * time.Minute,
		MaxErrorCount:       3,
		HealthCheckInterval: 60 * time.Second,
	}
}

// creation is one in-flight session build. Same-account callers wait on done
// instead of authenticating twice; other accounts are never blocked by it.
type creation struct {
	done chan struct{}
	s    *Session
	err  error
}

// Manager owns the session table. The table lock covers only map lookups and
// structural changes (create/remove); config loads and vendor authentication
// run outside it, deduplicated by a per-account creation entry. Per-session
// locks cover in-session broker operations.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]*creation

	ledger   model.Ledger
	registry *broker.Registry
	breakers *breaker.Registry
	cfg      Config
	log      *slog.Logger

	inflight sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewManager creates a session manager and starts the background sweep.
func NewManager(ledger model.Ledger, registry *broker.Registry, breakers *breaker.Registry, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		creating: make(map[string]*creation),
		ledger:   ledger,
		registry: registry,
		breakers: breakers,
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire returns an existing healthy, non-expired session or creates one:
// load the account's broker config, build the vendor client, authenticate.
// Authentication failure surfaces as a typed error; nothing is cached. The
// slow work (config load, vendor auth) runs outside the table lock behind a
// per-account creation entry, so only callers for the same account wait on
// it and other accounts acquire concurrently.
func (m *Manager) Acquire(ctx context.Context, tenantID, accountID string) (*Session, error) {
	k := key(tenantID, accountID)

	for {
		m.mu.Lock()
		s, ok := m.sessions[k]
		c, pending := m.creating[k]
		if !ok && !pending {
			c = &creation{done: make(chan struct{})}
			m.creating[k] = c
			m.mu.Unlock()

			s, err := m.create(ctx, tenantID, accountID)
			m.mu.Lock()
			delete(m.creating, k)
			if err == nil {
				m.sessions[k] = s
			}
			m.mu.Unlock()
			c.s, c.err = s, err
			close(c.done)
			return s, err
		}
		m.mu.Unlock()

		if pending {
			select {
			case <-c.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if c.err != nil {
				return nil, c.err
			}
			return c.s, nil
		}

		if s.usable(m.cfg.SessionTimeout) {
			return s, nil
		}
		// Stale: evict (only if the table still holds this one) and retry.
		m.removeSession(tenantID, accountID, s)
	}
}

// create loads the account's broker config, builds the vendor client, and
// authenticates. Called without the table lock.
func (m *Manager) create(ctx context.Context, tenantID, accountID string) (*Session, error) {
	cfg, err := m.ledger.LoadBrokerConfig(ctx, tenantID, accountID)
	if err != nil {
		return nil, brokererr.Wrap("", brokererr.CodeAuth, "broker config unavailable", err)
	}
	client, err := m.registry.New(cfg)
	if err != nil {
		return nil, brokererr.Wrap(cfg.Vendor, brokererr.CodeAuth, "client construction failed", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		return nil, brokererr.Wrap(cfg.Vendor, brokererr.CodeAuth, "authentication failed", err)
	}

	now := time.Now()
	s := &Session{
		TenantID:     tenantID,
		AccountID:    accountID,
		Vendor:       cfg.Vendor,
		CreatedAt:    now,
		client:       client,
		lastActivity: now,
		health:       Healthy,
	}
	m.log.Info("broker session created",
		slog.String("tenant_id", tenantID), slog.String("account_id", accountID),
		slog.String("vendor", cfg.Vendor))
	return s, nil
}

// WithSession runs fn with exclusive access to the account's session. On
// success the session's error counter resets; on failure it increments and
// the session is evicted once it exceeds MaxErrorCount.
func (m *Manager) WithSession(ctx context.Context, tenantID, accountID string, fn func(model.BrokerClient) error) error {
	select {
	case <-m.stopCh:
		return fmt.Errorf("session manager shut down")
	default:
	}

	s, err := m.Acquire(ctx, tenantID, accountID)
	if err != nil {
		return err
	}

	m.inflight.Add(1)
	defer m.inflight.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()

	err = fn(s.client)
	if err == nil {
		s.errorCount = 0
		s.health = Healthy
		return nil
	}

	s.errorCount++
	s.health = Degraded
	if s.errorCount > m.cfg.MaxErrorCount {
		m.log.Warn("session evicted after repeated errors",
			slog.String("tenant_id", tenantID), slog.String("account_id", accountID),
			slog.Int("errors", s.errorCount))
		m.removeSession(tenantID, accountID, s)
	}
	return err
}

// Remove disconnects and deletes the session, if present.
func (m *Manager) Remove(tenantID, accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[key(tenantID, accountID)]
	if ok {
		delete(m.sessions, key(tenantID, accountID))
	}
	m.mu.Unlock()
	if ok {
		disconnect(s, m.log)
	}
}

// removeSession deletes the entry only if it still maps to s, so a session
// recreated meanwhile is not torn down by a stale eviction.
func (m *Manager) removeSession(tenantID, accountID string, s *Session) {
	k := key(tenantID, accountID)
	m.mu.Lock()
	if cur, ok := m.sessions[k]; ok && cur == s {
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	go disconnect(s, m.log)
}

// Status reports the session table for the admin API.
func (m *Manager) Status() SystemStatus {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	st := SystemStatus{ByBroker: make(map[string]int)}
	for _, s := range sessions {
		s.mu.Lock()
		snap := Snapshot{
			TenantID: s.TenantID, AccountID: s.AccountID, Vendor: s.Vendor,
			Health: s.health, ErrorCount: s.errorCount,
			CreatedAt: s.CreatedAt, LastActivity: s.lastActivity,
		}
		s.mu.Unlock()

		st.TotalSessions++
		st.ByBroker[snap.Vendor]++
		if snap.Health == Healthy {
			st.HealthySessions++
		}
		if snap.ErrorCount > 0 {
			st.ErroredSessions++
		}
		st.Sessions = append(st.Sessions, snap)
	}
	return st
}

// Shutdown stops the sweep, waits for in-flight scoped accesses, and
// disconnects every session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
	m.inflight.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		disconnect(s, m.log)
	}
	m.log.Info("session manager shut down", slog.Int("closed", len(sessions)))
}

// sweepLoop periodically expires idle sessions and probes session health.
func (m *Manager) sweepLoop() {
	defer close(m.done)
	if m.cfg.HealthCheckInterval <= 0 {
		<-m.stopCh
		return
	}
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Sweep runs one expiry + health pass. Exported for tests and for an admin
// "sweep now" trigger.
func (m *Manager) Sweep() { m.sweep() }

func (m *Manager) sweep() {
	m.mu.Lock()
	sessions := make(map[string]*Session, len(m.sessions))
	for k, s := range m.sessions {
		sessions[k] = s
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		idle := time.Since(s.lastActivity)
		client := s.client
		s.mu.Unlock()

		if idle > m.cfg.SessionTimeout {
			s.mu.Lock()
			s.health = Expired
			s.mu.Unlock()
			m.log.Info("session expired",
				slog.String("tenant_id", s.TenantID), slog.String("account_id", s.AccountID),
				slog.Duration("idle", idle))
			m.removeSession(s.TenantID, s.AccountID, s)
			continue
		}

		if !m.probe(s, client) {
			m.log.Warn("session failed health probe, removing",
				slog.String("tenant_id", s.TenantID), slog.String("account_id", s.AccountID),
				slog.String("vendor", s.Vendor))
			m.removeSession(s.TenantID, s.AccountID, s)
		}
	}
}

// probe health-checks the session through the vendor's circuit breaker so
// failing probes count toward the broker's shared failure history. The probe
// itself is retried once with backoff to avoid evicting on a single blip.
func (m *Manager) probe(s *Session, client model.BrokerClient) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	check := func() (bool, error) {
		var healthy bool
		err := m.breakers.Get("broker:"+s.Vendor).Call(ctx, func(cctx context.Context) error {
			ok, herr := client.HealthCheck(cctx)
			if herr != nil {
				return herr
			}
			healthy = ok
			return nil
		})
		if errors.Is(err, breaker.ErrOpen) {
			// Breaker is open for the whole vendor; keep the session and let
			// the breaker's recovery cycle decide.
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !healthy {
			return false, fmt.Errorf("vendor reported unhealthy")
		}
		return true, nil
	}

	ok, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2))
	return err == nil && ok
}

// disconnect tears the client down while holding the session lock, so a
// vendor call in flight through WithSession finishes before the client's
// session state is torn out from under it. Callers never hold s.mu here.
func disconnect(s *Session, log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return
	}
	if err := s.client.Disconnect(); err != nil {
		log.Debug("session disconnect error",
			slog.String("tenant_id", s.TenantID), slog.String("err", err.Error()))
	}
}

// usable reports whether the session can be handed out without recreation.
func (s *Session) usable(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == Expired {
		return false
	}
	return time.Since(s.lastActivity) <= timeout
}

// Client exposes the underlying client for status-sync paths that already
// hold the session through WithSession. Tests use it for injection.
func (s *Session) Client() model.BrokerClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
