package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading-execution/internal/breaker"
	"trading-execution/internal/broker"
	"trading-execution/internal/brokererr"
	"trading-execution/internal/model"
	"trading-execution/internal/store/memstore"
)

type cfgLedger struct{}

func (cfgLedger) LoadOrder(context.Context, string) (*model.OrderIntent, error) { return nil, nil }
func (cfgLedger) LoadExecution(context.Context, string) (*model.ExecutionRecord, error) {
	return nil, nil
}
func (cfgLedger) SaveExecution(context.Context, *model.ExecutionRecord, model.ExecutionState, string) error {
	return nil
}
func (cfgLedger) LoadTransitions(context.Context, string) ([]model.Transition, error) {
	return nil, nil
}
func (cfgLedger) LoadRiskSnapshot(context.Context, string) (*model.RiskSnapshot, error) {
	return nil, nil
}
func (cfgLedger) LoadBrokerConfig(_ context.Context, tenantID, accountID string) (*model.BrokerConfig, error) {
	return &model.BrokerConfig{TenantID: tenantID, AccountID: accountID, Vendor: "stub"}, nil
}
func (cfgLedger) Close() error { return nil }

type stubClient struct {
	authErr       error
	authStarted   chan struct{} // closed when Authenticate begins, if set
	authGate      chan struct{} // Authenticate blocks until closed, if set
	healthy       atomic.Bool
	disconnected  atomic.Bool
	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

func newStubClient() *stubClient {
	c := &stubClient{}
	c.healthy.Store(true)
	return c
}

func (c *stubClient) Authenticate(context.Context) error {
	if c.authStarted != nil {
		close(c.authStarted)
	}
	if c.authGate != nil {
		<-c.authGate
	}
	return c.authErr
}
func (c *stubClient) PlaceOrder(context.Context, *model.OrderIntent) (string, error) {
	return "BRK-1", nil
}
func (c *stubClient) CancelOrder(context.Context, string) error { return nil }
func (c *stubClient) GetOrderStatus(context.Context, string) (*model.OrderStatus, error) {
	return &model.OrderStatus{Status: "OPEN"}, nil
}
func (c *stubClient) HealthCheck(context.Context) (bool, error) { return c.healthy.Load(), nil }
func (c *stubClient) Disconnect() error {
	c.disconnected.Store(true)
	return nil
}

// track records concurrency inside a WithSession body.
func (c *stubClient) track() {
	cur := c.inFlight.Add(1)
	for {
		max := c.maxConcurrent.Load()
		if cur <= max || c.maxConcurrent.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	c.inFlight.Add(-1)
}

type fixture struct {
	manager      *Manager
	factoryCalls atomic.Int32
	mu           sync.Mutex
	clients      []*stubClient
	nextAuthErr  error
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{}

	brokers := broker.NewRegistry()
	brokers.Register("stub", func(*model.BrokerConfig) (model.BrokerClient, error) {
		f.factoryCalls.Add(1)
		c := newStubClient()
		f.mu.Lock()
		c.authErr = f.nextAuthErr
		f.clients = append(f.clients, c)
		f.mu.Unlock()
		return c, nil
	})

	breakers := breaker.NewRegistry(memstore.New(), breaker.DefaultConfig(), nil)
	f.manager = NewManager(cfgLedger{}, brokers, breakers, cfg, nil)
	t.Cleanup(f.manager.Shutdown)
	return f
}

func (f *fixture) lastClient() *stubClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func testCfg() Config {
	return Config{SessionTimeout: time.Hour, MaxErrorCount: 3, HealthCheckInterval: 0}
}

func TestAcquireReusesSession(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if n := f.factoryCalls.Load(); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-2"); err != nil {
		t.Fatal(err)
	}
	if n := f.factoryCalls.Load(); n != 2 {
		t.Fatalf("factory called %d times, want 2 after second account", n)
	}
}

func TestAuthFailureNotCached(t *testing.T) {
	f := newFixture(t, testCfg())
	f.nextAuthErr = errors.New("invalid totp")
	ctx := context.Background()

	_, err := f.manager.Acquire(ctx, "tenant-a", "acct-1")
	if err == nil {
		t.Fatal("expected auth error")
	}
	if code := brokererr.CodeOf(err); code != brokererr.CodeAuth {
		t.Fatalf("code = %s, want AUTH_FAILED", code)
	}
	if st := f.manager.Status(); st.TotalSessions != 0 {
		t.Fatalf("sessions = %d, failed auth must not cache", st.TotalSessions)
	}

	// Next attempt builds a fresh client.
	f.mu.Lock()
	f.nextAuthErr = nil
	f.mu.Unlock()
	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if n := f.factoryCalls.Load(); n != 2 {
		t.Fatalf("factory called %d times, want 2", n)
	}
}

func TestWithSessionSerializesSameAccount(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.manager.WithSession(ctx, "tenant-a", "acct-1", func(c model.BrokerClient) error {
				c.(*stubClient).track()
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if max := f.lastClient().maxConcurrent.Load(); max != 1 {
		t.Fatalf("max concurrency = %d, want 1 for one account", max)
	}
}

func TestDifferentAccountsRunInParallel(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	entered := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, acct := range []string{"acct-1", "acct-2"} {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			f.manager.WithSession(ctx, "tenant-a", acct, func(model.BrokerClient) error {
				entered <- acct
				<-release
				return nil
			})
		}(acct)
	}

	// Both bodies must be inside their sessions at the same time.
	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-timeout:
			t.Fatal("accounts did not proceed in parallel")
		}
	}
	close(release)
	wg.Wait()
}

func TestErrorCountEvictsSession(t *testing.T) {
	cfg := testCfg()
	cfg.MaxErrorCount = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	boom := func(model.BrokerClient) error { return errors.New("vendor 500") }
	f.manager.WithSession(ctx, "tenant-a", "acct-1", boom) // errorCount 1
	f.manager.WithSession(ctx, "tenant-a", "acct-1", boom) // errorCount 2 > 1: evict

	if st := f.manager.Status(); st.TotalSessions != 0 {
		t.Fatalf("sessions = %d, want 0 after eviction", st.TotalSessions)
	}
	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if n := f.factoryCalls.Load(); n != 2 {
		t.Fatalf("factory called %d times, want 2 (recreated after eviction)", n)
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	cfg := testCfg()
	cfg.MaxErrorCount = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	boom := func(model.BrokerClient) error { return errors.New("vendor 500") }
	ok := func(model.BrokerClient) error { return nil }

	f.manager.WithSession(ctx, "tenant-a", "acct-1", boom)
	f.manager.WithSession(ctx, "tenant-a", "acct-1", ok)
	f.manager.WithSession(ctx, "tenant-a", "acct-1", boom)

	if st := f.manager.Status(); st.TotalSessions != 1 {
		t.Fatalf("sessions = %d, want 1 (success reset the counter)", st.TotalSessions)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	cfg := testCfg()
	cfg.SessionTimeout = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	f.manager.Sweep()

	if st := f.manager.Status(); st.TotalSessions != 0 {
		t.Fatalf("sessions = %d, want 0 after idle expiry", st.TotalSessions)
	}
}

func TestSweepRemovesUnhealthySessions(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	if _, err := f.manager.Acquire(ctx, "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	f.lastClient().healthy.Store(false)
	f.manager.Sweep()

	if st := f.manager.Status(); st.TotalSessions != 0 {
		t.Fatalf("sessions = %d, want 0 after failed health probe", st.TotalSessions)
	}
}

func TestStatusAggregates(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	f.manager.Acquire(ctx, "tenant-a", "acct-1")
	f.manager.Acquire(ctx, "tenant-b", "acct-2")

	st := f.manager.Status()
	if st.TotalSessions != 2 || st.HealthySessions != 2 {
		t.Fatalf("status = %+v, want 2 total, 2 healthy", st)
	}
	if st.ByBroker["stub"] != 2 {
		t.Fatalf("byBroker = %v, want stub:2", st.ByBroker)
	}
}

func TestShutdownDisconnectsAll(t *testing.T) {
	brokers := broker.NewRegistry()
	c := newStubClient()
	brokers.Register("stub", func(*model.BrokerConfig) (model.BrokerClient, error) {
		return c, nil
	})
	breakers := breaker.NewRegistry(memstore.New(), breaker.DefaultConfig(), nil)
	m := NewManager(cfgLedger{}, brokers, breakers, testCfg(), nil)

	if _, err := m.Acquire(context.Background(), "tenant-a", "acct-1"); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()
	if !c.disconnected.Load() {
		t.Fatal("client not disconnected on shutdown")
	}

	err := m.WithSession(context.Background(), "tenant-a", "acct-1", func(model.BrokerClient) error {
		return nil
	})
	if err == nil {
		t.Fatal("WithSession after shutdown should fail")
	}
}

func TestSlowAuthDoesNotBlockOtherAccounts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	brokers := broker.NewRegistry()
	brokers.Register("stub", func(cfg *model.BrokerConfig) (model.BrokerClient, error) {
		c := newStubClient()
		if cfg.AccountID == "acct-slow" {
			c.authStarted = started
			c.authGate = release
		}
		return c, nil
	})
	breakers := breaker.NewRegistry(memstore.New(), breaker.DefaultConfig(), nil)
	m := NewManager(cfgLedger{}, brokers, breakers, testCfg(), nil)
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "tenant-a", "acct-slow")
		slowDone <- err
	}()
	<-started

	// While acct-slow is mid-authentication, another account must acquire
	// without waiting on it.
	fastDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "tenant-a", "acct-fast")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire for another account blocked behind a slow authentication")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow acquire: %v", err)
	}
	m.Shutdown()
}

func TestConcurrentAcquireSameAccountAuthenticatesOnce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var factoryCalls atomic.Int32

	brokers := broker.NewRegistry()
	brokers.Register("stub", func(*model.BrokerConfig) (model.BrokerClient, error) {
		c := newStubClient()
		if factoryCalls.Add(1) == 1 {
			c.authStarted = started
			c.authGate = release
		}
		return c, nil
	})
	breakers := breaker.NewRegistry(memstore.New(), breaker.DefaultConfig(), nil)
	m := NewManager(cfgLedger{}, brokers, breakers, testCfg(), nil)
	ctx := context.Background()

	results := make(chan *Session, 4)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			s, err := m.Acquire(ctx, "tenant-a", "acct-1")
			results <- s
			errs <- err
		}()
	}
	<-started
	close(release)

	first := <-results
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if s := <-results; s != first {
			t.Fatal("concurrent acquires returned different sessions")
		}
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if n := factoryCalls.Load(); n != 1 {
		t.Fatalf("factory calls = %d, want 1", n)
	}
	m.Shutdown()
}

func TestRemoveWaitsForInFlightBrokerCall(t *testing.T) {
	f := newFixture(t, testCfg())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	callDone := make(chan error, 1)
	go func() {
		callDone <- f.manager.WithSession(ctx, "tenant-a", "acct-1", func(model.BrokerClient) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	go f.manager.Remove("tenant-a", "acct-1")
	time.Sleep(30 * time.Millisecond)
	if f.lastClient().disconnected.Load() {
		t.Fatal("client disconnected while a broker call was in flight")
	}

	close(release)
	if err := <-callDone; err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !f.lastClient().disconnected.Load() {
		if time.Now().After(deadline) {
			t.Fatal("client never disconnected after the call finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
