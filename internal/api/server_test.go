package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"trading-execution/internal/breaker"
	"trading-execution/internal/broker"
	"trading-execution/internal/broker/paper"
	"trading-execution/internal/executor"
	"trading-execution/internal/model"
	"trading-execution/internal/risk"
	"trading-execution/internal/session"
	"trading-execution/internal/store/memstore"
)

// memLedger backs the API tests with an in-memory Ledger + OrderWriter.
type memLedger struct {
	mu          sync.Mutex
	orders      map[string]*model.OrderIntent
	execs       map[string]*model.ExecutionRecord
	transitions map[string][]model.Transition
}

func newMemLedger() *memLedger {
	return &memLedger{
		orders:      make(map[string]*model.OrderIntent),
		execs:       make(map[string]*model.ExecutionRecord),
		transitions: make(map[string][]model.Transition),
	}
}

func (l *memLedger) CreateOrder(_ context.Context, o *model.OrderIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
	return nil
}

func (l *memLedger) LoadOrder(_ context.Context, id string) (*model.OrderIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return o, nil
}

func (l *memLedger) LoadExecution(_ context.Context, orderID string) (*model.ExecutionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.execs[orderID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (l *memLedger) SaveExecution(_ context.Context, rec *model.ExecutionRecord, prev model.ExecutionState, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	l.execs[rec.OrderID] = &cp
	l.transitions[rec.OrderID] = append(l.transitions[rec.OrderID], model.Transition{
		OrderID: rec.OrderID, From: prev, To: rec.State, Message: msg, At: time.Now(),
	})
	return nil
}

func (l *memLedger) LoadTransitions(_ context.Context, orderID string) ([]model.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Transition(nil), l.transitions[orderID]...), nil
}

func (l *memLedger) LoadRiskSnapshot(_ context.Context, tenantID string) (*model.RiskSnapshot, error) {
	return &model.RiskSnapshot{TenantID: tenantID, BalancePaise: 100000000}, nil
}

func (l *memLedger) LoadBrokerConfig(_ context.Context, tenantID, accountID string) (*model.BrokerConfig, error) {
	return &model.BrokerConfig{TenantID: tenantID, AccountID: accountID, Vendor: paper.Vendor}, nil
}

func (l *memLedger) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *memLedger) {
	t.Helper()
	ledger := newMemLedger()

	brokers := broker.NewRegistry()
	brokers.Register(paper.Vendor, paper.New)
	breakers := breaker.NewRegistry(memstore.New(), breaker.DefaultConfig(), nil)
	sessions := session.NewManager(ledger, brokers, breakers, session.DefaultConfig(), nil)
	t.Cleanup(sessions.Shutdown)

	profiles := risk.NewProfileStore()
	exec := executor.New(ledger, risk.NewEngine(nil), profiles, sessions, breakers,
		executor.DefaultConfig(), nil)

	hub := NewHub(nil)
	srv := NewServer(exec, ledger, ledger, sessions, breakers, profiles, hub, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, ledger
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreateOrderEndpoint(t *testing.T) {
	ts, ledger := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"tenant_id": "tenant-a", "account_id": "acct-1",
		"symbol": "RELIANCE", "exchange": "NSE",
		"side": "BUY", "kind": "LIMIT",
		"qty": 10, "limit_price": 250000,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created model.OrderIntent
	json.NewDecoder(resp.Body).Decode(&created)
	if created.ID == "" {
		t.Fatal("server did not mint an order ID")
	}
	if _, err := ledger.LoadOrder(context.Background(), created.ID); err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]any{
		"tenant_id": "tenant-a", "account_id": "acct-1",
		"symbol": "", "side": "BUY", "kind": "LIMIT", "qty": 10,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProfileUpdateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/risk/profiles/hft",
		bytes.NewReader([]byte(`{"max_order_value": 100000000, "max_orders_per_minute": 120}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var updated risk.Limits
	json.NewDecoder(resp.Body).Decode(&updated)
	if updated.MaxOrderValue != 100000000 || updated.MaxOrdersPerMinute != 120 {
		t.Fatalf("updated = %+v", updated)
	}

	// Assignment to the new profile succeeds; unknown profiles are rejected.
	resp2 := postJSON(t, ts.URL+"/api/v1/risk/assignments",
		map[string]string{"tenant_id": "tenant-a", "profile": "hft"})
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("assignment status = %d, want 200", resp2.StatusCode)
	}
	resp3 := postJSON(t, ts.URL+"/api/v1/risk/assignments",
		map[string]string{"tenant_id": "tenant-a", "profile": "ghost"})
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown profile status = %d, want 400", resp3.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Sessions session.SystemStatus `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Sessions.TotalSessions != 0 {
		t.Fatalf("sessions = %d, want 0 on a fresh server", body.Sessions.TotalSessions)
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	ts, ledger := newTestServer(t)
	ledger.SaveExecution(context.Background(), &model.ExecutionRecord{
		OrderID: "ord-1", State: model.StatePending,
	}, "", "started")

	resp, err := http.Get(ts.URL + "/api/v1/orders/ord-1/transitions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Transitions []model.Transition `json:"transitions"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Transitions) != 1 || body.Transitions[0].To != model.StatePending {
		t.Fatalf("transitions = %+v", body.Transitions)
	}
}

func TestHealthAndTraceHeader(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("trace ID header missing")
	}
}
