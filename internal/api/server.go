// Package api exposes the admin and order-intake HTTP surface plus a
// websocket feed of execution results.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"trading-execution/internal/breaker"
	"trading-execution/internal/executor"
	"trading-execution/internal/logger"
	"trading-execution/internal/model"
	"trading-execution/internal/risk"
	"trading-execution/internal/session"
)

// OrderWriter persists newly accepted order intents. Satisfied by the SQLite
// ledger.
type OrderWriter interface {
	CreateOrder(ctx context.Context, o *model.OrderIntent) error
}

// Server is the HTTP admin/API surface.
type Server struct {
	exec     *executor.Executor
	ledger   model.Ledger
	orders   OrderWriter
	sessions *session.Manager
	breakers *breaker.Registry
	profiles *risk.ProfileStore
	hub      *Hub
	log      *slog.Logger
}

// NewServer wires the API surface. The hub receives every execution result
// published by the executor; callers connect it via executor.OnResult.
func NewServer(exec *executor.Executor, ledger model.Ledger, orders OrderWriter,
	sessions *session.Manager, breakers *breaker.Registry, profiles *risk.ProfileStore,
	hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		exec: exec, ledger: ledger, orders: orders,
		sessions: sessions, breakers: breakers, profiles: profiles,
		hub: hub, log: log,
	}
}

// Routes builds the mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/orders", s.handleCreateOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/orders/{id}/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/orders/{id}/transitions", s.handleTransitions)

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{resource}/reset", s.handleBreakerReset)

	mux.HandleFunc("GET /api/v1/risk/profiles", s.handleListProfiles)
	mux.HandleFunc("PUT /api/v1/risk/profiles/{name}", s.handleUpdateProfile)
	mux.HandleFunc("POST /api/v1/risk/assignments", s.handleAssignProfile)

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	return s.withTrace(mux)
}

// Run serves until ctx is done, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.Close()
	}()
	s.log.Info("api server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// withTrace stamps every request with a trace ID for log correlation.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), traceID)))
	})
}

type createOrderRequest struct {
	TenantID      string `json:"tenant_id"`
	AccountID     string `json:"account_id"`
	Symbol        string `json:"symbol"`
	Exchange      string `json:"exchange"`
	Side          string `json:"side"`
	Kind          string `json:"kind"`
	Qty           int64  `json:"qty"`
	LimitPrice    int64  `json:"limit_price"`
	TriggerPrice  int64  `json:"trigger_price"`
	StrategyID    string `json:"strategy_id"`
	ParentOrderID string `json:"parent_order_id"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	order := &model.OrderIntent{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          model.Side(req.Side),
		Kind:          model.OrderKind(req.Kind),
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		TriggerPrice:  req.TriggerPrice,
		StrategyID:    req.StrategyID,
		ParentOrderID: req.ParentOrderID,
		CreatedAt:     time.Now(),
	}
	if err := order.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orders.CreateOrder(r.Context(), order); err != nil {
		s.log.Error("order create failed", slog.String("err", err.Error()))
		writeErr(w, http.StatusInternalServerError, "order could not be persisted")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	res, err := s.exec.Execute(r.Context(), orderID)
	if err != nil {
		s.log.Error("execute failed",
			slog.String("order_id", orderID), slog.String("err", err.Error()))
		writeErr(w, http.StatusInternalServerError, "execution infrastructure error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	res, err := s.exec.Cancel(r.Context(), orderID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "cancellation infrastructure error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	res, err := s.exec.SyncStatus(r.Context(), orderID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "status sync infrastructure error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	ts, err := s.ledger.LoadTransitions(r.Context(), orderID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "transition history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "transitions": ts})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Status(),
		"breakers": s.breakers.Stats(r.Context()),
		"time":     time.Now(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Stats(r.Context()))
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	if err := s.breakers.Get(resource).Reset(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, "breaker reset failed")
		return
	}
	s.log.Info("breaker reset via api", slog.String("resource", resource))
	writeJSON(w, http.StatusOK, map[string]string{"resource": resource, "state": "CLOSED"})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles.All())
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var patch risk.PartialLimits
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := s.profiles.Update(name, patch)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("risk profile updated",
		slog.String("profile", name), slog.Int("version", updated.Version))
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAssignProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Profile  string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.profiles.Assign(req.TenantID, req.Profile); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": req.TenantID, "profile": req.Profile})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
