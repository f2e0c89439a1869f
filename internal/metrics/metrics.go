// Package metrics exposes Prometheus instrumentation for the execution core.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_orders_total",
		Help: "Order executions by terminal state.",
	}, []string{"state"})

	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "execution_retries_total",
		Help: "Broker submission retries.",
	})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "execution_duration_seconds",
		Help:    "End-to-end Execute latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_rejections_total",
		Help: "Risk evaluations rejected, by rule.",
	}, []string{"rule"})

	RiskEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_evaluations_total",
		Help: "Risk evaluations by decision.",
	}, []string{"decision"})

	// BreakerState reports 0=CLOSED, 1=HALF_OPEN, 2=OPEN per resource.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state per resource (0 closed, 1 half-open, 2 open).",
	}, []string{"resource"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"resource", "to"})

	BrokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_call_duration_seconds",
		Help:    "Broker API call latency by vendor and operation.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"vendor", "op"})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Live broker sessions by vendor.",
	}, []string{"vendor"})

	SessionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_evictions_total",
		Help: "Session evictions by reason.",
	}, []string{"reason"})
)

// ObserveBrokerCall times one broker operation.
func ObserveBrokerCall(vendor, op string, start time.Time) {
	BrokerCallDuration.WithLabelValues(vendor, op).Observe(time.Since(start).Seconds())
}

// Serve runs the /metrics endpoint until ctx is done.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
