package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caravelhq/caravel/pkg/log"
)

var (
	// Coordinator rounds
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_coordinator_rounds_total",
		Help: "Coordinator rounds executed, by scaling group and trigger kind",
	}, []string{"scaling_group", "trigger"})

	RoundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caravel_coordinator_round_duration_seconds",
		Help:    "Duration of one coordinator round",
		Buckets: prometheus.DefBuckets,
	}, []string{"scaling_group"})

	// Handler outcomes
	HandlerSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_handler_sessions_total",
		Help: "Sessions processed per handler, partitioned by outcome",
	}, []string{"handler", "outcome"})

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_handler_errors_total",
		Help: "Handler executions that returned an error",
	}, []string{"handler"})

	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_lock_contention_total",
		Help: "Handler rounds skipped because another holder had the lock",
	}, []string{"lock_id"})

	// Health monitor
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_health_checks_total",
		Help: "Health keeper verdicts",
	}, []string{"keeper", "verdict"})

	HealthRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caravel_health_retries_total",
		Help: "Sessions sent back to PENDING by the health monitor",
	}, []string{"keeper"})

	// State gauges
	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "caravel_sessions_by_status",
		Help: "Current number of sessions in each lifecycle status",
	}, []string{"status"})

	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "caravel_agents_by_status",
		Help: "Current number of agents in each status",
	}, []string{"status"})
)

// Serve exposes /metrics until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	logger := log.WithComponent("metrics")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
