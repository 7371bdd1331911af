package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
)

// SessionSource loads the session batches the keepers work on
type SessionSource interface {
	GetSessionsForTransition(ctx context.Context, targetStatuses []types.SessionStatus, targetKernelStatuses []types.KernelStatus, scalingGroup string) ([]*types.SessionRecord, error)
}

// RetrySink sends a stuck session back to PENDING
type RetrySink interface {
	RecordRetry(ctx context.Context, sessionID, reason string) error
}

// LeaderGate reports whether this node should run active control loops
type LeaderGate interface {
	IsLeader() bool
}

// Monitor runs the health keepers on a fixed schedule, independently
// of the coordinator. Each sweep filters every keeper's batch by its
// threshold, probes the agents, and retries the sessions that look
// stuck - bounded by the per-session retry budget with exponential
// spacing between attempts.
type Monitor struct {
	keepers []Keeper
	source  SessionSource
	retries RetrySink
	leader  LeaderGate
	cfg     config.HealthConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewMonitor wires a health monitor
func NewMonitor(keepers []Keeper, source SessionSource, retries RetrySink, leader LeaderGate, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		keepers: keepers,
		source:  source,
		retries: retries,
		leader:  leader,
		cfg:     cfg,
		logger:  log.WithComponent("health"),
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	schedule := cron.New()
	_, err := schedule.AddFunc(fmt.Sprintf("@every %s", m.cfg.CheckInterval()), func() {
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}

	schedule.Start()
	m.logger.Info().Dur("interval", m.cfg.CheckInterval()).Msg("health monitor started")

	<-ctx.Done()
	<-schedule.Stop().Done()
	m.logger.Info().Msg("health monitor stopped")
	return ctx.Err()
}

// Sweep runs every keeper once and logs the aggregate. Only the
// leader sweeps; followers idle until failover.
func (m *Monitor) Sweep(ctx context.Context) {
	if !m.leader.IsLeader() {
		return
	}

	total := &Result{}
	for _, keeper := range m.keepers {
		if ctx.Err() != nil {
			return
		}
		total.Merge(m.handleBatch(ctx, keeper))
	}

	if len(total.Healthy) > 0 || len(total.Unhealthy) > 0 {
		m.logger.Info().
			Int("healthy", len(total.Healthy)).
			Int("unhealthy", len(total.Unhealthy)).
			Msg("health sweep finished")
	}
}

// handleBatch is the keeper template: load, filter by threshold,
// probe, retry the unhealthy remainder
func (m *Monitor) handleBatch(ctx context.Context, keeper Keeper) *Result {
	logger := m.logger.With().Str("keeper", keeper.Name()).Logger()

	batch, err := m.source.GetSessionsForTransition(ctx, keeper.TargetStatuses(), nil, "")
	if err != nil {
		logger.Error().Err(err).Msg("failed to load keeper batch")
		return &Result{}
	}

	now := m.now()
	due := lo.Filter(batch, func(record *types.SessionRecord, _ int) bool {
		return keeper.NeedCheck(record, now)
	})
	if len(due) == 0 {
		return &Result{}
	}

	result := keeper.CheckBatch(ctx, due)
	metrics.HealthChecksTotal.WithLabelValues(keeper.Name(), "healthy").
		Add(float64(len(result.Healthy)))
	metrics.HealthChecksTotal.WithLabelValues(keeper.Name(), "unhealthy").
		Add(float64(len(result.Unhealthy)))

	if len(result.Unhealthy) > 0 {
		m.retryUnhealthy(ctx, keeper, due, result.Unhealthy, logger)
	}
	return result
}

// retryUnhealthy sends stuck sessions back to PENDING. A session past
// its retry budget is left alone for an operator; one inside the
// backoff window is left for a later sweep.
func (m *Monitor) retryUnhealthy(ctx context.Context, keeper Keeper, batch []*types.SessionRecord, ids []string, logger zerolog.Logger) {
	byID := lo.SliceToMap(batch, func(record *types.SessionRecord) (string, *types.SessionRecord) {
		return record.Session.ID, record
	})

	now := m.now()
	for _, id := range ids {
		record, ok := byID[id]
		if !ok {
			continue
		}
		session := record.Session

		if session.RetryCount >= m.cfg.MaxRetries {
			logger.Warn().
				Str("session_id", id).
				Int("retry_count", session.RetryCount).
				Msg("retry budget exhausted, leaving session for operator")
			continue
		}
		if !m.backoffElapsed(&session, now) {
			continue
		}

		if err := m.retries.RecordRetry(ctx, id, types.ReasonHealthRetry); err != nil {
			logger.Error().Err(err).Str("session_id", id).Msg("failed to retry session")
			continue
		}
		metrics.HealthRetriesTotal.WithLabelValues(keeper.Name()).Inc()
		logger.Info().
			Str("session_id", id).
			Int("attempt", session.RetryCount+1).
			Msg("stuck session sent back for rescheduling")
	}
}

// backoffElapsed spaces retries exponentially: 1x base after the
// first attempt, 2x after the second, doubling from there
func (m *Monitor) backoffElapsed(session *types.Session, now time.Time) bool {
	if session.RetryCount == 0 || session.LastRetriedAt == nil {
		return true
	}
	wait := m.cfg.RetryBackoffBase() << uint(session.RetryCount-1)
	return now.Sub(*session.LastRetriedAt) >= wait
}
