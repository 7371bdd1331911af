package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/cache"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/handlers"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/repository"
	"github.com/caravelhq/caravel/pkg/types"
)

// Lease is a held named lock
type Lease interface {
	Release(ctx context.Context) error
}

// LockService hands out named leases across the deployment. Acquire
// waits up to wait for a contended lock; a nil Lease with nil error
// means it stayed contended and the caller should skip its work.
type LockService interface {
	Acquire(ctx context.Context, name string, lease, wait time.Duration) (Lease, error)
}

// LeaderGate reports whether this node should run active control
// loops
type LeaderGate interface {
	IsLeader() bool
}

// RedisLockService adapts the cache locker to LockService
type RedisLockService struct {
	locker *cache.Locker
}

// NewRedisLockService wraps a cache locker
func NewRedisLockService(locker *cache.Locker) *RedisLockService {
	return &RedisLockService{locker: locker}
}

func (s *RedisLockService) Acquire(ctx context.Context, name string, lease, wait time.Duration) (Lease, error) {
	lock, err := s.locker.Acquire(ctx, name, lease, wait)
	if err != nil || lock == nil {
		return nil, err
	}
	return lock, nil
}

// Coordinator drives one scaling group's lifecycle stages. It wakes
// on triggers (debounced) and on a periodic tick that doubles as the
// reconciler, runs each handler under its named lock, commits results
// through the replicated state, and publishes events after commit.
// Only the Raft leader runs rounds; followers keep their trigger
// state and take over on failover.
type Coordinator struct {
	scalingGroup string
	handlers     []handlers.Handler

	repo      *repository.SchedulerRepository
	sessions  *repository.SessionRepository
	state     repository.State
	cache     repository.SchedulingCache
	locks     LockService
	leader    LeaderGate
	publisher events.Publisher

	cfg     config.SchedulerConfig
	trigger chan struct{}
	logger  zerolog.Logger
}

// NewCoordinator wires a coordinator for one scaling group
func NewCoordinator(
	scalingGroup string,
	handlerList []handlers.Handler,
	repo *repository.SchedulerRepository,
	sessions *repository.SessionRepository,
	state repository.State,
	schedCache repository.SchedulingCache,
	locks LockService,
	leader LeaderGate,
	publisher events.Publisher,
	cfg config.SchedulerConfig,
) *Coordinator {
	return &Coordinator{
		scalingGroup: scalingGroup,
		handlers:     handlerList,
		repo:         repo,
		sessions:     sessions,
		state:        state,
		cache:        schedCache,
		locks:        locks,
		leader:       leader,
		publisher:    publisher,
		cfg:          cfg,
		trigger:      make(chan struct{}, 1),
		logger:       log.WithScalingGroup(scalingGroup),
	}
}

// MarkSchedulingNeeded flags the group and wakes the loop. The Redis
// flag makes the signal survive restarts and failover; the channel
// just wakes the local loop early.
func (c *Coordinator) MarkSchedulingNeeded(ctx context.Context, reason string) {
	if err := c.cache.MarkScheduleNeeded(ctx, c.scalingGroup); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist scheduling flag")
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
	c.logger.Debug().Str("reason", reason).Msg("scheduling marked needed")
}

// Run executes the coordinator loop until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval())
	defer ticker.Stop()

	c.logger.Info().Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("coordinator stopped")
			return ctx.Err()

		case <-c.trigger:
			c.debounce(ctx)
			c.runRound(ctx, "trigger")

		case <-ticker.C:
			// The periodic wakeup is the reconciler: it re-derives
			// progress from current state even when every trigger was
			// lost.
			c.runRound(ctx, "tick")
		}
	}
}

// debounce coalesces triggers arriving in a short window into one run
func (c *Coordinator) debounce(ctx context.Context) {
	timer := time.NewTimer(c.cfg.Debounce())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		case <-timer.C:
			return
		}
	}
}

func (c *Coordinator) runRound(ctx context.Context, trigger string) {
	if !c.leader.IsLeader() {
		return
	}

	// Consume the persisted flag so a round isn't re-run for a signal
	// it already served.
	if _, err := c.cache.TakeScheduleNeeded(ctx, c.scalingGroup); err != nil {
		c.logger.Warn().Err(err).Msg("failed to consume scheduling flag")
	}

	start := time.Now()
	for _, handler := range c.handlers {
		if ctx.Err() != nil {
			return
		}
		c.runHandler(ctx, handler)
	}

	metrics.RoundsTotal.WithLabelValues(c.scalingGroup, trigger).Inc()
	metrics.RoundDuration.WithLabelValues(c.scalingGroup).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) runHandler(ctx context.Context, handler handlers.Handler) {
	logger := c.logger.With().Str("handler", handler.Name()).Logger()

	lockName := handler.LockID() + ":" + c.scalingGroup
	lease, err := c.locks.Acquire(ctx, lockName, c.cfg.LockLease(), c.cfg.LockAcquireTimeout())
	if err != nil {
		logger.Warn().Err(err).Msg("lock service unavailable, skipping stage")
		return
	}
	if lease == nil {
		// Still contended past the acquire timeout: someone else is
		// handling this stage.
		metrics.LockContention.WithLabelValues(handler.LockID()).Inc()
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release lock")
		}
	}()

	batch, err := c.repo.GetSessionsForTransition(ctx,
		handler.TargetStatuses(), handler.TargetKernelStatuses(), c.scalingGroup)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load batch")
		return
	}
	if len(batch) == 0 {
		return
	}

	result, err := handler.Execute(ctx, batch, c.scalingGroup)
	if err != nil {
		// No progress this round; the batch keeps its prior status
		// and is reconsidered on the next wakeup.
		metrics.HandlerErrors.WithLabelValues(handler.Name()).Inc()
		logger.Error().Err(err).Int("batch", len(batch)).Msg("handler failed, no progress this round")
		return
	}

	c.commit(ctx, handler, result, logger)
	c.postProcess(ctx, result)

	if result.SuccessCount() > 0 || len(result.Failures) > 0 {
		logger.Info().
			Int("successes", result.SuccessCount()).
			Int("failures", len(result.Failures)).
			Int("stales", len(result.Stales)).
			Msg("stage committed")
	}
}

// commit applies a handler's declared effects through the replicated
// state
func (c *Coordinator) commit(ctx context.Context, handler handlers.Handler, result *handlers.Result, logger zerolog.Logger) {
	if result.Decision != nil {
		if err := c.state.ApplySchedulingDecision(result.Decision); err != nil {
			// The whole decision aborted (e.g. a capacity race with a
			// heartbeat); everything stays PENDING for the next round.
			logger.Error().Err(err).Msg("scheduling decision aborted")
			metrics.HandlerErrors.WithLabelValues(handler.Name()).Inc()
			return
		}
		// The decision already moved its sessions to SCHEDULED; the
		// guarded update below is a no-op for them.
		metrics.HandlerSessions.WithLabelValues(handler.Name(), "success").
			Add(float64(len(result.Decision.Placements)))
	}

	for _, release := range result.Releases {
		if err := c.state.ReleaseSessionResources(release.SessionID, release.Reason); err != nil {
			logger.Error().Err(err).Str("session_id", release.SessionID).
				Msg("failed to release session resources")
			continue
		}
		metrics.HandlerSessions.WithLabelValues(handler.Name(), "success").Inc()
	}

	c.commitStatus(handler, result.Successes, handler.SuccessStatus(), "success", logger)
	if failureStatus, ok := handler.FailureStatus(); ok {
		c.commitStatus(handler, result.Failures, failureStatus, "failure", logger)
	} else {
		metrics.HandlerSessions.WithLabelValues(handler.Name(), "failure").
			Add(float64(len(result.Failures)))
	}
	if staleStatus, ok := handler.StaleStatus(); ok {
		c.commitStatus(handler, result.Stales, staleStatus, "stale", logger)
	}
	c.commitStatus(handler, result.Cancels, types.SessionCancelled, "cancelled", logger)
}

// commitStatus groups outcomes by reason and applies one guarded
// update per group
func (c *Coordinator) commitStatus(handler handlers.Handler, outcomes []handlers.Outcome, next types.SessionStatus, kind string, logger zerolog.Logger) {
	if len(outcomes) == 0 {
		return
	}

	byReason := make(map[string][]string)
	for _, outcome := range outcomes {
		byReason[outcome.Reason] = append(byReason[outcome.Reason], outcome.SessionID)
	}

	for reason, ids := range byReason {
		updated, err := c.state.UpdateSessionsStatus(ids, handler.TargetStatuses(), next, reason)
		if err != nil {
			logger.Error().Err(err).Str("status", string(next)).Msg("status commit failed")
			continue
		}
		metrics.HandlerSessions.WithLabelValues(handler.Name(), kind).Add(float64(len(updated)))
	}
}

// postProcess runs only after the commit: events, cache invalidation,
// and re-marking. A failure here never rolls back the status change.
func (c *Coordinator) postProcess(ctx context.Context, result *handlers.Result) {
	for _, action := range result.PostActions {
		if action.Event != nil {
			c.publisher.Publish(action.Event)
		}
		if action.InvalidateCache {
			if err := c.sessions.InvalidateKernelRelatedCache(ctx, action.SessionID); err != nil {
				c.logger.Warn().Err(err).Str("session_id", action.SessionID).
					Msg("cache invalidation failed")
			}
		}
		if action.Reschedule {
			c.MarkSchedulingNeeded(ctx, "resources freed")
		}
	}
}
