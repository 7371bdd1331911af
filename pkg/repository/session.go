package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/agentclient"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

// activeStatuses are the non-terminal, non-pending statuses a destroy
// request has to tear down on agents
var activeStatuses = []types.SessionStatus{
	types.SessionScheduled, types.SessionPreparing, types.SessionPulling,
	types.SessionPrepared, types.SessionCreating, types.SessionRunning,
}

// SessionRepository is the session-facing surface: submission,
// destruction, admin overrides, and cache invalidation
type SessionRepository struct {
	state     State
	cache     SchedulingCache
	agents    agentclient.Client
	publisher events.Publisher
	slotTypes slot.Types
	logger    zerolog.Logger
}

// NewSessionRepository creates a SessionRepository
func NewSessionRepository(state State, cache SchedulingCache, agents agentclient.Client, publisher events.Publisher, slotTypes slot.Types) *SessionRepository {
	return &SessionRepository{
		state:     state,
		cache:     cache,
		agents:    agents,
		publisher: publisher,
		slotTypes: slotTypes,
		logger:    log.WithComponent("repository.session"),
	}
}

// GetByID loads a session with its kernels
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	return r.state.GetSessionRecord(sessionID)
}

// UpdateSessionsTo performs a guarded status transition, returning
// the ids actually moved
func (r *SessionRepository) UpdateSessionsTo(ctx context.Context, ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error) {
	return r.state.UpdateSessionsStatus(ids, expected, next, reason)
}

// SubmitRequest describes a new session
type SubmitRequest struct {
	Name         string
	AccessKey    string
	Owner        string
	Project      string
	Domain       string
	ScalingGroup string
	SessionType  types.SessionType
	ClusterMode  types.ClusterMode
	ClusterSize  int
	ImageRef     string
	Architecture string
	Slots        map[slot.Name]string
	CallbackURL  string
	BatchTimeout time.Duration
	StartsAt     *time.Time
}

// SubmitSession validates a request, persists the session in PENDING
// with its kernels, and flags the scaling group for scheduling
func (r *SessionRepository) SubmitSession(ctx context.Context, req *SubmitRequest) (*types.SessionRecord, error) {
	if req.ClusterSize < 1 {
		return nil, types.NewError(types.KindPreconditionFailed, "cluster size must be at least 1")
	}
	if req.ClusterMode == "" {
		req.ClusterMode = types.ClusterModeSingleNode
	}
	if req.SessionType == "" {
		req.SessionType = types.SessionTypeInteractive
	}

	group, err := r.state.GetScalingGroup(req.ScalingGroup)
	if err != nil {
		return nil, err
	}
	if !group.IsActive {
		return nil, types.NewError(types.KindPreconditionFailed,
			"scaling group %s is not active", group.Name)
	}

	perKernel, err := slot.FromUserInput(req.Slots, r.slotTypes)
	if err != nil {
		return nil, types.WrapError(types.KindPreconditionFailed, err, "invalid resource request")
	}

	now := time.Now().UTC()
	session := types.Session{
		ID:              uuid.NewString(),
		CreationID:      uuid.NewString(),
		Name:            req.Name,
		AccessKey:       req.AccessKey,
		Owner:           req.Owner,
		Project:         req.Project,
		Domain:          req.Domain,
		ScalingGroup:    group.Name,
		SessionType:     req.SessionType,
		ClusterMode:     req.ClusterMode,
		ClusterSize:     req.ClusterSize,
		Status:          types.SessionPending,
		StatusChangedAt: now,
		RequestedSlots:  slot.Slots{},
		CallbackURL:     req.CallbackURL,
		BatchTimeout:    req.BatchTimeout,
		StartsAt:        req.StartsAt,
		CreatedAt:       now,
	}

	record := &types.SessionRecord{Session: session}
	for i := 0; i < req.ClusterSize; i++ {
		role := types.KernelRoleSub
		if i == 0 {
			role = types.KernelRoleMain
		}
		record.Kernels = append(record.Kernels, types.Kernel{
			ID:              uuid.NewString(),
			SessionID:       session.ID,
			ImageRef:        req.ImageRef,
			Architecture:    req.Architecture,
			Role:            role,
			Status:          types.KernelPending,
			StatusChangedAt: now,
			RequestedSlots:  perKernel.Clone(),
			CreatedAt:       now,
		})
		record.Session.RequestedSlots = record.Session.RequestedSlots.Add(perKernel)
	}

	if err := r.state.CreateSessionRecord(record); err != nil {
		return nil, err
	}

	if err := r.cache.MarkScheduleNeeded(ctx, group.Name); err != nil {
		r.logger.Warn().Err(err).Str("scaling_group", group.Name).
			Msg("failed to flag scheduling, periodic wakeup will catch it")
	}

	r.logger.Info().
		Str("session_id", record.Session.ID).
		Str("scaling_group", group.Name).
		Int("kernels", len(record.Kernels)).
		Str("requested", record.Session.RequestedSlots.String()).
		Msg("session submitted")
	return record, nil
}

// DestroySession requests termination. PENDING sessions are cancelled
// outright; active sessions move to TERMINATING and their agents are
// told to tear kernels down. Already-terminal sessions are a no-op.
func (r *SessionRepository) DestroySession(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = types.ReasonUserRequested
	}

	record, err := r.state.GetSessionRecord(sessionID)
	if err != nil {
		return err
	}
	if record.Session.Status.IsTerminal() {
		return nil
	}

	if record.Session.Status == types.SessionPending {
		if _, err := r.state.UpdateSessionsStatus([]string{sessionID},
			[]types.SessionStatus{types.SessionPending}, types.SessionCancelled, reason); err != nil {
			return err
		}
		kernelIDs := lo.Map(record.Kernels, func(k types.Kernel, _ int) string { return k.ID })
		if err := r.state.UpdateKernelsStatus(kernelIDs, types.KernelCancelled, reason); err != nil {
			return err
		}
		r.publisher.Publish(events.NewSessionEvent(events.EventSessionCancelled,
			sessionID, types.SessionPending, types.SessionCancelled, reason))
		return nil
	}

	updated, err := r.state.UpdateSessionsStatus([]string{sessionID},
		activeStatuses, types.SessionTerminating, reason)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		// Lost the race: someone else already moved it.
		return nil
	}

	kernelIDs := lo.Map(record.Kernels, func(k types.Kernel, _ int) string { return k.ID })
	if err := r.state.UpdateKernelsStatus(kernelIDs, types.KernelTerminating, reason); err != nil {
		return err
	}

	// Best-effort teardown on agents; the terminating stage completes
	// once kernels report TERMINATED.
	for _, kernel := range record.Kernels {
		if kernel.AgentID == "" {
			continue
		}
		if err := r.agents.DestroyKernel(ctx, kernel.AgentID, kernel.ID, reason); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("kernel_id", kernel.ID).
				Str("agent_id", kernel.AgentID).
				Msg("failed to reach agent for kernel teardown")
		}
	}

	r.publisher.Publish(events.NewSessionEvent(events.EventSessionTerminating,
		sessionID, record.Session.Status, types.SessionTerminating, reason))
	return nil
}

// ForceUpdateLifecycle is the operator override for wedged sessions
func (r *SessionRepository) ForceUpdateLifecycle(ctx context.Context, sessionID string, next types.SessionStatus, reason string) error {
	if reason == "" {
		reason = types.ReasonForceTerminated
	}
	if err := r.state.ForceUpdateLifecycle(sessionID, next, reason); err != nil {
		return err
	}
	r.logger.Warn().
		Str("session_id", sessionID).
		Str("status", string(next)).
		Str("reason", reason).
		Msg("lifecycle forced")
	return nil
}

// ClearErrors returns an ERROR session to PENDING and flags its group
// for scheduling
func (r *SessionRepository) ClearErrors(ctx context.Context, sessionID string) error {
	record, err := r.state.GetSessionRecord(sessionID)
	if err != nil {
		return err
	}
	if err := r.state.ClearErrors(sessionID); err != nil {
		return err
	}
	if err := r.cache.MarkScheduleNeeded(ctx, record.Session.ScalingGroup); err != nil {
		r.logger.Warn().Err(err).Msg("failed to flag scheduling after error clear")
	}
	return nil
}

// RecordRetry sends a stuck session back to PENDING, counting the
// attempt, and flags its group for scheduling
func (r *SessionRepository) RecordRetry(ctx context.Context, sessionID, reason string) error {
	record, err := r.state.GetSessionRecord(sessionID)
	if err != nil {
		return err
	}
	if err := r.state.RecordSessionRetry(sessionID, reason); err != nil {
		return err
	}
	if err := r.cache.MarkScheduleNeeded(ctx, record.Session.ScalingGroup); err != nil {
		r.logger.Warn().Err(err).Msg("failed to flag scheduling after retry")
	}
	r.publisher.Publish(events.NewSessionEvent(events.EventSessionRetried,
		sessionID, record.Session.Status, types.SessionPending, reason))
	return nil
}

// InvalidateKernelRelatedCache drops cache entries tied to a
// session's kernels, currently the GPU allocation maps of their
// agents
func (r *SessionRepository) InvalidateKernelRelatedCache(ctx context.Context, sessionID string) error {
	kernels, err := r.state.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}
	agentIDs := lo.Uniq(lo.FilterMap(kernels, func(k *types.Kernel, _ int) (string, bool) {
		return k.AgentID, k.AgentID != ""
	}))
	for _, agentID := range agentIDs {
		if err := r.cache.DeleteGPUAllocMap(ctx, agentID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", agentID).
				Msg("failed to invalidate allocation map")
		}
	}
	return nil
}
