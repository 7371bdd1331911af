package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/handlers"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/repository"
	"github.com/caravelhq/caravel/pkg/types"
)

// ScheduleHandler is the scheduling stage: it orders the pending
// batch by the group's policy, places each session onto agents with
// capacity, and declares one atomic decision for the batch. Sessions
// that do not fit stay PENDING with a reason and are retried next
// round.
type ScheduleHandler struct {
	repo   *repository.SchedulerRepository
	logger zerolog.Logger
}

// NewScheduleHandler creates the scheduling stage
func NewScheduleHandler(repo *repository.SchedulerRepository) *ScheduleHandler {
	return &ScheduleHandler{
		repo:   repo,
		logger: log.WithComponent("handler.schedule_pending"),
	}
}

func (h *ScheduleHandler) Name() string { return "schedule_pending" }

func (h *ScheduleHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionPending}
}

func (h *ScheduleHandler) TargetKernelStatuses() []types.KernelStatus { return nil }

func (h *ScheduleHandler) SuccessStatus() types.SessionStatus { return types.SessionScheduled }

func (h *ScheduleHandler) FailureStatus() (types.SessionStatus, bool) {
	return types.SessionPending, true
}

func (h *ScheduleHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *ScheduleHandler) LockID() string { return "lock_schedule_pending" }

func (h *ScheduleHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*handlers.Result, error) {
	result := &handlers.Result{}
	if len(batch) == 0 {
		return result, nil
	}

	if err := h.repo.OrderRecords(ctx, scalingGroup, batch); err != nil {
		return nil, err
	}

	agents, err := h.repo.SchedulableAgents(ctx, scalingGroup)
	if err != nil {
		return nil, err
	}
	states := newAgentStates(agents)
	stateByID := make(map[string]*agentState, len(states))
	for _, state := range states {
		stateByID[state.agent.ID] = state
	}

	decision := &types.SchedulingDecision{ScalingGroup: scalingGroup}
	for _, record := range batch {
		if len(record.Kernels) == 0 {
			result.Cancels = append(result.Cancels, handlers.Outcome{
				SessionID: record.Session.ID,
				Reason:    "no kernels to place",
			})
			continue
		}

		placement, err := h.placeWithImagePreference(ctx, record, states, stateByID)
		if err != nil {
			reason := types.ReasonNoAvailableAgent
			if types.KindOf(err) != types.KindResourceExhausted {
				reason = err.Error()
			}
			result.Failures = append(result.Failures, handlers.Outcome{
				SessionID: record.Session.ID,
				Reason:    reason,
			})
			continue
		}

		placement.Reason = "scheduled"
		decision.Placements = append(decision.Placements, *placement)
		result.Successes = append(result.Successes, handlers.Outcome{SessionID: record.Session.ID})
		result.PostActions = append(result.PostActions, handlers.PostAction{
			SessionID: record.Session.ID,
			Event: events.NewSessionEvent(events.EventSessionScheduled,
				record.Session.ID, types.SessionPending, types.SessionScheduled, ""),
		})
	}

	if len(decision.Placements) > 0 {
		result.Decision = decision
	}
	return result, nil
}

// placeWithImagePreference tries agents already holding the main
// kernel's image first, falling back to the full candidate set. The
// image index is a hint: preferring warm agents skips the pull, but a
// cold index never blocks placement.
func (h *ScheduleHandler) placeWithImagePreference(ctx context.Context, record *types.SessionRecord, states []*agentState, stateByID map[string]*agentState) (*types.SessionPlacement, error) {
	main := record.MainKernel()
	if main == nil || main.ImageRef == "" {
		return place(record, states)
	}

	candidates := make([]*types.Agent, 0, len(states))
	for _, state := range states {
		candidates = append(candidates, state.agent)
	}
	preferred := h.repo.AgentsWithImage(ctx, candidates, main.ImageRef)
	if len(preferred) < len(candidates) {
		preferredStates := make([]*agentState, 0, len(preferred))
		for _, agent := range preferred {
			if state, ok := stateByID[agent.ID]; ok {
				preferredStates = append(preferredStates, state)
			}
		}
		if placement, err := place(record, preferredStates); err == nil {
			return placement, nil
		}
	}
	return place(record, states)
}
