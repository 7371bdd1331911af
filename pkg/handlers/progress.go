package handlers

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// allKernelsIn reports whether every kernel of the record is in one of
// the given statuses. Sessions with no kernels never match.
func allKernelsIn(record *types.SessionRecord, statuses ...types.KernelStatus) bool {
	if len(record.Kernels) == 0 {
		return false
	}
	return lo.EveryBy(record.Kernels, func(k types.Kernel) bool {
		return lo.Contains(statuses, k.Status)
	})
}

// PullingProgressHandler moves sessions whose image pulls finished.
// A session in PREPARING or PULLING whose every kernel reached
// PREPARED (or is already RUNNING) becomes PREPARED.
type PullingProgressHandler struct{}

func NewPullingProgressHandler() *PullingProgressHandler { return &PullingProgressHandler{} }

func (h *PullingProgressHandler) Name() string { return "check_pulling_progress" }

func (h *PullingProgressHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionPreparing, types.SessionPulling}
}

func (h *PullingProgressHandler) TargetKernelStatuses() []types.KernelStatus {
	return []types.KernelStatus{types.KernelPrepared, types.KernelRunning}
}

func (h *PullingProgressHandler) SuccessStatus() types.SessionStatus { return types.SessionPrepared }

func (h *PullingProgressHandler) FailureStatus() (types.SessionStatus, bool) { return "", false }

func (h *PullingProgressHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *PullingProgressHandler) LockID() string { return "lock_check_pulling_progress" }

func (h *PullingProgressHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*Result, error) {
	result := &Result{}
	for _, record := range batch {
		// The batch query already gated on kernel statuses; re-verify
		// so a stale read cannot advance a session early.
		if allKernelsIn(record, types.KernelPrepared, types.KernelRunning) {
			result.Successes = append(result.Successes, Outcome{SessionID: record.Session.ID})
		} else {
			result.Stales = append(result.Stales, Outcome{SessionID: record.Session.ID})
		}
	}
	return result, nil
}

// CreatingProgressHandler moves sessions whose kernels are serving.
// A session in CREATING whose every kernel reached RUNNING becomes
// RUNNING, after the on-transition-to-running hook succeeds; a hook
// failure keeps the session in CREATING until the next round.
type CreatingProgressHandler struct {
	hooks  *HookRegistry
	logger zerolog.Logger
}

func NewCreatingProgressHandler(hooks *HookRegistry) *CreatingProgressHandler {
	return &CreatingProgressHandler{
		hooks:  hooks,
		logger: log.WithComponent("handler.check_creating_progress"),
	}
}

func (h *CreatingProgressHandler) Name() string { return "check_creating_progress" }

func (h *CreatingProgressHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionCreating}
}

func (h *CreatingProgressHandler) TargetKernelStatuses() []types.KernelStatus {
	return []types.KernelStatus{types.KernelRunning}
}

func (h *CreatingProgressHandler) SuccessStatus() types.SessionStatus { return types.SessionRunning }

func (h *CreatingProgressHandler) FailureStatus() (types.SessionStatus, bool) { return "", false }

func (h *CreatingProgressHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *CreatingProgressHandler) LockID() string { return "lock_check_creating_progress" }

func (h *CreatingProgressHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*Result, error) {
	result := &Result{}
	for _, record := range batch {
		if !allKernelsIn(record, types.KernelRunning) {
			result.Stales = append(result.Stales, Outcome{SessionID: record.Session.ID})
			continue
		}

		if err := h.hooks.Fire(ctx, OnTransitionToRunning, record); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", record.Session.ID).
				Msg("running hook failed, session stays in CREATING")
			result.Failures = append(result.Failures, Outcome{
				SessionID: record.Session.ID,
				Reason:    err.Error(),
			})
			continue
		}

		result.Successes = append(result.Successes, Outcome{SessionID: record.Session.ID})
		result.PostActions = append(result.PostActions, PostAction{
			SessionID: record.Session.ID,
			Event: events.NewSessionEvent(events.EventSessionStarted,
				record.Session.ID, types.SessionCreating, types.SessionRunning, ""),
		})
	}
	return result, nil
}
