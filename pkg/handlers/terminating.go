package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// TerminatingProgressHandler finishes terminations. A session in
// TERMINATING whose every kernel reached TERMINATED has its slots
// released, its cache entries dropped, and becomes TERMINATED. The
// freed capacity re-marks the scaling group for scheduling.
type TerminatingProgressHandler struct {
	hooks  *HookRegistry
	logger zerolog.Logger
}

func NewTerminatingProgressHandler(hooks *HookRegistry) *TerminatingProgressHandler {
	return &TerminatingProgressHandler{
		hooks:  hooks,
		logger: log.WithComponent("handler.check_terminating_progress"),
	}
}

func (h *TerminatingProgressHandler) Name() string { return "check_terminating_progress" }

func (h *TerminatingProgressHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionTerminating}
}

func (h *TerminatingProgressHandler) TargetKernelStatuses() []types.KernelStatus {
	return []types.KernelStatus{types.KernelTerminated}
}

func (h *TerminatingProgressHandler) SuccessStatus() types.SessionStatus {
	return types.SessionTerminated
}

func (h *TerminatingProgressHandler) FailureStatus() (types.SessionStatus, bool) { return "", false }

func (h *TerminatingProgressHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *TerminatingProgressHandler) LockID() string { return "lock_check_terminating_progress" }

func (h *TerminatingProgressHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*Result, error) {
	result := &Result{}
	for _, record := range batch {
		if !allKernelsIn(record, types.KernelTerminated) {
			result.Stales = append(result.Stales, Outcome{SessionID: record.Session.ID})
			continue
		}

		// Teardown hooks must not block the release; a stuck webhook
		// cannot hold agent slots hostage.
		if err := h.hooks.Fire(ctx, OnTransitionToTerminated, record); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", record.Session.ID).
				Msg("terminated hook failed, releasing anyway")
		}

		outcome := Outcome{
			SessionID: record.Session.ID,
			Reason:    record.Session.StatusInfo,
		}
		result.Successes = append(result.Successes, outcome)
		result.Releases = append(result.Releases, outcome)
		result.PostActions = append(result.PostActions, PostAction{
			SessionID: record.Session.ID,
			Event: events.NewSessionEvent(events.EventSessionTerminated,
				record.Session.ID, types.SessionTerminating, types.SessionTerminated,
				record.Session.StatusInfo),
			Reschedule:      true,
			InvalidateCache: true,
		})
	}
	return result, nil
}
