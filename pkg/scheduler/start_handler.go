package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/agentclient"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/handlers"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// StartSessionHandler is the start stage: for every SCHEDULED session
// it sends create_kernel to each kernel's bound agent and moves the
// session to PREPARING. From there the agents report kernel progress
// and the progress stages take over.
//
// Agents treat create_kernel for an already-known kernel as a no-op,
// so a session that failed mid-dispatch stays SCHEDULED and the next
// round safely re-sends the whole set.
type StartSessionHandler struct {
	agents agentclient.Client
	logger zerolog.Logger
}

// NewStartSessionHandler creates the start stage
func NewStartSessionHandler(agents agentclient.Client) *StartSessionHandler {
	return &StartSessionHandler{
		agents: agents,
		logger: log.WithComponent("handler.start_session"),
	}
}

func (h *StartSessionHandler) Name() string { return "start_session" }

func (h *StartSessionHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionScheduled}
}

func (h *StartSessionHandler) TargetKernelStatuses() []types.KernelStatus { return nil }

func (h *StartSessionHandler) SuccessStatus() types.SessionStatus { return types.SessionPreparing }

func (h *StartSessionHandler) FailureStatus() (types.SessionStatus, bool) { return "", false }

func (h *StartSessionHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *StartSessionHandler) LockID() string { return "lock_start_session" }

func (h *StartSessionHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*handlers.Result, error) {
	result := &handlers.Result{}
	for _, record := range batch {
		if err := h.dispatch(ctx, record); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", record.Session.ID).
				Msg("kernel dispatch incomplete, session stays scheduled")
			result.Failures = append(result.Failures, handlers.Outcome{
				SessionID: record.Session.ID,
				Reason:    err.Error(),
			})
			continue
		}

		result.Successes = append(result.Successes, handlers.Outcome{SessionID: record.Session.ID})
		result.PostActions = append(result.PostActions, handlers.PostAction{
			SessionID: record.Session.ID,
			Event: events.NewSessionEvent(events.EventSessionPreparing,
				record.Session.ID, types.SessionScheduled, types.SessionPreparing, ""),
		})
	}
	return result, nil
}

// dispatch sends create_kernel for every kernel of the record
func (h *StartSessionHandler) dispatch(ctx context.Context, record *types.SessionRecord) error {
	for i := range record.Kernels {
		kernel := &record.Kernels[i]
		if kernel.AgentID == "" {
			// The scheduling decision binds every kernel; an unbound one
			// here means the record was tampered with out of band.
			return types.NewError(types.KindPreconditionFailed,
				"kernel %s has no agent binding", kernel.ID)
		}
		if err := h.agents.CreateKernel(ctx, kernel.AgentID, kernel); err != nil {
			return err
		}
	}
	return nil
}
