package health

import (
	"context"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/types"
)

// KernelReportSubject is where agents report kernel status changes
const KernelReportSubject = "caravel.agent.kernel"

// KernelReport is one agent-side kernel transition
type KernelReport struct {
	AgentID   string             `json:"agent_id"`
	SessionID string             `json:"session_id"`
	KernelID  string             `json:"kernel_id"`
	Status    types.KernelStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
}

// SessionState is the slice of replicated state kernel reports write
type SessionState interface {
	GetSessionRecord(id string) (*types.SessionRecord, error)
	UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string) error
	UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error)
}

// HandleKernelReport applies one agent-reported kernel transition.
// Kernel status is written through the replicated state; the guarded
// session updates advance the session for the transitions the agent
// side initiates (entering PULLING and CREATING) and are no-ops when
// another kernel of the session got there first. Reports that unblock
// a progress stage wake the group's coordinator.
func (m *AgentMonitor) HandleKernelReport(ctx context.Context, report *KernelReport) error {
	if report.KernelID == "" || report.SessionID == "" {
		return types.NewError(types.KindPreconditionFailed, "kernel report without ids")
	}
	if report.Status == "" {
		return types.NewError(types.KindPreconditionFailed, "kernel report without status")
	}

	// Every node hears the broadcast; one writer.
	if !m.leader.IsLeader() {
		return nil
	}

	if err := m.sessions.UpdateKernelsStatus([]string{report.KernelID}, report.Status, report.Reason); err != nil {
		return err
	}

	record, err := m.sessions.GetSessionRecord(report.SessionID)
	if err != nil {
		return err
	}
	group := record.Session.ScalingGroup

	switch report.Status {
	case types.KernelPulling:
		if _, err := m.sessions.UpdateSessionsStatus([]string{report.SessionID},
			[]types.SessionStatus{types.SessionPreparing}, types.SessionPulling, report.Reason); err != nil {
			return err
		}

	case types.KernelPrepared:
		m.trigger(ctx, group, "kernels prepared")

	case types.KernelCreating:
		if _, err := m.sessions.UpdateSessionsStatus([]string{report.SessionID},
			[]types.SessionStatus{types.SessionPrepared}, types.SessionCreating, report.Reason); err != nil {
			return err
		}

	case types.KernelRunning:
		m.publisher.Publish(events.NewKernelEvent(events.EventKernelStarted,
			report.SessionID, report.KernelID, report.AgentID, report.Reason))
		m.trigger(ctx, group, "kernel running")

	case types.KernelTerminated:
		m.publisher.Publish(events.NewKernelEvent(events.EventKernelTerminated,
			report.SessionID, report.KernelID, report.AgentID, report.Reason))
		m.trigger(ctx, group, "kernel terminated")
	}

	m.logger.Debug().
		Str("session_id", report.SessionID).
		Str("kernel_id", report.KernelID).
		Str("status", string(report.Status)).
		Msg("kernel report applied")
	return nil
}
