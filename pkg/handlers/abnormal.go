package handlers

import (
	"context"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/types"
)

// AbnormalRunningHandler catches sessions whose containers died
// underneath them. A RUNNING session with every kernel TERMINATED is
// moved to TERMINATING so the terminating stage can release its
// resources. An existing status reason (e.g. an OOM kill recorded by
// the agent) is preserved; otherwise the session is marked
// ABNORMAL_TERMINATION.
type AbnormalRunningHandler struct{}

func NewAbnormalRunningHandler() *AbnormalRunningHandler { return &AbnormalRunningHandler{} }

func (h *AbnormalRunningHandler) Name() string { return "check_abnormal_running" }

func (h *AbnormalRunningHandler) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionRunning}
}

func (h *AbnormalRunningHandler) TargetKernelStatuses() []types.KernelStatus {
	return []types.KernelStatus{types.KernelTerminated}
}

func (h *AbnormalRunningHandler) SuccessStatus() types.SessionStatus {
	return types.SessionTerminating
}

func (h *AbnormalRunningHandler) FailureStatus() (types.SessionStatus, bool) { return "", false }

func (h *AbnormalRunningHandler) StaleStatus() (types.SessionStatus, bool) { return "", false }

func (h *AbnormalRunningHandler) LockID() string { return "lock_check_abnormal_running" }

func (h *AbnormalRunningHandler) Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*Result, error) {
	result := &Result{}
	for _, record := range batch {
		if !allKernelsIn(record, types.KernelTerminated) {
			result.Stales = append(result.Stales, Outcome{SessionID: record.Session.ID})
			continue
		}

		reason := record.Session.StatusInfo
		if reason == "" {
			reason = types.ReasonAbnormalTermination
		}
		result.Successes = append(result.Successes, Outcome{
			SessionID: record.Session.ID,
			Reason:    reason,
		})
		result.PostActions = append(result.PostActions, PostAction{
			SessionID: record.Session.ID,
			Event: events.NewSessionEvent(events.EventSessionTerminating,
				record.Session.ID, types.SessionRunning, types.SessionTerminating, reason),
		})
	}
	return result, nil
}
