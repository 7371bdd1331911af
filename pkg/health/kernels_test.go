package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/types"
)

func seedSession(f *agentMonitorFixture, id string, status types.SessionStatus, kernelStatus types.KernelStatus) {
	f.sessions.put(&types.SessionRecord{
		Session: types.Session{
			ID:           id,
			ScalingGroup: "default",
			Status:       status,
		},
		Kernels: []types.Kernel{{
			ID:        id + "-k1",
			SessionID: id,
			AgentID:   "a1",
			Role:      types.KernelRoleMain,
			Status:    kernelStatus,
		}},
	})
}

func report(sessionID string, status types.KernelStatus) *KernelReport {
	return &KernelReport{
		AgentID:   "a1",
		SessionID: sessionID,
		KernelID:  sessionID + "-k1",
		Status:    status,
	}
}

func TestKernelReportAppliesKernelStatus(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionPreparing, types.KernelScheduled)

	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), report("s1", types.KernelPulling)))

	record, err := f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelPulling, record.Kernels[0].Status)
}

func TestKernelPullingReportAdvancesPreparingSession(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionPreparing, types.KernelScheduled)
	ctx := context.Background()

	require.NoError(t, f.monitor.HandleKernelReport(ctx, report("s1", types.KernelPulling)))

	record, err := f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPulling, record.Session.Status)

	// A second kernel reporting the same transition finds the session
	// already moved; the guarded update is a no-op.
	require.NoError(t, f.monitor.HandleKernelReport(ctx, report("s1", types.KernelPulling)))
	record, err = f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPulling, record.Session.Status)
}

func TestKernelCreatingReportAdvancesPreparedSession(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionPrepared, types.KernelPrepared)

	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), report("s1", types.KernelCreating)))

	record, err := f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCreating, record.Session.Status)
	assert.Equal(t, types.KernelCreating, record.Kernels[0].Status)
}

func TestKernelPreparedReportWakesCoordinator(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionPulling, types.KernelPulling)

	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), report("s1", types.KernelPrepared)))

	assert.Equal(t, []string{"default/kernels prepared"}, f.triggers.calls)
}

func TestKernelRunningReportPublishesAndWakes(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionCreating, types.KernelCreating)

	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), report("s1", types.KernelRunning)))

	started := f.publisher.byType(events.EventKernelStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "s1-k1", started[0].KernelID)
	assert.Equal(t, "a1", started[0].AgentID)
	assert.Equal(t, []string{"default/kernel running"}, f.triggers.calls)
}

func TestKernelTerminatedReportPublishesAndWakes(t *testing.T) {
	f := newAgentMonitorFixture(t)
	seedSession(f, "s1", types.SessionRunning, types.KernelRunning)

	terminated := report("s1", types.KernelTerminated)
	terminated.Reason = "exited"
	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), terminated))

	record, err := f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelTerminated, record.Kernels[0].Status)
	// The session itself is untouched; the abnormal-running stage owns
	// that transition.
	assert.Equal(t, types.SessionRunning, record.Session.Status)

	gone := f.publisher.byType(events.EventKernelTerminated)
	require.Len(t, gone, 1)
	assert.Equal(t, "exited", gone[0].Reason)
	assert.Equal(t, []string{"default/kernel terminated"}, f.triggers.calls)
}

func TestKernelReportFollowerIsNoop(t *testing.T) {
	f := newAgentMonitorFixture(t)
	f.leader.leader = false
	seedSession(f, "s1", types.SessionPreparing, types.KernelScheduled)

	require.NoError(t, f.monitor.HandleKernelReport(context.Background(), report("s1", types.KernelPulling)))

	record, err := f.sessions.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelScheduled, record.Kernels[0].Status)
	assert.Equal(t, types.SessionPreparing, record.Session.Status)
	assert.Empty(t, f.triggers.calls)
}

func TestKernelReportRejectsMissingFields(t *testing.T) {
	f := newAgentMonitorFixture(t)

	err := f.monitor.HandleKernelReport(context.Background(), &KernelReport{KernelID: "k1"})
	require.Error(t, err)

	err = f.monitor.HandleKernelReport(context.Background(), &KernelReport{
		SessionID: "s1", KernelID: "k1",
	})
	require.Error(t, err)
}
