package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

type sessionRepoFixture struct {
	state  *fakeState
	cache  *fakeCache
	agents *fakeAgentClient
	pub    *fakePublisher
	repo   *SessionRepository
}

func newSessionRepoFixture(t *testing.T) *sessionRepoFixture {
	t.Helper()
	f := &sessionRepoFixture{
		state:  newFakeState(t),
		cache:  newFakeCache(),
		agents: &fakeAgentClient{},
		pub:    &fakePublisher{},
	}
	f.repo = NewSessionRepository(f.state, f.cache, f.agents, f.pub, slot.DefaultTypes())
	seedGroup(t, f.state, "default", types.PolicyFIFO)
	return f
}

func TestSubmitSessionCreatesPendingRecord(t *testing.T) {
	f := newSessionRepoFixture(t)

	record, err := f.repo.SubmitSession(context.Background(), &SubmitRequest{
		Name:         "train-1",
		ScalingGroup: "default",
		ClusterMode:  types.ClusterModeMultiNode,
		ClusterSize:  3,
		ImageRef:     "registry.example.com/pytorch:2.4",
		Slots:        map[slot.Name]string{"cpu": "2", "mem": "4g"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.SessionPending, record.Session.Status)
	require.Len(t, record.Kernels, 3)
	assert.Equal(t, types.KernelRoleMain, record.Kernels[0].Role)
	assert.Equal(t, types.KernelRoleSub, record.Kernels[1].Role)

	// Session slots are the sum over kernels: 3 x {cpu:2, mem:4Gi}.
	want := slot.Slots{"cpu": slot.MustParse("6"), "mem": slot.MustParse("12Gi")}
	assert.True(t, record.Session.RequestedSlots.Equal(want))

	needed, _ := f.cache.TakeScheduleNeeded(context.Background(), "default")
	assert.True(t, needed)

	stored, err := f.state.GetSessionRecord(record.Session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Kernels, 3)
}

func TestSubmitSessionRejectsBadRequests(t *testing.T) {
	f := newSessionRepoFixture(t)
	require.NoError(t, f.state.PutScalingGroup(&types.ScalingGroup{
		Name: "drained", Policy: types.PolicyFIFO, IsActive: false,
	}))

	tests := []struct {
		name string
		req  *SubmitRequest
	}{
		{"zero cluster size", &SubmitRequest{ScalingGroup: "default", ClusterSize: 0,
			Slots: map[slot.Name]string{"cpu": "1"}}},
		{"unknown scaling group", &SubmitRequest{ScalingGroup: "nope", ClusterSize: 1,
			Slots: map[slot.Name]string{"cpu": "1"}}},
		{"inactive scaling group", &SubmitRequest{ScalingGroup: "drained", ClusterSize: 1,
			Slots: map[slot.Name]string{"cpu": "1"}}},
		{"unknown slot name", &SubmitRequest{ScalingGroup: "default", ClusterSize: 1,
			Slots: map[slot.Name]string{"tpu.core": "1"}}},
		{"negative slot value", &SubmitRequest{ScalingGroup: "default", ClusterSize: 1,
			Slots: map[slot.Name]string{"cpu": "-1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.repo.SubmitSession(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestDestroyPendingSessionCancels(t *testing.T) {
	f := newSessionRepoFixture(t)
	record, err := f.repo.SubmitSession(context.Background(), &SubmitRequest{
		ScalingGroup: "default", ClusterSize: 1,
		Slots: map[slot.Name]string{"cpu": "1"},
	})
	require.NoError(t, err)

	require.NoError(t, f.repo.DestroySession(context.Background(), record.Session.ID, ""))

	got, err := f.state.GetSessionRecord(record.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, got.Session.Status)
	assert.Equal(t, types.ReasonUserRequested, got.Session.StatusInfo)
	assert.Equal(t, types.KernelCancelled, got.Kernels[0].Status)
	assert.Len(t, f.pub.byType(events.EventSessionCancelled), 1)
	// No agent was ever involved.
	assert.Empty(t, f.agents.destroyed)
}

func TestDestroyRunningSessionTearsDownKernels(t *testing.T) {
	f := newSessionRepoFixture(t)
	require.NoError(t, f.state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{
			ID: "s1", ScalingGroup: "default", Status: types.SessionRunning,
			StatusChangedAt: time.Now().Add(-time.Hour),
		},
		Kernels: []types.Kernel{
			{ID: "s1-k1", SessionID: "s1", Role: types.KernelRoleMain,
				AgentID: "agent-1", Status: types.KernelRunning},
			{ID: "s1-k2", SessionID: "s1", Status: types.KernelRunning},
		},
	}))

	require.NoError(t, f.repo.DestroySession(context.Background(), "s1", ""))

	got, err := f.state.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminating, got.Session.Status)
	assert.Equal(t, types.KernelTerminating, got.Kernels[0].Status)

	// Only the kernel bound to an agent gets an RPC.
	assert.Equal(t, []string{"s1-k1"}, f.agents.destroyed)
	assert.Len(t, f.pub.byType(events.EventSessionTerminating), 1)
}

func TestDestroyTerminalSessionIsNoop(t *testing.T) {
	f := newSessionRepoFixture(t)
	require.NoError(t, f.state.PutSession(&types.Session{
		ID: "done", ScalingGroup: "default", Status: types.SessionTerminated,
	}))

	require.NoError(t, f.repo.DestroySession(context.Background(), "done", ""))
	assert.Empty(t, f.pub.events)
}

func TestDestroySurvivesUnreachableAgent(t *testing.T) {
	f := newSessionRepoFixture(t)
	f.agents.failRPC = true
	require.NoError(t, f.state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "s1", ScalingGroup: "default", Status: types.SessionRunning},
		Kernels: []types.Kernel{{ID: "s1-k1", SessionID: "s1", Role: types.KernelRoleMain,
			AgentID: "agent-1", Status: types.KernelRunning}},
	}))

	// The RPC failure is logged, not returned: the terminating stage
	// and health monitor own the follow-up.
	require.NoError(t, f.repo.DestroySession(context.Background(), "s1", ""))

	got, err := f.state.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminating, got.Status)
}

func TestRecordRetryFlagsScheduling(t *testing.T) {
	f := newSessionRepoFixture(t)
	require.NoError(t, f.state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "s1", ScalingGroup: "default", Status: types.SessionPulling},
		Kernels: []types.Kernel{{ID: "s1-k1", SessionID: "s1", Role: types.KernelRoleMain,
			Status: types.KernelPulling}},
	}))

	require.NoError(t, f.repo.RecordRetry(context.Background(), "s1", types.ReasonHealthRetry))

	got, err := f.state.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	needed, _ := f.cache.TakeScheduleNeeded(context.Background(), "default")
	assert.True(t, needed)
	assert.Len(t, f.pub.byType(events.EventSessionRetried), 1)
}

func TestClearErrorsReturnsToPending(t *testing.T) {
	f := newSessionRepoFixture(t)
	require.NoError(t, f.state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "s1", ScalingGroup: "default",
			Status: types.SessionError, StatusInfo: "agent exploded"},
		Kernels: []types.Kernel{{ID: "s1-k1", SessionID: "s1", Role: types.KernelRoleMain,
			Status: types.KernelError}},
	}))

	require.NoError(t, f.repo.ClearErrors(context.Background(), "s1"))

	got, err := f.state.GetSessionRecord("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, got.Session.Status)
	assert.Empty(t, got.Session.StatusInfo)
	assert.Equal(t, types.KernelPending, got.Kernels[0].Status)

	needed, _ := f.cache.TakeScheduleNeeded(context.Background(), "default")
	assert.True(t, needed)
}

func TestInvalidateKernelRelatedCache(t *testing.T) {
	f := newSessionRepoFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.SetGPUAllocMap(ctx, "agent-1", map[string]string{"gpu0": "s1-k1"}))
	require.NoError(t, f.cache.SetGPUAllocMap(ctx, "agent-2", map[string]string{"gpu0": "other"}))

	require.NoError(t, f.state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "s1", ScalingGroup: "default", Status: types.SessionTerminating},
		Kernels: []types.Kernel{{ID: "s1-k1", SessionID: "s1", Role: types.KernelRoleMain,
			AgentID: "agent-1", Status: types.KernelTerminated}},
	}))

	require.NoError(t, f.repo.InvalidateKernelRelatedCache(ctx, "s1"))

	gone, _ := f.cache.GetGPUAllocMap(ctx, "agent-1")
	assert.Nil(t, gone)
	kept, _ := f.cache.GetGPUAllocMap(ctx, "agent-2")
	assert.NotNil(t, kept)
}
