package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

func seedGroup(t *testing.T, state *fakeState, name string, policy types.SchedulingPolicy) {
	t.Helper()
	require.NoError(t, state.PutScalingGroup(&types.ScalingGroup{
		Name: name, Policy: policy, IsActive: true, CreatedAt: time.Now(),
	}))
}

func seedPending(t *testing.T, state *fakeState, id, group string, changedAt time.Time, cpu string) {
	t.Helper()
	require.NoError(t, state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{
			ID:              id,
			ScalingGroup:    group,
			Status:          types.SessionPending,
			StatusChangedAt: changedAt,
			RequestedSlots:  slot.Slots{"cpu": slot.MustParse(cpu)},
		},
		Kernels: []types.Kernel{{
			ID: id + "-k1", SessionID: id, Role: types.KernelRoleMain,
			Status:         types.KernelPending,
			RequestedSlots: slot.Slots{"cpu": slot.MustParse(cpu)},
		}},
	}))
}

func ids(records []*types.SessionRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Session.ID)
	}
	return out
}

func TestGetSessionsForTransitionKernelGate(t *testing.T) {
	state := newFakeState(t)
	repo := NewSchedulerRepository(state, newFakeCache())

	require.NoError(t, state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "ready", ScalingGroup: "default", Status: types.SessionPulling},
		Kernels: []types.Kernel{
			{ID: "r-k1", SessionID: "ready", Role: types.KernelRoleMain, Status: types.KernelPrepared},
			{ID: "r-k2", SessionID: "ready", Status: types.KernelRunning},
		},
	}))
	require.NoError(t, state.CreateSessionRecord(&types.SessionRecord{
		Session: types.Session{ID: "partial", ScalingGroup: "default", Status: types.SessionPulling},
		Kernels: []types.Kernel{
			{ID: "p-k1", SessionID: "partial", Role: types.KernelRoleMain, Status: types.KernelPulling},
		},
	}))
	// No kernels at all: must not pass a kernel-gated query.
	require.NoError(t, state.PutSession(&types.Session{
		ID: "bare", ScalingGroup: "default", Status: types.SessionPulling,
	}))

	records, err := repo.GetSessionsForTransition(context.Background(),
		[]types.SessionStatus{types.SessionPreparing, types.SessionPulling},
		[]types.KernelStatus{types.KernelPrepared, types.KernelRunning},
		"default")
	require.NoError(t, err)
	assert.Equal(t, []string{"ready"}, ids(records))

	// Without a kernel filter everything in status matches.
	records, err = repo.GetSessionsForTransition(context.Background(),
		[]types.SessionStatus{types.SessionPulling}, nil, "default")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestGetPendingSessionsFIFOOrder(t *testing.T) {
	state := newFakeState(t)
	repo := NewSchedulerRepository(state, newFakeCache())
	seedGroup(t, state, "default", types.PolicyFIFO)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedPending(t, state, "b", "default", base.Add(time.Minute), "1")
	seedPending(t, state, "a", "default", base, "1")
	// Same timestamp as "a": session id breaks the tie.
	seedPending(t, state, "c", "default", base, "1")

	records, err := repo.GetPendingSessions(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids(records))
}

func TestGetPendingSessionsLIFOOrder(t *testing.T) {
	state := newFakeState(t)
	repo := NewSchedulerRepository(state, newFakeCache())
	seedGroup(t, state, "default", types.PolicyLIFO)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedPending(t, state, "old", "default", base, "1")
	seedPending(t, state, "new", "default", base.Add(time.Hour), "1")

	records, err := repo.GetPendingSessions(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(records))
}

func TestGetPendingSessionsDRFOrder(t *testing.T) {
	state := newFakeState(t)
	repo := NewSchedulerRepository(state, newFakeCache())
	seedGroup(t, state, "default", types.PolicyDRF)
	require.NoError(t, state.PutAgent(&types.Agent{
		ID: "agent-1", Status: types.AgentAlive, ScalingGroup: "default",
		AvailableSlots: slot.Slots{"cpu": slot.MustParse("16")},
		Schedulable:    true,
	}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Bigger dominant share goes last regardless of age.
	seedPending(t, state, "big", "default", base, "8")
	seedPending(t, state, "small", "default", base.Add(time.Hour), "1")

	records, err := repo.GetPendingSessions(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "big"}, ids(records))
}

func TestSchedulableAgentsFiltersLostAndCordoned(t *testing.T) {
	state := newFakeState(t)
	repo := NewSchedulerRepository(state, newFakeCache())

	require.NoError(t, state.PutAgent(&types.Agent{
		ID: "alive", Status: types.AgentAlive, ScalingGroup: "default", Schedulable: true,
	}))
	require.NoError(t, state.PutAgent(&types.Agent{
		ID: "lost", Status: types.AgentLost, ScalingGroup: "default", Schedulable: true,
	}))
	require.NoError(t, state.PutAgent(&types.Agent{
		ID: "cordoned", Status: types.AgentAlive, ScalingGroup: "default", Schedulable: false,
	}))

	agents, err := repo.SchedulableAgents(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "alive", agents[0].ID)
}

func TestAgentsWithImagePrefersHolders(t *testing.T) {
	state := newFakeState(t)
	fc := newFakeCache()
	repo := NewSchedulerRepository(state, fc)

	candidates := []*types.Agent{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}}
	fc.imageAgents["python:3.12"] = []string{"a2"}

	narrowed := repo.AgentsWithImage(context.Background(), candidates, "python:3.12")
	require.Len(t, narrowed, 1)
	assert.Equal(t, "a2", narrowed[0].ID)

	// Unknown image: cold cache must not starve scheduling.
	narrowed = repo.AgentsWithImage(context.Background(), candidates, "unknown:latest")
	assert.Len(t, narrowed, 3)
}
