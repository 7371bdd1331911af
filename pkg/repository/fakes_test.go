package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

// fakeState adapts a local BoltStore to the State interface by
// stamping timestamps the way the manager's leader does
type fakeState struct {
	*storage.BoltStore
}

func newFakeState(t *testing.T) *fakeState {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fakeState{BoltStore: store}
}

func (f *fakeState) GetSessionRecord(id string) (*types.SessionRecord, error) {
	session, err := f.GetSession(id)
	if err != nil {
		return nil, err
	}
	kernels, err := f.BoltStore.ListKernelsBySession(id)
	if err != nil {
		return nil, err
	}
	record := &types.SessionRecord{Session: *session}
	for _, kernel := range kernels {
		record.Kernels = append(record.Kernels, *kernel)
	}
	return record, nil
}

func (f *fakeState) UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error) {
	return f.BoltStore.UpdateSessionsStatus(ids, expected, next, reason, time.Now())
}

func (f *fakeState) UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string) error {
	return f.BoltStore.UpdateKernelsStatus(ids, next, reason, time.Now())
}

func (f *fakeState) ApplySchedulingDecision(decision *types.SchedulingDecision) error {
	return f.BoltStore.ApplySchedulingDecision(decision, time.Now())
}

func (f *fakeState) ReleaseSessionResources(sessionID, reason string) error {
	return f.BoltStore.ReleaseSessionResources(sessionID, reason, time.Now())
}

func (f *fakeState) RecordSessionRetry(sessionID, reason string) error {
	return f.BoltStore.RecordSessionRetry(sessionID, reason, time.Now())
}

func (f *fakeState) ForceUpdateLifecycle(sessionID string, next types.SessionStatus, reason string) error {
	return f.BoltStore.ForceUpdateLifecycle(sessionID, next, reason, time.Now())
}

func (f *fakeState) ClearErrors(sessionID string) error {
	return f.BoltStore.ClearSessionError(sessionID, time.Now())
}

// fakeCache is an in-memory SchedulingCache
type fakeCache struct {
	mu          sync.Mutex
	needed      map[string]bool
	imageAgents map[string][]string
	gpu         map[string]map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		needed:      make(map[string]bool),
		imageAgents: make(map[string][]string),
		gpu:         make(map[string]map[string]string),
	}
}

func (c *fakeCache) MarkScheduleNeeded(ctx context.Context, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needed[group] = true
	return nil
}

func (c *fakeCache) TakeScheduleNeeded(ctx context.Context, group string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.needed[group]
	delete(c.needed, group)
	return was, nil
}

func (c *fakeCache) AgentsForImage(ctx context.Context, imageRef string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imageAgents[imageRef], nil
}

func (c *fakeCache) SetGPUAllocMap(ctx context.Context, agentID string, m map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gpu[agentID] = m
	return nil
}

func (c *fakeCache) GetGPUAllocMap(ctx context.Context, agentID string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpu[agentID], nil
}

func (c *fakeCache) DeleteGPUAllocMap(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gpu, agentID)
	return nil
}

// fakeAgentClient records teardown calls
type fakeAgentClient struct {
	mu        sync.Mutex
	destroyed []string
	failRPC   bool
}

func (c *fakeAgentClient) CheckPulling(ctx context.Context, agentID, imageRef string) (bool, error) {
	return false, nil
}

func (c *fakeAgentClient) CheckCreating(ctx context.Context, agentID, kernelID string) (bool, error) {
	return false, nil
}

func (c *fakeAgentClient) CreateKernel(ctx context.Context, agentID string, kernel *types.Kernel) error {
	return nil
}

func (c *fakeAgentClient) DestroyKernel(ctx context.Context, agentID, kernelID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRPC {
		return types.NewError(types.KindTransient, "agent unreachable")
	}
	c.destroyed = append(c.destroyed, kernelID)
	return nil
}

func (c *fakeAgentClient) PurgeImages(ctx context.Context, agentID string, imageRefs []string) error {
	return nil
}

// fakePublisher collects published events
type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *fakePublisher) Publish(event *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) byType(typ events.EventType) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
