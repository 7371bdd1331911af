package health

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/types"
)

// fakeSource serves records filtered by session status
type fakeSource struct {
	records []*types.SessionRecord
	err     error
}

func (f *fakeSource) GetSessionsForTransition(ctx context.Context, targetStatuses []types.SessionStatus, targetKernelStatuses []types.KernelStatus, scalingGroup string) ([]*types.SessionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return lo.Filter(f.records, func(r *types.SessionRecord, _ int) bool {
		return lo.Contains(targetStatuses, r.Session.Status)
	}), nil
}

// fakeRetry records retry requests
type fakeRetry struct {
	mu      sync.Mutex
	retried []string
	reasons map[string]string
	err     error
}

func newFakeRetry() *fakeRetry {
	return &fakeRetry{reasons: make(map[string]string)}
}

func (f *fakeRetry) RecordRetry(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.retried = append(f.retried, sessionID)
	f.reasons[sessionID] = reason
	return nil
}

type fakeLeader struct {
	leader bool
}

func (f *fakeLeader) IsLeader() bool { return f.leader }

// fakeAgents scripts the check RPCs; calls are counted to verify
// batching behaviour
type fakeAgents struct {
	mu             sync.Mutex
	pullingActive  map[string]bool // by image ref
	creatingActive map[string]bool // by kernel id
	checkErr       error
	pullCalls      int
	createCalls    int
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		pullingActive:  make(map[string]bool),
		creatingActive: make(map[string]bool),
	}
}

func (f *fakeAgents) CheckPulling(ctx context.Context, agentID, imageRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.pullingActive[imageRef], nil
}

func (f *fakeAgents) CheckCreating(ctx context.Context, agentID, kernelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.creatingActive[kernelID], nil
}

func (f *fakeAgents) CreateKernel(ctx context.Context, agentID string, kernel *types.Kernel) error {
	return nil
}

func (f *fakeAgents) DestroyKernel(ctx context.Context, agentID, kernelID, reason string) error {
	return nil
}

func (f *fakeAgents) PurgeImages(ctx context.Context, agentID string, imageRefs []string) error {
	return nil
}

// fakeAgentState is an in-memory AgentState
type fakeAgentState struct {
	mu     sync.Mutex
	agents map[string]*types.Agent
	puts   int
}

func newFakeAgentState() *fakeAgentState {
	return &fakeAgentState{agents: make(map[string]*types.Agent)}
}

func (f *fakeAgentState) GetAgent(id string) (*types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "agent not found: %s", id)
	}
	copied := *agent
	return &copied, nil
}

func (f *fakeAgentState) ListAgents() ([]*types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Agent
	for _, agent := range f.agents {
		copied := *agent
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeAgentState) PutAgent(agent *types.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *agent
	f.agents[agent.ID] = &copied
	f.puts++
	return nil
}

// fakeSessionState is an in-memory SessionState
type fakeSessionState struct {
	mu      sync.Mutex
	records map[string]*types.SessionRecord
}

func newFakeSessionState() *fakeSessionState {
	return &fakeSessionState{records: make(map[string]*types.SessionRecord)}
}

func (f *fakeSessionState) put(record *types.SessionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.Session.ID] = record
}

func (f *fakeSessionState) GetSessionRecord(id string) (*types.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "session not found: %s", id)
	}
	copied := *record
	copied.Kernels = append([]types.Kernel(nil), record.Kernels...)
	return &copied, nil
}

func (f *fakeSessionState) UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		for i := range record.Kernels {
			if lo.Contains(ids, record.Kernels[i].ID) {
				record.Kernels[i].Status = next
				record.Kernels[i].StatusInfo = reason
			}
		}
	}
	return nil
}

func (f *fakeSessionState) UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var updated []string
	for _, id := range ids {
		record, ok := f.records[id]
		if !ok || !lo.Contains(expected, record.Session.Status) {
			continue
		}
		record.Session.Status = next
		record.Session.StatusInfo = reason
		updated = append(updated, id)
	}
	return updated, nil
}

// fakeLiveness is an in-memory LivenessCache
type fakeLiveness struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	images   map[string][]types.InstalledImage
	gpu      map[string]map[string]string
	removed  []string
}

func newFakeLiveness() *fakeLiveness {
	return &fakeLiveness{
		lastSeen: make(map[string]time.Time),
		images:   make(map[string][]types.InstalledImage),
		gpu:      make(map[string]map[string]string),
	}
}

func (f *fakeLiveness) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[agentID] = at
	return nil
}

func (f *fakeLiveness) AgentLastSeen(ctx context.Context, agentID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.lastSeen[agentID]
	return at, ok
}

func (f *fakeLiveness) SetInstalledImages(ctx context.Context, agentID string, images []types.InstalledImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[agentID] = images
	return nil
}

func (f *fakeLiveness) RemoveAgentImages(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, agentID)
	f.removed = append(f.removed, agentID)
	return nil
}

func (f *fakeLiveness) SetGPUAllocMap(ctx context.Context, agentID string, allocMap map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpu[agentID] = allocMap
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
