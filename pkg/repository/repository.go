package repository

import (
	"context"

	"github.com/caravelhq/caravel/pkg/types"
)

// State is the replicated control-plane state the repositories build
// on. *manager.Manager implements it; tests substitute a local fake.
type State interface {
	GetSession(id string) (*types.Session, error)
	GetSessionRecord(id string) (*types.SessionRecord, error)
	ListSessionsByStatus(statuses []types.SessionStatus, scalingGroup string) ([]*types.Session, error)
	ListKernelsBySession(sessionID string) ([]*types.Kernel, error)
	GetAgent(id string) (*types.Agent, error)
	ListAgentsByScalingGroup(group string) ([]*types.Agent, error)
	GetScalingGroup(name string) (*types.ScalingGroup, error)
	ListScalingGroups() ([]*types.ScalingGroup, error)

	CreateSessionRecord(record *types.SessionRecord) error
	UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error)
	UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string) error
	ApplySchedulingDecision(decision *types.SchedulingDecision) error
	ReleaseSessionResources(sessionID, reason string) error
	RecordSessionRetry(sessionID, reason string) error
	ForceUpdateLifecycle(sessionID string, next types.SessionStatus, reason string) error
	ClearErrors(sessionID string) error
}

// SchedulingCache is the slice of the cache layer the repositories
// touch: schedule-needed flags, the image index, and GPU allocation
// maps
type SchedulingCache interface {
	MarkScheduleNeeded(ctx context.Context, scalingGroup string) error
	TakeScheduleNeeded(ctx context.Context, scalingGroup string) (bool, error)
	AgentsForImage(ctx context.Context, imageRef string) ([]string, error)
	SetGPUAllocMap(ctx context.Context, agentID string, allocMap map[string]string) error
	GetGPUAllocMap(ctx context.Context, agentID string) (map[string]string, error)
	DeleteGPUAllocMap(ctx context.Context, agentID string) error
}
