package storage

import (
	"time"

	"github.com/caravelhq/caravel/pkg/types"
)

// Store defines the interface for control-plane state storage.
// Composite operations are atomic: they either apply every row change
// or none.
type Store interface {
	// Sessions
	PutSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListSessionsByStatus(statuses []types.SessionStatus, scalingGroup string) ([]*types.Session, error)
	DeleteSession(id string) error

	// Kernels
	PutKernel(kernel *types.Kernel) error
	GetKernel(id string) (*types.Kernel, error)
	ListKernels() ([]*types.Kernel, error)
	ListKernelsBySession(sessionID string) ([]*types.Kernel, error)
	ListKernelsByAgent(agentID string) ([]*types.Kernel, error)

	// Agents
	PutAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	ListAgentsByScalingGroup(group string) ([]*types.Agent, error)

	// Scaling groups
	PutScalingGroup(group *types.ScalingGroup) error
	GetScalingGroup(name string) (*types.ScalingGroup, error)
	ListScalingGroups() ([]*types.ScalingGroup, error)

	// Allocations
	PutAllocation(alloc *types.Allocation) error
	ListAllocations() ([]*types.Allocation, error)
	ListAllocationsByKernel(kernelID string) ([]*types.Allocation, error)

	// CreateSessionRecord persists a session and its kernels together
	CreateSessionRecord(record *types.SessionRecord) error

	// UpdateSessionsStatus moves every listed session whose current
	// status is in expected to next, stamping reason and at. Sessions
	// failing the guard are skipped; the ids actually updated are
	// returned.
	UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string, at time.Time) ([]string, error)

	// UpdateKernelsStatus moves the listed kernels to next
	UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string, at time.Time) error

	// ApplySchedulingDecision commits a decision all-or-nothing:
	// sessions to SCHEDULED, kernel bindings, agent slot increments,
	// allocation rows. Any guard or capacity violation aborts the
	// whole decision.
	ApplySchedulingDecision(decision *types.SchedulingDecision, at time.Time) error

	// ReleaseSessionResources returns a TERMINATING session's slots to
	// its agents, deletes allocation rows, and marks the session and
	// its kernels TERMINATED
	ReleaseSessionResources(sessionID string, reason string, at time.Time) error

	// RecordSessionRetry increments the retry counter and returns the
	// session to PENDING with detached kernels
	RecordSessionRetry(sessionID string, reason string, at time.Time) error

	// ForceUpdateLifecycle writes a session's status directly,
	// bypassing the status guard. A terminal target also releases the
	// session's slots.
	ForceUpdateLifecycle(sessionID string, next types.SessionStatus, reason string, at time.Time) error

	// ClearSessionError returns an ERROR session to PENDING with
	// detached kernels, without counting a retry
	ClearSessionError(sessionID string, at time.Time) error

	Close() error
}
