package types

import (
	"time"

	"github.com/caravelhq/caravel/pkg/slot"
)

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPreparing   SessionStatus = "PREPARING"
	SessionPulling     SessionStatus = "PULLING"
	SessionPrepared    SessionStatus = "PREPARED"
	SessionCreating    SessionStatus = "CREATING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionTerminating SessionStatus = "TERMINATING"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionCancelled   SessionStatus = "CANCELLED"
	SessionError       SessionStatus = "ERROR"
)

// IsTerminal reports whether the status is a sink state
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionTerminated, SessionCancelled, SessionError:
		return true
	}
	return false
}

// KernelStatus mirrors SessionStatus at container granularity
type KernelStatus string

const (
	KernelPending     KernelStatus = "PENDING"
	KernelScheduled   KernelStatus = "SCHEDULED"
	KernelPreparing   KernelStatus = "PREPARING"
	KernelPulling     KernelStatus = "PULLING"
	KernelPrepared    KernelStatus = "PREPARED"
	KernelCreating    KernelStatus = "CREATING"
	KernelRunning     KernelStatus = "RUNNING"
	KernelTerminating KernelStatus = "TERMINATING"
	KernelTerminated  KernelStatus = "TERMINATED"
	KernelCancelled   KernelStatus = "CANCELLED"
	KernelError       KernelStatus = "ERROR"
)

// IsTerminal reports whether the kernel status is a sink state
func (s KernelStatus) IsTerminal() bool {
	switch s {
	case KernelTerminated, KernelCancelled, KernelError:
		return true
	}
	return false
}

// SessionType defines what kind of workload a session runs
type SessionType string

const (
	SessionTypeInteractive SessionType = "INTERACTIVE"
	SessionTypeBatch       SessionType = "BATCH"
	SessionTypeInference   SessionType = "INFERENCE"
)

// ClusterMode defines how a session's kernels are spread across agents
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "SINGLE_NODE"
	ClusterModeMultiNode  ClusterMode = "MULTI_NODE"
)

// KernelRole marks the main kernel of a session. Every session has
// exactly one main kernel.
type KernelRole string

const (
	KernelRoleMain KernelRole = "main"
	KernelRoleSub  KernelRole = "sub"
)

// AgentStatus represents the current state of a compute agent
type AgentStatus string

const (
	AgentAlive      AgentStatus = "ALIVE"
	AgentLost       AgentStatus = "LOST"
	AgentTerminated AgentStatus = "TERMINATED"
)

// SchedulingPolicy selects the ordering of pending sessions within a
// scaling group
type SchedulingPolicy string

const (
	PolicyFIFO SchedulingPolicy = "fifo"
	PolicyLIFO SchedulingPolicy = "lifo"
	PolicyDRF  SchedulingPolicy = "drf"
)

// Status-info reason strings attached to transitions
const (
	ReasonAbnormalTermination = "ABNORMAL_TERMINATION"
	ReasonHealthRetry         = "health-retry"
	ReasonNoAvailableAgent    = "no-available-agent"
	ReasonUserRequested       = "user-requested"
	ReasonForceTerminated     = "force-terminated"
)

// Session is the user-visible unit of work: one or more kernels that
// share an identity and lifecycle
type Session struct {
	ID           string
	CreationID   string
	Name         string
	AccessKey    string
	Owner        string
	Project      string
	Domain       string
	ScalingGroup string
	SessionType  SessionType
	ClusterMode  ClusterMode
	ClusterSize  int

	Status          SessionStatus
	StatusInfo      string
	StatusChangedAt time.Time

	RequestedSlots slot.Slots
	OccupyingSlots slot.Slots

	CallbackURL  string
	BatchTimeout time.Duration // zero = no timeout
	StartsAt     *time.Time

	RetryCount    int
	LastRetriedAt *time.Time

	CreatedAt    time.Time
	TerminatedAt *time.Time
}

// Kernel is a single container instance belonging to a session
type Kernel struct {
	ID        string
	SessionID string
	AgentID   string // empty until scheduled
	AgentAddr string

	ImageRef     string
	Architecture string
	Role         KernelRole

	Status          KernelStatus
	StatusInfo      string
	StatusChangedAt time.Time

	RequestedSlots slot.Slots
	OccupiedSlots  slot.Slots

	ContainerID string
	CreatedAt   time.Time
}

// Agent is a compute node that runs kernels. Agent records are written
// by the heartbeat intake; the scheduling core reads them and adjusts
// slot occupancy as kernels are bound or released.
type Agent struct {
	ID           string
	Status       AgentStatus
	ScalingGroup string
	Region       string
	Architecture string
	PublicHost   string
	Addr         string

	AvailableSlots slot.Slots
	OccupiedSlots  slot.Slots

	ComputePlugins []string
	Version        string

	FirstContact time.Time
	LastSeen     time.Time
	LostAt       *time.Time
	Schedulable  bool
}

// ScalingGroup is a named pool of agents with a scheduling policy
type ScalingGroup struct {
	Name      string
	Policy    SchedulingPolicy
	IsActive  bool
	CreatedAt time.Time
}

// Allocation records one (kernel, slot) reservation on an agent.
// Quantities are stored as canonical strings to survive JSON
// round-trips without precision loss.
type Allocation struct {
	KernelID  string
	SlotName  slot.Name
	Requested string
	Used      string
	UsedAt    *time.Time
}

// SessionRecord is the compact value batch handlers operate on: a
// session plus all of its kernels, no live object graph
type SessionRecord struct {
	Session Session
	Kernels []Kernel
}

// MainKernel returns the kernel with role "main", or nil
func (r *SessionRecord) MainKernel() *Kernel {
	for i := range r.Kernels {
		if r.Kernels[i].Role == KernelRoleMain {
			return &r.Kernels[i]
		}
	}
	return nil
}

// KernelBinding assigns one kernel to one agent as part of a
// scheduling decision
type KernelBinding struct {
	KernelID  string
	AgentID   string
	AgentAddr string
}

// SessionPlacement is the per-session part of a scheduling decision
type SessionPlacement struct {
	SessionID string
	Reason    string
	Bindings  []KernelBinding
}

// SchedulingDecision is an atomic package: session statuses to
// SCHEDULED, kernel agent bindings, agent slot increments, and
// allocation rows, committed in a single transaction
type SchedulingDecision struct {
	ScalingGroup string
	Placements   []SessionPlacement
}

// InstalledImage describes one image present on an agent, as reported
// by heartbeats
type InstalledImage struct {
	Canonical    string `json:"canonical"`
	Digest       string `json:"digest"`
	Architecture string `json:"architecture"`
}
