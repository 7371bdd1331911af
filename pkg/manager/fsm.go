package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

// CoreFSM implements the Raft finite state machine for the control
// plane. Every committed log entry is a Command applied to the local
// BoltDB store; composite operations run as one store transaction, so
// a replayed log produces the same state on every node.
type CoreFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewCoreFSM creates a new FSM backed by store
func NewCoreFSM(store storage.Store) *CoreFSM {
	return &CoreFSM{store: store}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command payloads. Timestamps are stamped by the leader before the
// command enters the log, so replay is deterministic.

type updateSessionsStatusCmd struct {
	IDs      []string              `json:"ids"`
	Expected []types.SessionStatus `json:"expected"`
	Next     types.SessionStatus   `json:"next"`
	Reason   string                `json:"reason"`
	At       time.Time             `json:"at"`
}

type updateKernelsStatusCmd struct {
	IDs    []string           `json:"ids"`
	Next   types.KernelStatus `json:"next"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

type applyDecisionCmd struct {
	Decision types.SchedulingDecision `json:"decision"`
	At       time.Time                `json:"at"`
}

type sessionReasonCmd struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type forceLifecycleCmd struct {
	SessionID string              `json:"session_id"`
	Next      types.SessionStatus `json:"next"`
	Reason    string              `json:"reason"`
	At        time.Time           `json:"at"`
}

// updatedResult carries the ids a guarded status update actually moved
type updatedResult struct {
	IDs []string
}

// Apply applies a committed Raft log entry to the FSM
func (f *CoreFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create_session_record":
		var record types.SessionRecord
		if err := json.Unmarshal(cmd.Data, &record); err != nil {
			return err
		}
		return f.store.CreateSessionRecord(&record)

	case "delete_session":
		var sessionID string
		if err := json.Unmarshal(cmd.Data, &sessionID); err != nil {
			return err
		}
		return f.store.DeleteSession(sessionID)

	case "put_agent":
		var agent types.Agent
		if err := json.Unmarshal(cmd.Data, &agent); err != nil {
			return err
		}
		return f.store.PutAgent(&agent)

	case "put_scaling_group":
		var group types.ScalingGroup
		if err := json.Unmarshal(cmd.Data, &group); err != nil {
			return err
		}
		return f.store.PutScalingGroup(&group)

	case "update_sessions_status":
		var c updateSessionsStatusCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		updated, err := f.store.UpdateSessionsStatus(c.IDs, c.Expected, c.Next, c.Reason, c.At)
		if err != nil {
			return err
		}
		return updatedResult{IDs: updated}

	case "update_kernels_status":
		var c updateKernelsStatusCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.UpdateKernelsStatus(c.IDs, c.Next, c.Reason, c.At)

	case "apply_scheduling_decision":
		var c applyDecisionCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.ApplySchedulingDecision(&c.Decision, c.At)

	case "release_session_resources":
		var c sessionReasonCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.ReleaseSessionResources(c.SessionID, c.Reason, c.At)

	case "record_retry":
		var c sessionReasonCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.RecordSessionRetry(c.SessionID, c.Reason, c.At)

	case "force_update_lifecycle":
		var c forceLifecycleCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.ForceUpdateLifecycle(c.SessionID, c.Next, c.Reason, c.At)

	case "clear_errors":
		var c sessionReasonCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.ClearSessionError(c.SessionID, c.At)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *CoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sessions, err := f.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	kernels, err := f.store.ListKernels()
	if err != nil {
		return nil, fmt.Errorf("failed to list kernels: %w", err)
	}
	agents, err := f.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	groups, err := f.store.ListScalingGroups()
	if err != nil {
		return nil, fmt.Errorf("failed to list scaling groups: %w", err)
	}
	allocations, err := f.store.ListAllocations()
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}

	return &coreSnapshot{
		Sessions:      sessions,
		Kernels:       kernels,
		Agents:        agents,
		ScalingGroups: groups,
		Allocations:   allocations,
	}, nil
}

// Restore replaces the FSM state from a snapshot
func (f *CoreFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot coreSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, session := range snapshot.Sessions {
		if err := f.store.PutSession(session); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
	}
	for _, kernel := range snapshot.Kernels {
		if err := f.store.PutKernel(kernel); err != nil {
			return fmt.Errorf("failed to restore kernel: %w", err)
		}
	}
	for _, agent := range snapshot.Agents {
		if err := f.store.PutAgent(agent); err != nil {
			return fmt.Errorf("failed to restore agent: %w", err)
		}
	}
	for _, group := range snapshot.ScalingGroups {
		if err := f.store.PutScalingGroup(group); err != nil {
			return fmt.Errorf("failed to restore scaling group: %w", err)
		}
	}
	for _, alloc := range snapshot.Allocations {
		if err := f.store.PutAllocation(alloc); err != nil {
			return fmt.Errorf("failed to restore allocation: %w", err)
		}
	}

	return nil
}

// coreSnapshot represents a point-in-time snapshot of control-plane
// state
type coreSnapshot struct {
	Sessions      []*types.Session
	Kernels       []*types.Kernel
	Agents        []*types.Agent
	ScalingGroups []*types.ScalingGroup
	Allocations   []*types.Allocation
}

// Persist writes the snapshot to the given SnapshotSink
func (s *coreSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *coreSnapshot) Release() {}
