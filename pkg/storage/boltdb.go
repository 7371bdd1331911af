package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSessions      = []byte("sessions")
	bucketKernels       = []byte("kernels")
	bucketAgents        = []byte("agents")
	bucketScalingGroups = []byte("scaling_groups")
	bucketAllocations   = []byte("allocations")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "caravel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSessions,
			bucketKernels,
			bucketAgents,
			bucketScalingGroups,
			bucketAllocations,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Session operations

func (s *BoltStore) PutSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSessions), session.ID, session)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "session not found: %s", id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByStatus(statuses []types.SessionStatus, scalingGroup string) ([]*types.Session, error) {
	wanted := make(map[types.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if !wanted[session.Status] {
				return nil
			}
			if scalingGroup != "" && session.ScalingGroup != scalingGroup {
				return nil
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kernels, err := kernelsBySessionTx(tx, id)
		if err != nil {
			return err
		}
		for _, kernel := range kernels {
			if err := deleteAllocationsTx(tx, kernel.ID); err != nil {
				return err
			}
			if err := tx.Bucket(bucketKernels).Delete([]byte(kernel.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// Kernel operations

func (s *BoltStore) PutKernel(kernel *types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel)
	})
}

func (s *BoltStore) GetKernel(id string) (*types.Kernel, error) {
	var kernel types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKernels).Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "kernel not found: %s", id)
		}
		return json.Unmarshal(data, &kernel)
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

func (s *BoltStore) ListKernels() ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			kernels = append(kernels, &kernel)
			return nil
		})
	})
	return kernels, err
}

func kernelsBySessionTx(tx *bolt.Tx, sessionID string) ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
		var kernel types.Kernel
		if err := json.Unmarshal(v, &kernel); err != nil {
			return err
		}
		if kernel.SessionID == sessionID {
			kernels = append(kernels, &kernel)
		}
		return nil
	})
	return kernels, err
}

func (s *BoltStore) ListKernelsBySession(sessionID string) ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		kernels, err = kernelsBySessionTx(tx, sessionID)
		return err
	})
	return kernels, err
}

func (s *BoltStore) ListKernelsByAgent(agentID string) ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			if kernel.AgentID == agentID {
				kernels = append(kernels, &kernel)
			}
			return nil
		})
	})
	return kernels, err
}

// Agent operations

func (s *BoltStore) PutAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAgents), agent.ID, agent)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "agent not found: %s", id)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) ListAgentsByScalingGroup(group string) ([]*types.Agent, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Agent
	for _, agent := range agents {
		if agent.ScalingGroup == group {
			filtered = append(filtered, agent)
		}
	}
	return filtered, nil
}

// Scaling group operations

func (s *BoltStore) PutScalingGroup(group *types.ScalingGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketScalingGroups), group.Name, group)
	})
}

func (s *BoltStore) GetScalingGroup(name string) (*types.ScalingGroup, error) {
	var group types.ScalingGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketScalingGroups).Get([]byte(name))
		if data == nil {
			return types.NewError(types.KindNotFound, "scaling group not found: %s", name)
		}
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListScalingGroups() ([]*types.ScalingGroup, error) {
	var groups []*types.ScalingGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScalingGroups).ForEach(func(k, v []byte) error {
			var group types.ScalingGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
			return nil
		})
	})
	return groups, err
}

// Allocation operations

func allocationKey(kernelID string, slotName slot.Name) []byte {
	return []byte(kernelID + "/" + string(slotName))
}

func (s *BoltStore) PutAllocation(alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := allocationKey(alloc.KernelID, alloc.SlotName)
		return putJSON(tx.Bucket(bucketAllocations), string(key), alloc)
	})
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocations []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllocations).ForEach(func(k, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocations = append(allocations, &alloc)
			return nil
		})
	})
	return allocations, err
}

func (s *BoltStore) ListAllocationsByKernel(kernelID string) ([]*types.Allocation, error) {
	var allocations []*types.Allocation
	prefix := []byte(kernelID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAllocations).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocations = append(allocations, &alloc)
		}
		return nil
	})
	return allocations, err
}

func deleteAllocationsTx(tx *bolt.Tx, kernelID string) error {
	b := tx.Bucket(bucketAllocations)
	c := b.Cursor()
	prefix := []byte(kernelID + "/")
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Composite atomic operations

func (s *BoltStore) CreateSessionRecord(record *types.SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketSessions), record.Session.ID, &record.Session); err != nil {
			return err
		}
		for i := range record.Kernels {
			kernel := &record.Kernels[i]
			if err := putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel); err != nil {
				return err
			}
		}
		return nil
	})
}

func getSessionTx(tx *bolt.Tx, id string) (*types.Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(id))
	if data == nil {
		return nil, types.NewError(types.KindNotFound, "session not found: %s", id)
	}
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func getAgentTx(tx *bolt.Tx, id string) (*types.Agent, error) {
	data := tx.Bucket(bucketAgents).Get([]byte(id))
	if data == nil {
		return nil, types.NewError(types.KindNotFound, "agent not found: %s", id)
	}
	var agent types.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// stampStatus advances a session's status fields. status_changed_at is
// monotonic: a replayed command with an older timestamp keeps the
// newer stamp.
func stampSession(session *types.Session, next types.SessionStatus, reason string, at time.Time) {
	session.Status = next
	if reason != "" {
		session.StatusInfo = reason
	}
	if at.After(session.StatusChangedAt) {
		session.StatusChangedAt = at
	}
	if next == types.SessionTerminated && session.TerminatedAt == nil {
		t := session.StatusChangedAt
		session.TerminatedAt = &t
	}
}

func (s *BoltStore) UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string, at time.Time) ([]string, error) {
	guard := make(map[types.SessionStatus]bool, len(expected))
	for _, st := range expected {
		guard[st] = true
	}

	var updated []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			session, err := getSessionTx(tx, id)
			if err != nil {
				if types.IsNotFound(err) {
					continue
				}
				return err
			}
			// Status guard: re-delivered transitions are no-ops.
			if len(guard) > 0 && !guard[session.Status] {
				continue
			}
			stampSession(session, next, reason, at)
			if err := putJSON(tx.Bucket(bucketSessions), id, session); err != nil {
				return err
			}
			updated = append(updated, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			data := tx.Bucket(bucketKernels).Get([]byte(id))
			if data == nil {
				continue
			}
			var kernel types.Kernel
			if err := json.Unmarshal(data, &kernel); err != nil {
				return err
			}
			kernel.Status = next
			if reason != "" {
				kernel.StatusInfo = reason
			}
			if at.After(kernel.StatusChangedAt) {
				kernel.StatusChangedAt = at
			}
			if err := putJSON(tx.Bucket(bucketKernels), id, &kernel); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ApplySchedulingDecision(decision *types.SchedulingDecision, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, placement := range decision.Placements {
			session, err := getSessionTx(tx, placement.SessionID)
			if err != nil {
				return err
			}
			if session.Status != types.SessionPending {
				return types.NewError(types.KindPreconditionFailed,
					"session %s is %s, not PENDING", session.ID, session.Status)
			}

			kernels, err := kernelsBySessionTx(tx, session.ID)
			if err != nil {
				return err
			}
			byID := make(map[string]*types.Kernel, len(kernels))
			for _, kernel := range kernels {
				byID[kernel.ID] = kernel
			}

			occupying := slot.Slots{}
			for _, binding := range placement.Bindings {
				kernel, ok := byID[binding.KernelID]
				if !ok {
					return types.NewError(types.KindNotFound,
						"kernel %s does not belong to session %s", binding.KernelID, session.ID)
				}

				agent, err := getAgentTx(tx, binding.AgentID)
				if err != nil {
					return err
				}

				// Capacity guard: used + requested must not exceed
				// capacity on any slot.
				next := agent.OccupiedSlots.Add(kernel.RequestedSlots)
				if !next.LE(agent.AvailableSlots) {
					return types.NewError(types.KindResourceExhausted,
						"agent %s cannot hold %s (occupied %s of %s)",
						agent.ID, kernel.RequestedSlots, agent.OccupiedSlots, agent.AvailableSlots)
				}
				agent.OccupiedSlots = next
				if err := putJSON(tx.Bucket(bucketAgents), agent.ID, agent); err != nil {
					return err
				}

				kernel.AgentID = binding.AgentID
				kernel.AgentAddr = binding.AgentAddr
				kernel.OccupiedSlots = kernel.RequestedSlots.Clone()
				kernel.Status = types.KernelScheduled
				kernel.StatusChangedAt = at
				if err := putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel); err != nil {
					return err
				}

				for name, q := range kernel.RequestedSlots {
					alloc := &types.Allocation{
						KernelID:  kernel.ID,
						SlotName:  name,
						Requested: q.String(),
						Used:      q.String(),
					}
					if err := putJSON(tx.Bucket(bucketAllocations), string(allocationKey(kernel.ID, name)), alloc); err != nil {
						return err
					}
				}

				occupying = occupying.Add(kernel.RequestedSlots)
			}

			session.OccupyingSlots = occupying
			stampSession(session, types.SessionScheduled, placement.Reason, at)
			if err := putJSON(tx.Bucket(bucketSessions), session.ID, session); err != nil {
				return err
			}
		}
		return nil
	})
}

// freeKernelResourcesTx returns a kernel's occupied slots to its agent
// and drops its allocation rows. A missing agent is tolerated: a LOST
// agent may be purged before its kernels are released.
func freeKernelResourcesTx(tx *bolt.Tx, kernel *types.Kernel) error {
	if kernel.AgentID != "" && !kernel.OccupiedSlots.IsZero() {
		agent, err := getAgentTx(tx, kernel.AgentID)
		if err == nil {
			agent.OccupiedSlots = agent.OccupiedSlots.Sub(kernel.OccupiedSlots)
			if err := putJSON(tx.Bucket(bucketAgents), agent.ID, agent); err != nil {
				return err
			}
		} else if !types.IsNotFound(err) {
			return err
		}
	}
	if err := deleteAllocationsTx(tx, kernel.ID); err != nil {
		return err
	}
	kernel.OccupiedSlots = slot.Slots{}
	return nil
}

func (s *BoltStore) ReleaseSessionResources(sessionID string, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		session, err := getSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != types.SessionTerminating {
			return types.NewError(types.KindPreconditionFailed,
				"session %s is %s, not TERMINATING", session.ID, session.Status)
		}

		kernels, err := kernelsBySessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		for _, kernel := range kernels {
			if err := freeKernelResourcesTx(tx, kernel); err != nil {
				return err
			}
			kernel.Status = types.KernelTerminated
			if at.After(kernel.StatusChangedAt) {
				kernel.StatusChangedAt = at
			}
			if err := putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel); err != nil {
				return err
			}
		}

		// Slots are released before the session turns TERMINATED.
		session.OccupyingSlots = slot.Slots{}
		stampSession(session, types.SessionTerminated, reason, at)
		return putJSON(tx.Bucket(bucketSessions), session.ID, session)
	})
}

func (s *BoltStore) RecordSessionRetry(sessionID string, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		session, err := getSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case types.SessionScheduled, types.SessionPreparing, types.SessionPulling,
			types.SessionPrepared, types.SessionCreating:
		default:
			return types.NewError(types.KindPreconditionFailed,
				"session %s is %s and cannot be retried", session.ID, session.Status)
		}

		kernels, err := kernelsBySessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if err := detachKernelsTx(tx, kernels, reason, at); err != nil {
			return err
		}

		session.OccupyingSlots = slot.Slots{}
		session.RetryCount++
		t := at
		session.LastRetriedAt = &t
		stampSession(session, types.SessionPending, reason, at)
		return putJSON(tx.Bucket(bucketSessions), session.ID, session)
	})
}

// detachKernelsTx frees each kernel's resources and returns it to
// PENDING with no agent binding
func detachKernelsTx(tx *bolt.Tx, kernels []*types.Kernel, reason string, at time.Time) error {
	for _, kernel := range kernels {
		if err := freeKernelResourcesTx(tx, kernel); err != nil {
			return err
		}
		kernel.AgentID = ""
		kernel.AgentAddr = ""
		kernel.Status = types.KernelPending
		kernel.StatusInfo = reason
		if at.After(kernel.StatusChangedAt) {
			kernel.StatusChangedAt = at
		}
		if err := putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ForceUpdateLifecycle(sessionID string, next types.SessionStatus, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		session, err := getSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		kernels, err := kernelsBySessionTx(tx, sessionID)
		if err != nil {
			return err
		}

		// No status guard: this is the operator override for sessions
		// wedged by bugs or lost agents. Kernel statuses mirror the
		// session's.
		for _, kernel := range kernels {
			if next.IsTerminal() {
				if err := freeKernelResourcesTx(tx, kernel); err != nil {
					return err
				}
			}
			kernel.Status = types.KernelStatus(next)
			if reason != "" {
				kernel.StatusInfo = reason
			}
			if at.After(kernel.StatusChangedAt) {
				kernel.StatusChangedAt = at
			}
			if err := putJSON(tx.Bucket(bucketKernels), kernel.ID, kernel); err != nil {
				return err
			}
		}

		if next.IsTerminal() {
			session.OccupyingSlots = slot.Slots{}
		}
		stampSession(session, next, reason, at)
		return putJSON(tx.Bucket(bucketSessions), session.ID, session)
	})
}

func (s *BoltStore) ClearSessionError(sessionID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		session, err := getSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != types.SessionError {
			return types.NewError(types.KindPreconditionFailed,
				"session %s is %s, not ERROR", session.ID, session.Status)
		}

		kernels, err := kernelsBySessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if err := detachKernelsTx(tx, kernels, "", at); err != nil {
			return err
		}

		session.OccupyingSlots = slot.Slots{}
		session.StatusInfo = ""
		stampSession(session, types.SessionPending, "", at)
		return putJSON(tx.Bucket(bucketSessions), session.ID, session)
	})
}
