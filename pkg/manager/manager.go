package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

// Manager owns the replicated control-plane state: a Raft node whose
// FSM applies commands to the local BoltDB store. Writes go through
// Raft; reads come from the local store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *CoreFSM
	store  storage.Store
	logger zerolog.Logger

	now func() time.Time
}

// NewManager creates a new Manager instance
func NewManager(cfg *config.RaftConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewCoreFSM(store),
		store:    store,
		logger:   log.WithComponent("manager"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// setupRaft builds the Raft node: TCP transport, file snapshot store,
// and BoltDB-backed log and stable stores.
func (m *Manager) setupRaft() (*raft.Raft, raft.ServerAddress, error) {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(m.nodeID)

	// Control planes run on LAN; the WAN-conservative defaults make
	// failover needlessly slow.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create raft: %w", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	r, localAddr, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(m.nodeID),
			Address: localAddr,
		}},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	m.logger.Info().Str("node_id", m.nodeID).Str("bind_addr", m.bindAddr).
		Msg("bootstrapped control plane")
	return nil
}

// Join starts the Raft node without bootstrapping. The current leader
// must add it with AddVoter before it participates.
func (m *Manager) Join() error {
	r, _, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r

	m.logger.Info().Str("node_id", m.nodeID).Str("bind_addr", m.bindAddr).
		Msg("started node, waiting to be added as voter")
	return nil
}

// AddVoter adds a new control-plane node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("added voter")
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsLeader returns true if this node is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderCh returns a channel that signals leadership changes
func (m *Manager) LeaderCh() <-chan bool {
	return m.raft.LeaderCh()
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// RaftStats returns Raft statistics for diagnostics
func (m *Manager) RaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
}

// apply submits a command to the Raft cluster and returns the FSM
// response
func (m *Manager) apply(op string, payload any) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(cmdData, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// Write operations. Each goes through the Raft log; the leader stamps
// the timestamp so replay is deterministic.

// CreateSessionRecord persists a new session and its kernels
func (m *Manager) CreateSessionRecord(record *types.SessionRecord) error {
	_, err := m.apply("create_session_record", record)
	return err
}

// DeleteSession removes a session and its kernels
func (m *Manager) DeleteSession(sessionID string) error {
	_, err := m.apply("delete_session", sessionID)
	return err
}

// PutAgent upserts an agent record
func (m *Manager) PutAgent(agent *types.Agent) error {
	_, err := m.apply("put_agent", agent)
	return err
}

// PutScalingGroup upserts a scaling group
func (m *Manager) PutScalingGroup(group *types.ScalingGroup) error {
	_, err := m.apply("put_scaling_group", group)
	return err
}

// UpdateSessionsStatus moves sessions still in an expected status to
// next, returning the ids actually updated
func (m *Manager) UpdateSessionsStatus(ids []string, expected []types.SessionStatus, next types.SessionStatus, reason string) ([]string, error) {
	resp, err := m.apply("update_sessions_status", updateSessionsStatusCmd{
		IDs: ids, Expected: expected, Next: next, Reason: reason, At: m.now(),
	})
	if err != nil {
		return nil, err
	}
	if result, ok := resp.(updatedResult); ok {
		return result.IDs, nil
	}
	return nil, nil
}

// UpdateKernelsStatus moves the listed kernels to next
func (m *Manager) UpdateKernelsStatus(ids []string, next types.KernelStatus, reason string) error {
	_, err := m.apply("update_kernels_status", updateKernelsStatusCmd{
		IDs: ids, Next: next, Reason: reason, At: m.now(),
	})
	return err
}

// ApplySchedulingDecision commits a scheduling decision atomically
func (m *Manager) ApplySchedulingDecision(decision *types.SchedulingDecision) error {
	_, err := m.apply("apply_scheduling_decision", applyDecisionCmd{
		Decision: *decision, At: m.now(),
	})
	return err
}

// ReleaseSessionResources frees a TERMINATING session's slots and
// marks it TERMINATED
func (m *Manager) ReleaseSessionResources(sessionID, reason string) error {
	_, err := m.apply("release_session_resources", sessionReasonCmd{
		SessionID: sessionID, Reason: reason, At: m.now(),
	})
	return err
}

// RecordSessionRetry returns a stuck session to PENDING and counts
// the retry
func (m *Manager) RecordSessionRetry(sessionID, reason string) error {
	_, err := m.apply("record_retry", sessionReasonCmd{
		SessionID: sessionID, Reason: reason, At: m.now(),
	})
	return err
}

// ForceUpdateLifecycle writes a session's status directly, bypassing
// the status guard
func (m *Manager) ForceUpdateLifecycle(sessionID string, next types.SessionStatus, reason string) error {
	_, err := m.apply("force_update_lifecycle", forceLifecycleCmd{
		SessionID: sessionID, Next: next, Reason: reason, At: m.now(),
	})
	return err
}

// ClearErrors returns an ERROR session to PENDING
func (m *Manager) ClearErrors(sessionID string) error {
	_, err := m.apply("clear_errors", sessionReasonCmd{
		SessionID: sessionID, At: m.now(),
	})
	return err
}

// Read operations served from the local store.

func (m *Manager) GetSession(id string) (*types.Session, error) {
	return m.store.GetSession(id)
}

func (m *Manager) ListSessions() ([]*types.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) ListSessionsByStatus(statuses []types.SessionStatus, scalingGroup string) ([]*types.Session, error) {
	return m.store.ListSessionsByStatus(statuses, scalingGroup)
}

// GetSessionRecord loads a session together with all of its kernels
func (m *Manager) GetSessionRecord(id string) (*types.SessionRecord, error) {
	session, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	kernels, err := m.store.ListKernelsBySession(id)
	if err != nil {
		return nil, err
	}
	record := &types.SessionRecord{Session: *session}
	for _, kernel := range kernels {
		record.Kernels = append(record.Kernels, *kernel)
	}
	return record, nil
}

func (m *Manager) GetKernel(id string) (*types.Kernel, error) {
	return m.store.GetKernel(id)
}

func (m *Manager) ListKernelsBySession(sessionID string) ([]*types.Kernel, error) {
	return m.store.ListKernelsBySession(sessionID)
}

func (m *Manager) ListKernelsByAgent(agentID string) ([]*types.Kernel, error) {
	return m.store.ListKernelsByAgent(agentID)
}

func (m *Manager) GetAgent(id string) (*types.Agent, error) {
	return m.store.GetAgent(id)
}

func (m *Manager) ListAgents() ([]*types.Agent, error) {
	return m.store.ListAgents()
}

func (m *Manager) ListAgentsByScalingGroup(group string) ([]*types.Agent, error) {
	return m.store.ListAgentsByScalingGroup(group)
}

func (m *Manager) GetScalingGroup(name string) (*types.ScalingGroup, error) {
	return m.store.GetScalingGroup(name)
}

func (m *Manager) ListScalingGroups() ([]*types.ScalingGroup, error) {
	return m.store.ListScalingGroups()
}

func (m *Manager) ListAllocationsByKernel(kernelID string) ([]*types.Allocation, error) {
	return m.store.ListAllocationsByKernel(kernelID)
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
