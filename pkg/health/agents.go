package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

// HeartbeatSubject is where agents publish their periodic heartbeats
const HeartbeatSubject = "caravel.agent.heartbeat"

// Heartbeat is the agent's periodic self-report
type Heartbeat struct {
	AgentID        string                 `json:"agent_id"`
	ScalingGroup   string                 `json:"scaling_group"`
	Region         string                 `json:"region,omitempty"`
	Architecture   string                 `json:"architecture,omitempty"`
	Addr           string                 `json:"addr"`
	PublicHost     string                 `json:"public_host,omitempty"`
	AvailableSlots slot.Slots             `json:"available_slots"`
	Images         []types.InstalledImage `json:"images,omitempty"`
	GPUAllocMap    map[string]string      `json:"gpu_alloc_map,omitempty"`
	ComputePlugins []string               `json:"compute_plugins,omitempty"`
	Version        string                 `json:"version,omitempty"`
	Schedulable    bool                   `json:"schedulable"`
}

// AgentState is the slice of replicated state the agent monitor needs
type AgentState interface {
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	PutAgent(agent *types.Agent) error
}

// LivenessCache mirrors agent presence and heartbeat-fed indexes
type LivenessCache interface {
	TouchAgent(ctx context.Context, agentID string, at time.Time) error
	AgentLastSeen(ctx context.Context, agentID string) (time.Time, bool)
	SetInstalledImages(ctx context.Context, agentID string, images []types.InstalledImage) error
	RemoveAgentImages(ctx context.Context, agentID string) error
	SetGPUAllocMap(ctx context.Context, agentID string, allocMap map[string]string) error
}

// ScheduleTrigger wakes the scaling group's coordinator
type ScheduleTrigger func(ctx context.Context, scalingGroup, reason string)

// AgentMonitor is the agent-facing NATS intake: it consumes heartbeats
// to register, refresh, and revive agents, consumes kernel reports to
// drive kernel (and agent-initiated session) transitions, and marks
// agents LOST when their heartbeats stop. Capacity changes wake the
// affected group's coordinator.
type AgentMonitor struct {
	conn      *nats.Conn
	state     AgentState
	sessions  SessionState
	cache     LivenessCache
	leader    LeaderGate
	publisher events.Publisher
	trigger   ScheduleTrigger
	cfg       config.AgentConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAgentMonitor wires an agent monitor
func NewAgentMonitor(conn *nats.Conn, state AgentState, sessions SessionState, cache LivenessCache, leader LeaderGate, publisher events.Publisher, trigger ScheduleTrigger, cfg config.AgentConfig) *AgentMonitor {
	return &AgentMonitor{
		conn:      conn,
		state:     state,
		sessions:  sessions,
		cache:     cache,
		leader:    leader,
		publisher: publisher,
		trigger:   trigger,
		cfg:       cfg,
		logger:    log.WithComponent("health.agents"),
		now:       time.Now,
	}
}

// Run consumes heartbeats and kernel reports and sweeps for silent
// agents until ctx is cancelled
func (m *AgentMonitor) Run(ctx context.Context) error {
	heartbeatSub, err := m.conn.Subscribe(HeartbeatSubject, func(msg *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			m.logger.Warn().Err(err).Msg("discarding malformed heartbeat")
			return
		}
		if err := m.HandleHeartbeat(ctx, &hb); err != nil {
			m.logger.Error().Err(err).Str("agent_id", hb.AgentID).
				Msg("failed to apply heartbeat")
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = heartbeatSub.Unsubscribe() }()

	kernelSub, err := m.conn.Subscribe(KernelReportSubject, func(msg *nats.Msg) {
		var report KernelReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			m.logger.Warn().Err(err).Msg("discarding malformed kernel report")
			return
		}
		if err := m.HandleKernelReport(ctx, &report); err != nil {
			m.logger.Error().Err(err).
				Str("kernel_id", report.KernelID).
				Str("session_id", report.SessionID).
				Msg("failed to apply kernel report")
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = kernelSub.Unsubscribe() }()

	ticker := time.NewTicker(m.cfg.HeartbeatTimeout())
	defer ticker.Stop()

	m.logger.Info().
		Dur("timeout", m.cfg.HeartbeatTimeout()).
		Msg("agent monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("agent monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.DetectDownAgents(ctx)
		}
	}
}

// HandleHeartbeat applies one heartbeat. Only the leader writes the
// replicated agent record; every node refreshes its local liveness
// mirror so reads stay warm across failover.
func (m *AgentMonitor) HandleHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if hb.AgentID == "" {
		return types.NewError(types.KindPreconditionFailed, "heartbeat without agent id")
	}

	now := m.now()
	if err := m.cache.TouchAgent(ctx, hb.AgentID, now); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", hb.AgentID).
			Msg("failed to refresh agent liveness")
	}
	if len(hb.Images) > 0 {
		if err := m.cache.SetInstalledImages(ctx, hb.AgentID, hb.Images); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", hb.AgentID).
				Msg("failed to refresh image index")
		}
	}
	if hb.GPUAllocMap != nil {
		if err := m.cache.SetGPUAllocMap(ctx, hb.AgentID, hb.GPUAllocMap); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", hb.AgentID).
				Msg("failed to refresh allocation map")
		}
	}

	if !m.leader.IsLeader() {
		return nil
	}

	m.publisher.Publish(events.NewAgentEvent(events.EventAgentHeartbeat, hb.AgentID, ""))

	existing, err := m.state.GetAgent(hb.AgentID)
	switch {
	case types.IsNotFound(err):
		agent := m.agentFromHeartbeat(hb, now)
		agent.FirstContact = now
		if err := m.state.PutAgent(agent); err != nil {
			return err
		}
		m.publisher.Publish(events.NewAgentEvent(events.EventAgentJoined, hb.AgentID, ""))
		m.trigger(ctx, hb.ScalingGroup, "agent joined")
		m.logger.Info().Str("agent_id", hb.AgentID).
			Str("scaling_group", hb.ScalingGroup).
			Msg("agent registered")
		return nil

	case err != nil:
		return err
	}

	revived := existing.Status == types.AgentLost
	capacityChanged := !existing.AvailableSlots.Equal(hb.AvailableSlots)
	schedulableChanged := existing.Schedulable != hb.Schedulable

	// Plain liveness refreshes stay out of the replicated log; only
	// material changes are written through.
	if !revived && !capacityChanged && !schedulableChanged {
		return nil
	}

	agent := m.agentFromHeartbeat(hb, now)
	agent.FirstContact = existing.FirstContact
	agent.OccupiedSlots = existing.OccupiedSlots
	if err := m.state.PutAgent(agent); err != nil {
		return err
	}

	if revived {
		m.publisher.Publish(events.NewAgentEvent(events.EventAgentJoined, hb.AgentID, "revived"))
		m.trigger(ctx, hb.ScalingGroup, "agent revived")
		m.logger.Info().Str("agent_id", hb.AgentID).Msg("lost agent revived")
	} else if capacityChanged || schedulableChanged {
		m.trigger(ctx, hb.ScalingGroup, "agent capacity changed")
	}
	return nil
}

func (m *AgentMonitor) agentFromHeartbeat(hb *Heartbeat, now time.Time) *types.Agent {
	return &types.Agent{
		ID:             hb.AgentID,
		Status:         types.AgentAlive,
		ScalingGroup:   hb.ScalingGroup,
		Region:         hb.Region,
		Architecture:   hb.Architecture,
		PublicHost:     hb.PublicHost,
		Addr:           hb.Addr,
		AvailableSlots: hb.AvailableSlots,
		OccupiedSlots:  slot.Slots{},
		ComputePlugins: hb.ComputePlugins,
		Version:        hb.Version,
		LastSeen:       now,
		Schedulable:    hb.Schedulable,
	}
}

// DetectDownAgents marks ALIVE agents LOST when their last heartbeat
// is older than the timeout. Their image index entries are dropped so
// the scheduler stops preferring them.
func (m *AgentMonitor) DetectDownAgents(ctx context.Context) {
	if !m.leader.IsLeader() {
		return
	}

	agents, err := m.state.ListAgents()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list agents for down detection")
		return
	}

	now := m.now()
	for _, agent := range agents {
		if agent.Status != types.AgentAlive {
			continue
		}

		lastSeen := agent.LastSeen
		if seen, ok := m.cache.AgentLastSeen(ctx, agent.ID); ok && seen.After(lastSeen) {
			lastSeen = seen
		}
		if now.Sub(lastSeen) <= m.cfg.HeartbeatTimeout() {
			continue
		}

		lostAt := now
		agent.Status = types.AgentLost
		agent.LostAt = &lostAt
		agent.Schedulable = false
		if err := m.state.PutAgent(agent); err != nil {
			m.logger.Error().Err(err).Str("agent_id", agent.ID).
				Msg("failed to mark agent lost")
			continue
		}

		if err := m.cache.RemoveAgentImages(ctx, agent.ID); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", agent.ID).
				Msg("failed to drop image index for lost agent")
		}
		m.publisher.Publish(events.NewAgentEvent(events.EventAgentLost, agent.ID, "heartbeat timeout"))
		m.logger.Warn().Str("agent_id", agent.ID).
			Time("last_seen", lastSeen).
			Msg("agent lost, no heartbeat within timeout")
	}
}
