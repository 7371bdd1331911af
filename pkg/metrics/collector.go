package metrics

import (
	"time"

	"github.com/caravelhq/caravel/pkg/manager"
	"github.com/caravelhq/caravel/pkg/types"
)

// Collector refreshes the state gauges from the replicated store
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting gauges on a fixed interval
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionGauges()
	c.collectAgentGauges()
}

func (c *Collector) collectSessionGauges() {
	sessions, err := c.manager.ListSessions()
	if err != nil {
		return
	}

	counts := make(map[types.SessionStatus]int)
	for _, session := range sessions {
		counts[session.Status]++
	}

	for _, status := range []types.SessionStatus{
		types.SessionPending, types.SessionScheduled, types.SessionPreparing,
		types.SessionPulling, types.SessionPrepared, types.SessionCreating,
		types.SessionRunning, types.SessionTerminating, types.SessionTerminated,
		types.SessionCancelled, types.SessionError,
	} {
		SessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectAgentGauges() {
	agents, err := c.manager.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[types.AgentStatus]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}

	for _, status := range []types.AgentStatus{
		types.AgentAlive, types.AgentLost, types.AgentTerminated,
	} {
		AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
