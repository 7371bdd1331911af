package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/agentclient"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// CreatingKeeper watches sessions stuck in CREATING. Each bound kernel
// is probed on its own agent; the session is healthy while any kernel
// still reports an active container create.
type CreatingKeeper struct {
	agents    agentclient.Client
	threshold time.Duration
	logger    zerolog.Logger
}

// NewCreatingKeeper creates the CREATING keeper
func NewCreatingKeeper(agents agentclient.Client, threshold time.Duration) *CreatingKeeper {
	return &CreatingKeeper{
		agents:    agents,
		threshold: threshold,
		logger:    log.WithComponent("health.creating"),
	}
}

func (k *CreatingKeeper) Name() string { return "creating" }

func (k *CreatingKeeper) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionCreating}
}

func (k *CreatingKeeper) NeedCheck(record *types.SessionRecord, now time.Time) bool {
	return thresholdElapsed(record, now, k.threshold)
}

// CheckBatch probes every agent-bound kernel concurrently. An RPC
// failure counts as "not active": a session whose agents cannot be
// reached is stuck by definition.
func (k *CreatingKeeper) CheckBatch(ctx context.Context, batch []*types.SessionRecord) *Result {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		active = make(map[string]bool)
	)
	for _, record := range batch {
		for i := range record.Kernels {
			kernel := record.Kernels[i]
			if kernel.AgentID == "" {
				continue
			}
			wg.Add(1)
			go func(kernel types.Kernel) {
				defer wg.Done()
				ok, err := k.agents.CheckCreating(ctx, kernel.AgentID, kernel.ID)
				if err != nil {
					k.logger.Warn().Err(err).
						Str("agent_id", kernel.AgentID).
						Str("kernel_id", kernel.ID).
						Msg("create check failed, treating as inactive")
					ok = false
				}
				mu.Lock()
				active[kernel.ID] = ok
				mu.Unlock()
			}(kernel)
		}
	}
	wg.Wait()

	result := &Result{}
	for _, record := range batch {
		healthy := false
		for i := range record.Kernels {
			if active[record.Kernels[i].ID] {
				healthy = true
				break
			}
		}
		if healthy {
			result.Healthy = append(result.Healthy, record.Session.ID)
		} else {
			result.Unhealthy = append(result.Unhealthy, record.Session.ID)
		}
	}
	return result
}
