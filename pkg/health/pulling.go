package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/agentclient"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// PullingKeeper watches sessions stuck in PREPARING/PULLING. An image
// pull can legitimately take a long time, so the probe asks the main
// kernel's agent whether the pull is still moving rather than judging
// by elapsed time alone.
type PullingKeeper struct {
	agents    agentclient.Client
	threshold time.Duration
	logger    zerolog.Logger
}

// NewPullingKeeper creates the PREPARING/PULLING keeper
func NewPullingKeeper(agents agentclient.Client, threshold time.Duration) *PullingKeeper {
	return &PullingKeeper{
		agents:    agents,
		threshold: threshold,
		logger:    log.WithComponent("health.pulling"),
	}
}

func (k *PullingKeeper) Name() string { return "pulling" }

func (k *PullingKeeper) TargetStatuses() []types.SessionStatus {
	return []types.SessionStatus{types.SessionPreparing, types.SessionPulling}
}

func (k *PullingKeeper) NeedCheck(record *types.SessionRecord, now time.Time) bool {
	return thresholdElapsed(record, now, k.threshold)
}

// CheckBatch groups the batch by image and probes each image once, on
// the main kernel's agent. A session is healthy while any of its
// images still reports an active pull; an RPC failure counts as "not
// active" so an unreachable agent drives the session toward retry.
func (k *PullingKeeper) CheckBatch(ctx context.Context, batch []*types.SessionRecord) *Result {
	type probe struct {
		agentID  string
		imageRef string
	}

	probes := make(map[string]probe)
	sessionImages := make(map[string][]string, len(batch))
	for _, record := range batch {
		main := record.MainKernel()
		if main == nil || main.AgentID == "" {
			continue
		}
		images := lo.Uniq(lo.FilterMap(record.Kernels, func(kernel types.Kernel, _ int) (string, bool) {
			return kernel.ImageRef, kernel.ImageRef != ""
		}))
		sessionImages[record.Session.ID] = images
		for _, image := range images {
			if _, ok := probes[image]; !ok {
				probes[image] = probe{agentID: main.AgentID, imageRef: image}
			}
		}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		active = make(map[string]bool, len(probes))
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			ok, err := k.agents.CheckPulling(ctx, p.agentID, p.imageRef)
			if err != nil {
				k.logger.Warn().Err(err).
					Str("agent_id", p.agentID).
					Str("image", p.imageRef).
					Msg("pull check failed, treating as inactive")
				ok = false
			}
			mu.Lock()
			active[p.imageRef] = ok
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	result := &Result{}
	for _, record := range batch {
		images := sessionImages[record.Session.ID]
		healthy := lo.SomeBy(images, func(image string) bool { return active[image] })
		if healthy {
			result.Healthy = append(result.Healthy, record.Session.ID)
		} else {
			result.Unhealthy = append(result.Unhealthy, record.Session.ID)
		}
	}
	return result
}
