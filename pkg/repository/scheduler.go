package repository

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

// SchedulerRepository answers the queries the coordinator and the
// scheduling stage run every round
type SchedulerRepository struct {
	state  State
	cache  SchedulingCache
	logger zerolog.Logger
}

// NewSchedulerRepository creates a SchedulerRepository
func NewSchedulerRepository(state State, cache SchedulingCache) *SchedulerRepository {
	return &SchedulerRepository{
		state:  state,
		cache:  cache,
		logger: log.WithComponent("repository.scheduler"),
	}
}

// GetSessionsForTransition returns the batch a handler should work
// on: sessions in targetStatuses whose every kernel is in
// targetKernelStatuses. A nil kernel filter admits any kernel state;
// sessions with no kernels only pass when there is no kernel filter.
func (r *SchedulerRepository) GetSessionsForTransition(ctx context.Context, targetStatuses []types.SessionStatus, targetKernelStatuses []types.KernelStatus, scalingGroup string) ([]*types.SessionRecord, error) {
	sessions, err := r.state.ListSessionsByStatus(targetStatuses, scalingGroup)
	if err != nil {
		return nil, err
	}

	var records []*types.SessionRecord
	for _, session := range sessions {
		kernels, err := r.state.ListKernelsBySession(session.ID)
		if err != nil {
			return nil, err
		}

		if targetKernelStatuses != nil {
			if len(kernels) == 0 {
				continue
			}
			ok := lo.EveryBy(kernels, func(k *types.Kernel) bool {
				return lo.Contains(targetKernelStatuses, k.Status)
			})
			if !ok {
				continue
			}
		}

		record := &types.SessionRecord{Session: *session}
		for _, kernel := range kernels {
			record.Kernels = append(record.Kernels, *kernel)
		}
		records = append(records, record)
	}
	return records, nil
}

// GetPendingSessions returns PENDING sessions of the scaling group
// ordered by the group's scheduling policy
func (r *SchedulerRepository) GetPendingSessions(ctx context.Context, scalingGroup string) ([]*types.SessionRecord, error) {
	records, err := r.GetSessionsForTransition(ctx,
		[]types.SessionStatus{types.SessionPending}, nil, scalingGroup)
	if err != nil {
		return nil, err
	}
	if err := r.OrderRecords(ctx, scalingGroup, records); err != nil {
		return nil, err
	}
	return records, nil
}

// OrderRecords sorts a batch in the scaling group's scheduling order
func (r *SchedulerRepository) OrderRecords(ctx context.Context, scalingGroup string, records []*types.SessionRecord) error {
	policy := types.PolicyFIFO
	if group, err := r.state.GetScalingGroup(scalingGroup); err == nil {
		policy = group.Policy
	}

	var capacity slot.Slots
	if policy == types.PolicyDRF {
		agents, err := r.SchedulableAgents(ctx, scalingGroup)
		if err != nil {
			return err
		}
		capacity = slot.Slots{}
		for _, agent := range agents {
			capacity = capacity.Add(agent.AvailableSlots)
		}
	}

	OrderPending(records, policy, capacity)
	return nil
}

// OrderPending sorts records in scheduling order. FIFO orders by
// status_changed_at ascending, LIFO descending; DRF orders by
// dominant share of the group capacity ascending. Session id breaks
// every tie so the order is total and reproducible.
func OrderPending(records []*types.SessionRecord, policy types.SchedulingPolicy, capacity slot.Slots) {
	switch policy {
	case types.PolicyLIFO:
		sort.SliceStable(records, func(i, j int) bool {
			a, b := records[i].Session, records[j].Session
			if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
				return a.StatusChangedAt.After(b.StatusChangedAt)
			}
			return a.ID < b.ID
		})
	case types.PolicyDRF:
		shares := make(map[string]float64, len(records))
		for _, record := range records {
			shares[record.Session.ID] = dominantShare(record.Session.RequestedSlots, capacity)
		}
		sort.SliceStable(records, func(i, j int) bool {
			a, b := records[i].Session, records[j].Session
			if shares[a.ID] != shares[b.ID] {
				return shares[a.ID] < shares[b.ID]
			}
			if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
				return a.StatusChangedAt.Before(b.StatusChangedAt)
			}
			return a.ID < b.ID
		})
	default: // FIFO
		sort.SliceStable(records, func(i, j int) bool {
			a, b := records[i].Session, records[j].Session
			if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
				return a.StatusChangedAt.Before(b.StatusChangedAt)
			}
			return a.ID < b.ID
		})
	}
}

// dominantShare is the largest fraction any single slot of the
// request takes of the group capacity
func dominantShare(requested, capacity slot.Slots) float64 {
	share := 0.0
	for name, q := range requested {
		total := capacity.Get(name)
		if total.IsZero() {
			continue
		}
		s := q.AsApproximateFloat64() / total.AsApproximateFloat64()
		if s > share {
			share = s
		}
	}
	return share
}

// SchedulableAgents returns the ALIVE, schedulable agents of a
// scaling group
func (r *SchedulerRepository) SchedulableAgents(ctx context.Context, scalingGroup string) ([]*types.Agent, error) {
	agents, err := r.state.ListAgentsByScalingGroup(scalingGroup)
	if err != nil {
		return nil, err
	}
	return lo.Filter(agents, func(a *types.Agent, _ int) bool {
		return a.Status == types.AgentAlive && a.Schedulable
	}), nil
}

// GetSessionsByStatus exposes plain status queries for the health
// monitor and APIs
func (r *SchedulerRepository) GetSessionsByStatus(ctx context.Context, statuses []types.SessionStatus, scalingGroup string) ([]*types.Session, error) {
	return r.state.ListSessionsByStatus(statuses, scalingGroup)
}

// ApplySchedulingDecision commits a decision through the replicated
// log
func (r *SchedulerRepository) ApplySchedulingDecision(ctx context.Context, decision *types.SchedulingDecision) error {
	if err := r.state.ApplySchedulingDecision(decision); err != nil {
		return err
	}
	r.logger.Info().
		Str("scaling_group", decision.ScalingGroup).
		Int("placements", len(decision.Placements)).
		Msg("committed scheduling decision")
	return nil
}

// AgentsWithImage narrows candidate agents to those that already hold
// the image, using the heartbeat-fed index. An empty index entry
// returns all candidates: a cold cache must not starve scheduling.
func (r *SchedulerRepository) AgentsWithImage(ctx context.Context, candidates []*types.Agent, imageRef string) []*types.Agent {
	holders, err := r.cache.AgentsForImage(ctx, imageRef)
	if err != nil || len(holders) == 0 {
		return candidates
	}
	holderSet := lo.SliceToMap(holders, func(id string) (string, bool) { return id, true })
	withImage := lo.Filter(candidates, func(a *types.Agent, _ int) bool {
		return holderSet[a.ID]
	})
	if len(withImage) == 0 {
		return candidates
	}
	return withImage
}
