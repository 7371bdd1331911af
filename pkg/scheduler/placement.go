package scheduler

import (
	"sort"

	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

// agentState tracks an agent's remaining capacity while a round
// places sessions; reservations made earlier in the same round are
// already deducted
type agentState struct {
	agent *types.Agent
	free  slot.Slots
}

// newAgentStates builds the working view, free = available - occupied
func newAgentStates(agents []*types.Agent) []*agentState {
	states := make([]*agentState, 0, len(agents))
	for _, agent := range agents {
		states = append(states, &agentState{
			agent: agent,
			free:  agent.AvailableSlots.Sub(agent.OccupiedSlots),
		})
	}
	return states
}

// byFreeDesc orders agents by remaining capacity, most free first,
// with agent id as tiebreak for reproducibility. Spreading load keeps
// large requests placeable for longer.
func byFreeDesc(states []*agentState, dominant slot.Name) {
	sort.SliceStable(states, func(i, j int) bool {
		a := states[i].free.Get(dominant)
		b := states[j].free.Get(dominant)
		if c := a.Cmp(b); c != 0 {
			return c > 0
		}
		return states[i].agent.ID < states[j].agent.ID
	})
}

// dominantSlot picks the slot name to order candidate agents by.
// Device slots win over cpu/mem when present; the choice only affects
// candidate ordering, never feasibility.
func dominantSlot(requested slot.Slots) slot.Name {
	var devices []string
	for name := range requested {
		if name != "cpu" && name != "mem" {
			devices = append(devices, string(name))
		}
	}
	if len(devices) > 0 {
		sort.Strings(devices)
		return slot.Name(devices[0])
	}
	return "cpu"
}

// placeSingleNode binds every kernel of the session to one agent that
// can hold the combined request
func placeSingleNode(record *types.SessionRecord, states []*agentState) (*types.SessionPlacement, error) {
	total := slot.Slots{}
	for i := range record.Kernels {
		total = total.Add(record.Kernels[i].RequestedSlots)
	}

	byFreeDesc(states, dominantSlot(total))
	for _, state := range states {
		if !total.LE(state.free) {
			continue
		}

		placement := &types.SessionPlacement{SessionID: record.Session.ID}
		for i := range record.Kernels {
			kernel := &record.Kernels[i]
			placement.Bindings = append(placement.Bindings, types.KernelBinding{
				KernelID:  kernel.ID,
				AgentID:   state.agent.ID,
				AgentAddr: state.agent.Addr,
			})
		}
		state.free = state.free.Sub(total)
		return placement, nil
	}

	return nil, types.NewError(types.KindResourceExhausted,
		"no agent can hold %s", total)
}

// placeMultiNode binds each kernel to a distinct agent. Placement is
// all-or-nothing: if any kernel cannot get its own agent, nothing is
// reserved.
func placeMultiNode(record *types.SessionRecord, states []*agentState) (*types.SessionPlacement, error) {
	if len(record.Kernels) > len(states) {
		return nil, types.NewError(types.KindResourceExhausted,
			"%d agents available for a %d-kernel session",
			len(states), len(record.Kernels))
	}

	used := make(map[string]bool, len(record.Kernels))
	placement := &types.SessionPlacement{SessionID: record.Session.ID}
	type reservation struct {
		state *agentState
		slots slot.Slots
	}
	var reserved []reservation

	for i := range record.Kernels {
		kernel := &record.Kernels[i]
		byFreeDesc(states, dominantSlot(kernel.RequestedSlots))

		var chosen *agentState
		for _, state := range states {
			if used[state.agent.ID] {
				continue
			}
			if kernel.RequestedSlots.LE(state.free) {
				chosen = state
				break
			}
		}
		if chosen == nil {
			// Roll back reservations from this session.
			for _, r := range reserved {
				r.state.free = r.state.free.Add(r.slots)
			}
			return nil, types.NewError(types.KindResourceExhausted,
				"no distinct agent for kernel %s requesting %s",
				kernel.ID, kernel.RequestedSlots)
		}

		used[chosen.agent.ID] = true
		chosen.free = chosen.free.Sub(kernel.RequestedSlots)
		reserved = append(reserved, reservation{state: chosen, slots: kernel.RequestedSlots.Clone()})
		placement.Bindings = append(placement.Bindings, types.KernelBinding{
			KernelID:  kernel.ID,
			AgentID:   chosen.agent.ID,
			AgentAddr: chosen.agent.Addr,
		})
	}

	return placement, nil
}

// place dispatches on the session's cluster mode
func place(record *types.SessionRecord, states []*agentState) (*types.SessionPlacement, error) {
	if record.Session.ClusterMode == types.ClusterModeMultiNode {
		return placeMultiNode(record, states)
	}
	return placeSingleNode(record, states)
}
