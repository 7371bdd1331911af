package handlers

import (
	"context"
	"sync"

	"github.com/caravelhq/caravel/pkg/types"
)

// TransitionKind names a lifecycle transition hooks can attach to
type TransitionKind string

const (
	OnTransitionToRunning    TransitionKind = "on_transition_to_running"
	OnTransitionToTerminated TransitionKind = "on_transition_to_terminated"
)

// Hook is side-channel setup or teardown fired around a transition,
// e.g. wiring a service endpoint when a session starts serving. A hook
// error blocks the transition for running, and is logged-only for
// terminated.
type Hook func(ctx context.Context, record *types.SessionRecord) error

// HookRegistry maps transition kinds to their hooks
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[TransitionKind][]Hook
}

// NewHookRegistry creates an empty registry
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[TransitionKind][]Hook)}
}

// Register appends a hook for the given transition
func (r *HookRegistry) Register(kind TransitionKind, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = append(r.hooks[kind], hook)
}

// Fire runs every hook for the transition in registration order,
// stopping at the first error
func (r *HookRegistry) Fire(ctx context.Context, kind TransitionKind, record *types.SessionRecord) error {
	r.mu.RLock()
	hooks := r.hooks[kind]
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, record); err != nil {
			return err
		}
	}
	return nil
}
