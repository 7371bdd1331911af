package handlers

import (
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/types"
)

// Outcome names one session in a result partition together with the
// reason string to stamp on its status
type Outcome struct {
	SessionID string
	Reason    string
}

// PostAction is work the coordinator performs only after the status
// commit succeeds
type PostAction struct {
	SessionID string
	// Event to broadcast, if any
	Event *events.Event
	// Reschedule re-marks the scaling group as needing a scheduling
	// round, e.g. after a termination frees slots
	Reschedule bool
	// InvalidateCache drops the session's kernel-related cache entries
	InvalidateCache bool
}

// Result is what a handler's Execute declares: the partition of its
// batch plus the side effects to apply on commit.
type Result struct {
	Successes []Outcome
	Failures  []Outcome
	Stales    []Outcome

	// Decision, when set, is committed atomically instead of a plain
	// status update. Only the scheduling stage produces one.
	Decision *types.SchedulingDecision

	// Releases lists sessions whose slots must be returned to their
	// agents as part of the commit. Only the terminating stage
	// produces them.
	Releases []Outcome

	// Cancels lists sessions to move to CANCELLED, e.g. pending
	// sessions with no kernels to place
	Cancels []Outcome

	// PostActions run after the commit
	PostActions []PostAction
}

// Merge combines another result into this one
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Successes = append(r.Successes, other.Successes...)
	r.Failures = append(r.Failures, other.Failures...)
	r.Stales = append(r.Stales, other.Stales...)
	r.Releases = append(r.Releases, other.Releases...)
	r.Cancels = append(r.Cancels, other.Cancels...)
	r.PostActions = append(r.PostActions, other.PostActions...)
	if r.Decision == nil {
		r.Decision = other.Decision
	} else if other.Decision != nil {
		r.Decision.Placements = append(r.Decision.Placements, other.Decision.Placements...)
	}
}

// SuccessCount reports how many sessions progressed
func (r *Result) SuccessCount() int {
	return len(r.Successes)
}

// NeedsPostProcessing is true iff the coordinator has post-commit work
func (r *Result) NeedsPostProcessing() bool {
	return len(r.PostActions) > 0
}

// Empty reports whether the result carries nothing at all
func (r *Result) Empty() bool {
	return len(r.Successes) == 0 && len(r.Failures) == 0 && len(r.Stales) == 0 &&
		r.Decision == nil && len(r.Releases) == 0 && len(r.Cancels) == 0 &&
		len(r.PostActions) == 0
}
