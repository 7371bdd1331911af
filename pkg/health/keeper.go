package health

import (
	"context"
	"time"

	"github.com/caravelhq/caravel/pkg/types"
)

// Result partitions a checked batch into sessions still making
// progress and sessions that look stuck
type Result struct {
	Healthy   []string
	Unhealthy []string
}

// Merge folds another result into this one
func (r *Result) Merge(other *Result) {
	r.Healthy = append(r.Healthy, other.Healthy...)
	r.Unhealthy = append(r.Unhealthy, other.Unhealthy...)
}

// Keeper watches one transitional status band. NeedCheck gates on the
// time a session has sat in its status; CheckBatch asks the agents
// whether work is still happening. Keepers never mutate state - the
// monitor owns the retry path.
type Keeper interface {
	Name() string

	// TargetStatuses selects the sessions this keeper attends to
	TargetStatuses() []types.SessionStatus

	// NeedCheck reports whether the session has been in its status
	// long enough to warrant a probe. A zero status timestamp always
	// warrants one.
	NeedCheck(record *types.SessionRecord, now time.Time) bool

	// CheckBatch probes the agents and classifies every session in
	// the batch as healthy or unhealthy
	CheckBatch(ctx context.Context, batch []*types.SessionRecord) *Result
}

// thresholdElapsed is the shared NeedCheck gate
func thresholdElapsed(record *types.SessionRecord, now time.Time, threshold time.Duration) bool {
	changedAt := record.Session.StatusChangedAt
	if changedAt.IsZero() {
		return true
	}
	return now.Sub(changedAt) >= threshold
}
