package handlers

import (
	"context"

	"github.com/caravelhq/caravel/pkg/types"
)

// Handler is one lifecycle stage: it receives a batch of sessions
// already gated by status, decides which progressed, and declares the
// side effects to apply. Handlers never write state or hold locks;
// the coordinator commits their results under the handler's named
// lock.
type Handler interface {
	// Name is a stable identifier used in logs and metrics
	Name() string

	// TargetStatuses selects candidate sessions
	TargetStatuses() []types.SessionStatus

	// TargetKernelStatuses gates candidates to sessions whose every
	// kernel is in one of these statuses. Nil means no kernel gate.
	TargetKernelStatuses() []types.KernelStatus

	// SuccessStatus is the status committed for successes
	SuccessStatus() types.SessionStatus

	// FailureStatus is the status committed for failures; ok=false
	// leaves failed sessions as they are
	FailureStatus() (types.SessionStatus, bool)

	// StaleStatus is the status committed for stales; ok=false leaves
	// them as they are
	StaleStatus() (types.SessionStatus, bool)

	// LockID names the lease the coordinator must hold to run this
	// handler
	LockID() string

	// Execute partitions the batch. It must be idempotent: re-running
	// on the same batch without external changes yields the same
	// partition.
	Execute(ctx context.Context, batch []*types.SessionRecord, scalingGroup string) (*Result, error)
}
