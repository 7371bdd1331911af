/*
Package storage provides the control-plane state store: sessions,
kernels, agents, scaling groups, and per-kernel resource allocations
persisted in BoltDB with one bucket per entity.

Beyond plain CRUD, the Store exposes composite operations that the
scheduling core relies on for correctness:

  - UpdateSessionsStatus applies a status guard (only sessions still in
    an expected status move), making re-delivered transitions no-ops.
  - ApplySchedulingDecision commits agent bindings, slot increments,
    and allocation rows all-or-nothing; a capacity violation on any
    agent aborts the whole decision.
  - ReleaseSessionResources returns slots to agents and deletes
    allocation rows before the session turns TERMINATED.

Each composite operation is a single BoltDB update transaction, so a
crash mid-operation leaves no half-scheduled state.
*/
package storage
