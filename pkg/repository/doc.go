/*
Package repository layers the domain queries and commands over the
replicated state and the cache.

SchedulerRepository serves the coordinator's read side: transition
batches (status plus all-kernels gate), policy-ordered pending
sessions, and schedulable-agent views narrowed by the image index.

SessionRepository serves the session-facing write side: submission,
destruction, retries, operator overrides, and the cache invalidation
that accompanies kernel teardown. Writes go through the State
interface so everything lands in the Raft log; reads come straight
from the local store.
*/
package repository
