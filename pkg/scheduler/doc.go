/*
Package scheduler contains the scheduling and start stages and the
coordinator that drives all lifecycle stages.

The ScheduleHandler orders the pending batch by the scaling group's
policy (FIFO, LIFO, or DRF), places sessions onto agents with free
capacity (single-node sessions onto one agent, multi-node sessions
onto pairwise-distinct agents), and declares one atomic decision that
the coordinator commits through the replicated log. The
StartSessionHandler then dispatches create_kernel to every bound
agent and moves the session to PREPARING, from where agent-reported
kernel progress takes over.

The Coordinator runs one loop per scaling group: it wakes on debounced
triggers and a periodic reconciling tick, takes a named lease per
stage so replicas never double-process, commits each stage's result
with guarded status updates, and publishes lifecycle events only after
the commit lands.
*/
package scheduler
