/*
Package handlers contains the lifecycle stages the coordinator runs
each round. A handler is a pure unit: it declares which statuses it
targets, receives a batch of sessions (each with its kernels), and
partitions the batch into successes, failures, and stales, together
with the side effects to apply on commit. The coordinator owns all
locking, persistence, and event publishing.

The canonical stages:

  - check_pulling_progress:     PREPARING/PULLING -> PREPARED
  - check_creating_progress:    CREATING -> RUNNING (after the running hook)
  - check_terminating_progress: TERMINATING -> TERMINATED (releases slots)
  - check_abnormal_running:     RUNNING with dead kernels -> TERMINATING

The scheduling stage lives in the scheduler package, next to the
placement policies it runs.
*/
package handlers
