/*
Package health supervises the parts of a session's lifecycle that
happen outside the replicated store: image pulls and container creates
on agents, and the agents' own liveness.

The Monitor sweeps on a fixed schedule and runs one Keeper per
transitional status band. A keeper only probes sessions that have sat
in their status past a threshold (15 minutes for PREPARING/PULLING,
10 for CREATING by default), asks the agents whether the work is still
moving, and classifies each session healthy or unhealthy. RPC failures
count as "not moving": an unreachable agent must drive its sessions
toward retry, not leave them parked. Unhealthy sessions go back to
PENDING with reason "health-retry", bounded by a per-session retry
budget with exponentially spaced attempts.

The AgentMonitor is the agent-facing NATS intake. Heartbeats register,
refresh, and revive agents and feed the image and allocation indexes;
agents silent past the heartbeat timeout are marked LOST and dropped
from the scheduler's warm-agent preference. Kernel reports write
agent-observed kernel transitions through the replicated state, wake
the coordinator when a progress stage can act on them, and publish the
kernel lifecycle events.
*/
package health
