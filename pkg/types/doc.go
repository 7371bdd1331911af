/*
Package types defines the entities shared across the Caravel control
plane: sessions, kernels, agents, scaling groups, the status state
spaces they move through, and the value records exchanged between the
repositories, lifecycle handlers, and the scheduling coordinator.

Sessions traverse a fixed status graph:

	PENDING → SCHEDULED → PREPARING → PULLING → PREPARED → CREATING → RUNNING
	                                                                    │
	                                     ┌──────────────────────────────┤
	                                     ▼                              ▼
	                                TERMINATING ───► TERMINATED     CANCELLED
	                                                     ▲
	                                                     └── ERROR

TERMINATED, CANCELLED, and ERROR are sinks. A status never moves
backwards except via the explicit health-retry path that returns
PULLING or CREATING sessions to PENDING.

Kernel statuses mirror session statuses at container granularity; the
session status is derived from its kernels by the lifecycle handlers.
*/
package types
