/*
Package metrics defines the control plane's Prometheus collectors and
serves the /metrics endpoint.

Counters and histograms are updated inline by the coordinator and the
health monitor; the state gauges (sessions and agents by status) are
refreshed periodically by the Collector from the replicated store.
*/
package metrics
