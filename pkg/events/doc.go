/*
Package events carries lifecycle events from the control plane to
anyone who cares: external consumers over NATS and in-process
subscribers through a broker.

Events are published only after the status transition they describe
has committed. Delivery is at-least-once toward NATS and best-effort
in process; slow in-process subscribers are skipped, never blocked on.
Consumers must treat events as idempotent notifications and the store
as the source of truth.
*/
package events
