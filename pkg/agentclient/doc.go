// Package agentclient implements the control plane's RPC surface
// toward compute agents, carried over NATS request/reply. Check calls
// run with a short timeout and no retries so the health keepers can
// fail closed; control calls retry transient failures with backoff.
package agentclient
