// Package cache holds the ephemeral scheduling state that does not
// belong in the replicated store: per-agent installed-image lists and
// their reverse index, schedule-needed flags, GPU allocation maps, and
// agent liveness. All of it is rebuilt from heartbeats, so a cold
// Redis only delays scheduling hints. The package also provides the
// named leases the coordinator takes per lifecycle handler.
package cache
