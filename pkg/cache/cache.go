package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// Key layout. Everything here is ephemeral and rebuildable from agent
// heartbeats; losing Redis degrades scheduling hints, never
// correctness.
const (
	keyInstalledImages = "installed_image:%s"     // agent id -> image list
	keyAgentsForImage  = "agents_for_image:%s"    // image ref -> agent set
	keyScheduleNeeded  = "mark_schedule_needed:%s" // scaling group -> flag
	keyGPUAllocMap     = "gpu_alloc_map:%s"       // agent id -> allocation map
	keyAgentLastSeen   = "agent_last_seen:%s"     // agent id -> unix time
)

// Cache wraps Redis for cross-node scheduling hints, with a local
// in-process TTL mirror for agent liveness so hot reads skip the
// network.
type Cache struct {
	rdb    *redis.Client
	local  *gocache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis. The heartbeat timeout doubles as the TTL for
// liveness entries.
func New(cfg *config.RedisConfig, heartbeatTimeout time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{
		rdb:    rdb,
		local:  gocache.New(heartbeatTimeout, 2*heartbeatTimeout),
		ttl:    heartbeatTimeout,
		logger: log.WithComponent("cache"),
	}
}

// Ping verifies connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// SetInstalledImages records the images an agent reported in its
// heartbeat and updates the reverse image-to-agents index
func (c *Cache) SetInstalledImages(ctx context.Context, agentID string, images []types.InstalledImage) error {
	data, err := json.Marshal(images)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(keyInstalledImages, agentID), data, 0)
	for _, img := range images {
		pipe.SAdd(ctx, fmt.Sprintf(keyAgentsForImage, img.Canonical), agentID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetInstalledImages returns the images last reported by an agent
func (c *Cache) GetInstalledImages(ctx context.Context, agentID string) ([]types.InstalledImage, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf(keyInstalledImages, agentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var images []types.InstalledImage
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// AgentsForImage returns the agents known to hold an image
func (c *Cache) AgentsForImage(ctx context.Context, imageRef string) ([]string, error) {
	return c.rdb.SMembers(ctx, fmt.Sprintf(keyAgentsForImage, imageRef)).Result()
}

// RemoveAgentImages drops an agent from every image index entry it
// appears in, used when an agent is marked LOST
func (c *Cache) RemoveAgentImages(ctx context.Context, agentID string) error {
	images, err := c.GetInstalledImages(ctx, agentID)
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	for _, img := range images {
		pipe.SRem(ctx, fmt.Sprintf(keyAgentsForImage, img.Canonical), agentID)
	}
	pipe.Del(ctx, fmt.Sprintf(keyInstalledImages, agentID))
	pipe.Del(ctx, fmt.Sprintf(keyGPUAllocMap, agentID))
	_, err = pipe.Exec(ctx)
	return err
}

// MarkScheduleNeeded flags a scaling group for the next scheduling
// round. The flag survives coordinator restarts and leader failover.
func (c *Cache) MarkScheduleNeeded(ctx context.Context, scalingGroup string) error {
	return c.rdb.Set(ctx, fmt.Sprintf(keyScheduleNeeded, scalingGroup), "1", time.Hour).Err()
}

// TakeScheduleNeeded consumes the flag, returning whether it was set
func (c *Cache) TakeScheduleNeeded(ctx context.Context, scalingGroup string) (bool, error) {
	n, err := c.rdb.Del(ctx, fmt.Sprintf(keyScheduleNeeded, scalingGroup)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetGPUAllocMap caches an agent's device allocation map as reported
// by heartbeats
func (c *Cache) SetGPUAllocMap(ctx context.Context, agentID string, allocMap map[string]string) error {
	data, err := json.Marshal(allocMap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(keyGPUAllocMap, agentID), data, 0).Err()
}

// GetGPUAllocMap returns an agent's cached device allocation map
func (c *Cache) GetGPUAllocMap(ctx context.Context, agentID string) (map[string]string, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf(keyGPUAllocMap, agentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var allocMap map[string]string
	if err := json.Unmarshal(data, &allocMap); err != nil {
		return nil, err
	}
	return allocMap, nil
}

// DeleteGPUAllocMap drops an agent's cached allocation map; the next
// heartbeat repopulates it
func (c *Cache) DeleteGPUAllocMap(ctx context.Context, agentID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(keyGPUAllocMap, agentID)).Err()
}

// TouchAgent records a heartbeat in both the local mirror and Redis
func (c *Cache) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	c.local.Set(agentID, at, c.ttl)
	return c.rdb.Set(ctx, fmt.Sprintf(keyAgentLastSeen, agentID), at.Unix(), c.ttl).Err()
}

// AgentLastSeen returns when an agent last heartbeated. The local
// mirror answers first; a Redis miss means the agent is past its
// heartbeat timeout.
func (c *Cache) AgentLastSeen(ctx context.Context, agentID string) (time.Time, bool) {
	if v, ok := c.local.Get(agentID); ok {
		return v.(time.Time), true
	}
	unix, err := c.rdb.Get(ctx, fmt.Sprintf(keyAgentLastSeen, agentID)).Int64()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to read agent liveness")
		}
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}
