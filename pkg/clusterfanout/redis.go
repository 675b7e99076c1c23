package clusterfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

// directoryTTL self-cleans node slices when a gateway dies without
// removing its projection.
const directoryTTL = 5 * time.Minute

// RedisDirectoryCache fronts the durable store's agent directory with a
// Redis hash per node, so discovery on a busy cluster does not hammer
// the SQL store on every discover_agents task. Each node's agents live
// under one key ("cluster:agents:<nodeID>") that the owning node
// refreshes on every sync; the TTL expires entries for nodes that stop
// refreshing.
type RedisDirectoryCache struct {
	client *redis.Client
}

// NewRedisDirectoryCache connects to addr with optional password.
func NewRedisDirectoryCache(addr, password string, db int) *RedisDirectoryCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisDirectoryCache{client: rdb}
}

// NewRedisDirectoryCacheFromURL accepts a redis:// URL, the form the
// gateway's configuration carries.
func NewRedisDirectoryCacheFromURL(rawURL string) (*RedisDirectoryCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("clusterfanout: bad redis url: %w", err)
	}
	return &RedisDirectoryCache{client: redis.NewClient(opts)}, nil
}

func nodeKey(nodeID string) string { return "cluster:agents:" + nodeID }

// Publish writes one agent into its owning node's hash and refreshes the
// slice TTL.
func (c *RedisDirectoryCache) Publish(ctx context.Context, agent contracts.AgentEntry) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	key := nodeKey(agent.OwningNodeID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, agent.InternalID, raw)
	pipe.Expire(ctx, key, directoryTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops one agent from a node's hash.
func (c *RedisDirectoryCache) Remove(ctx context.Context, nodeID, internalID string) error {
	return c.client.HDel(ctx, nodeKey(nodeID), internalID).Err()
}

// NodeAgents reads every agent a peer node last published.
func (c *RedisDirectoryCache) NodeAgents(ctx context.Context, nodeID string) ([]contracts.AgentEntry, error) {
	raw, err := c.client.HGetAll(ctx, nodeKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("clusterfanout: redis read for node %s: %w", nodeID, err)
	}
	out := make([]contracts.AgentEntry, 0, len(raw))
	for _, v := range raw {
		var a contracts.AgentEntry
		if json.Unmarshal([]byte(v), &a) != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Close releases the underlying client.
func (c *RedisDirectoryCache) Close() error { return c.client.Close() }

// WithCache attaches a Redis directory cache to the Directory. When set,
// Sync publishes to both the durable store and the cache, and Discover
// tries the cache before falling back to the store per peer.
func (d *Directory) WithCache(cache *RedisDirectoryCache) *Directory {
	d.cache = cache
	return d
}
