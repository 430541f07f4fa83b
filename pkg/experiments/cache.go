package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/relay/pkg/observability"
)

// Definition bundles an experiment with its ordered variant set. Decisions
// read definitions far more often than administrators mutate them.
type Definition struct {
	Experiment *Experiment `json:"experiment"`
	Variants   []*Variant  `json:"variants"`
}

// DefinitionCache is a two-level read-through cache for experiment
// definitions: an in-process expirable LRU in front of an optional shared
// Redis layer. Cache failures degrade to database reads and never fail a
// decision. Every lifecycle or variant mutation invalidates the entry.
type DefinitionCache struct {
	l1      *lru.LRU[string, *Definition]
	redis   *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDefinitionCache creates a definition cache. The redis client may be nil
// for single-instance deployments.
func NewDefinitionCache(size int, ttl time.Duration, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *DefinitionCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DefinitionCache{
		l1:      lru.NewLRU[string, *Definition](size, nil, ttl),
		redis:   redisClient,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func definitionCacheKey(workspaceID int64, experimentKey string) string {
	return fmt.Sprintf("relay:definition:%d:%s", workspaceID, experimentKey)
}

// Get returns a cached definition, checking L1 before Redis
func (c *DefinitionCache) Get(ctx context.Context, workspaceID int64, experimentKey string) (*Definition, bool) {
	key := definitionCacheKey(workspaceID, experimentKey)

	if def, ok := c.l1.Get(key); ok {
		c.hit("l1")
		return def, true
	}
	c.miss("l1")

	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.miss("redis")
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Debug("definition cache redis read failed")
		c.miss("redis")
		return nil, false
	}

	var def Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		// Corrupt entry; drop it rather than serve garbage.
		c.redis.Del(ctx, key)
		c.miss("redis")
		return nil, false
	}

	c.hit("redis")
	c.l1.Add(key, &def)
	return &def, true
}

// Set stores a definition in both layers
func (c *DefinitionCache) Set(ctx context.Context, def *Definition) {
	if def == nil || def.Experiment == nil {
		return
	}
	key := definitionCacheKey(def.Experiment.WorkspaceID, def.Experiment.Key)

	c.l1.Add(key, def)

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(def)
	if err != nil {
		c.logger.WithError(err).Debug("definition cache marshal failed")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("definition cache redis write failed")
	}
}

// Invalidate removes a definition from both layers
func (c *DefinitionCache) Invalidate(ctx context.Context, workspaceID int64, experimentKey string) {
	key := definitionCacheKey(workspaceID, experimentKey)

	c.l1.Remove(key)

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.WithError(err).Debug("definition cache redis invalidation failed")
	}
}

func (c *DefinitionCache) hit(layer string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(layer).Inc()
	}
}

func (c *DefinitionCache) miss(layer string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(layer).Inc()
	}
}
