// Package cache provides an optional Redis-backed query-result cache. The
// index is immutable after finalize, so entries never need invalidation and
// expire only by TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/pkg/config"
	pkgredis "github.com/calvinfo/livegrep/pkg/redis"
	"github.com/calvinfo/livegrep/pkg/resilience"
)

const keyPrefix = "codesearch:"

// QueryCache caches CodeSearchResults keyed by the full query. Redis
// failures trip a circuit breaker so a dead cache degrades to computing
// every query instead of stalling them.
type QueryCache struct {
	client  *pkgredis.Client
	cfg     config.RedisConfig
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a QueryCache over an established Redis client.
func New(client *pkgredis.Client, cfg config.RedisConfig) *QueryCache {
	return &QueryCache{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("query-cache", resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Get returns the cached result for q, if present.
func (c *QueryCache) Get(ctx context.Context, q *query.Query) (*query.CodeSearchResult, bool) {
	key := c.buildKey(q)
	var data string
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return nil // a miss is not a cache failure
		}
		return err
	})
	if err != nil || data == "" {
		if err != nil {
			c.logger.Debug("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var result query.CodeSearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &result, true
}

// Set stores a result under q's key with the configured TTL.
func (c *QueryCache) Set(ctx context.Context, q *query.Query, result *query.CodeSearchResult) {
	key := c.buildKey(q)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.client.Set(ctx, key, data, c.cfg.CacheTTL)
	})
	if err != nil {
		c.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q, or runs computeFn exactly
// once per key across concurrent callers and caches its result. The bool
// reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q *query.Query,
	computeFn func() (*query.CodeSearchResult, error),
) (*query.CodeSearchResult, bool, error) {
	if result, ok := c.Get(ctx, q); ok {
		return result, true, nil
	}
	key := c.buildKey(q)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.Get(ctx, q); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, q, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*query.CodeSearchResult), false, nil
}

// Stats returns hit and miss counts.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey hashes the canonical JSON form of the query. Every field that
// changes the result set participates.
func (c *QueryCache) buildKey(q *query.Query) string {
	raw, _ := json.Marshal(q)
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
