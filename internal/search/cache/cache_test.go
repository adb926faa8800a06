// Integration tests for the Redis query cache. They require a reachable
// Redis and are skipped unless CS_REDIS_ADDR is set:
//
//	CS_REDIS_ADDR=localhost:6379 go test ./internal/search/cache/
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/pkg/config"
	pkgredis "github.com/calvinfo/livegrep/pkg/redis"
)

func testCache(t *testing.T) *QueryCache {
	t.Helper()
	addr := os.Getenv("CS_REDIS_ADDR")
	if addr == "" {
		t.Skip("CS_REDIS_ADDR not set; skipping redis integration test")
	}
	cfg := config.RedisConfig{Addr: addr, PoolSize: 2, CacheTTL: 10 * time.Second}
	client, err := pkgredis.NewClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return New(client, cfg)
}

func TestCacheRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	q := &query.Query{Line: fmt.Sprintf("cache round trip %d", time.Now().UnixNano()), File: `\.go$`}

	if _, ok := c.Get(ctx, q); ok {
		t.Fatal("unexpected hit before set")
	}
	want := &query.CodeSearchResult{
		Stats: query.SearchStats{ExitReason: query.ExitNone, RE2Time: 7},
		Results: []query.SearchResult{{
			Tree: "r", Version: "v1", Path: "a.go", LineNumber: 3, Line: "cache round trip",
		}},
	}
	c.Set(ctx, q, want)
	got, ok := c.Get(ctx, q)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(got.Results) != 1 || got.Results[0].Path != "a.go" {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetOrComputeSingleflight(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	q := &query.Query{Line: fmt.Sprintf("compute once %d", time.Now().UnixNano()), FoldCase: true}

	calls := 0
	compute := func() (*query.CodeSearchResult, error) {
		calls++
		return &query.CodeSearchResult{Results: []query.SearchResult{}}, nil
	}
	if _, hit, err := c.GetOrCompute(ctx, q, compute); err != nil || hit {
		t.Fatalf("first: hit=%v err=%v", hit, err)
	}
	if _, hit, err := c.GetOrCompute(ctx, q, compute); err != nil || !hit {
		t.Fatalf("second: hit=%v err=%v", hit, err)
	}
	if calls != 1 {
		t.Fatalf("compute calls = %d, want 1", calls)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	c := testCache(t)
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute(context.Background(),
		&query.Query{Line: "erroring query"},
		func() (*query.CodeSearchResult, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
