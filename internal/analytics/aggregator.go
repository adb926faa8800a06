package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/pkg/kafka"
)

// AggregatedStats is a point-in-time summary of the query stream.
type AggregatedStats struct {
	TotalQueries     int64        `json:"total_queries"`
	CacheHits        int64        `json:"cache_hits"`
	ZeroResultCount  int64        `json:"zero_result_count"`
	TimeoutCount     int64        `json:"timeout_count"`
	MatchLimitCount  int64        `json:"match_limit_count"`
	ErrorCount       int64        `json:"error_count"`
	AvgLatencyMs     float64      `json:"avg_latency_ms"`
	P50LatencyMs     int64        `json:"p50_latency_ms"`
	P95LatencyMs     int64        `json:"p95_latency_ms"`
	P99LatencyMs     int64        `json:"p99_latency_ms"`
	TopQueries       []QueryCount `json:"top_queries"`
	QueriesPerMinute float64      `json:"queries_per_minute"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator consumes query events and keeps running statistics.
type Aggregator struct {
	mu           sync.RWMutex
	totalQueries atomic.Int64
	cacheHits    atomic.Int64
	zeroResults  atomic.Int64
	timeouts     atomic.Int64
	matchLimits  atomic.Int64
	errors       atomic.Int64
	latencies    []int64
	queryCounts  map[string]int64
	startTime    time.Time
	logger       *slog.Logger
}

// NewAggregator creates an empty Aggregator; feed it by registering
// HandleEvent with a kafka consumer.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, 10000),
		queryCounts: make(map[string]int64),
		startTime:   time.Now(),
		logger:      slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent returns the kafka handler that feeds agg.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[QueryEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// Record folds one event into the running stats.
func (a *Aggregator) Record(event QueryEvent) {
	a.totalQueries.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	}
	if event.Results == 0 {
		a.zeroResults.Add(1)
	}
	switch event.ExitReason {
	case query.ExitTimeout:
		a.timeouts.Add(1)
	case query.ExitMatchLimit:
		a.matchLimits.Add(1)
	}
	if event.Type == EventError {
		a.errors.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	if len(a.latencies) > cap(a.latencies) {
		a.latencies = a.latencies[len(a.latencies)-cap(a.latencies):]
	}
	a.queryCounts[event.Line]++
	a.mu.Unlock()
}

// Stats snapshots the current aggregates.
func (a *Aggregator) Stats() AggregatedStats {
	stats := AggregatedStats{
		TotalQueries:    a.totalQueries.Load(),
		CacheHits:       a.cacheHits.Load(),
		ZeroResultCount: a.zeroResults.Load(),
		TimeoutCount:    a.timeouts.Load(),
		MatchLimitCount: a.matchLimits.Load(),
		ErrorCount:      a.errors.Load(),
	}

	a.mu.RLock()
	latencies := make([]int64, len(a.latencies))
	copy(latencies, a.latencies)
	counts := make([]QueryCount, 0, len(a.queryCounts))
	for q, n := range a.queryCounts {
		counts = append(counts, QueryCount{Query: q, Count: n})
	}
	a.mu.RUnlock()

	if len(latencies) > 0 {
		var sum int64
		for _, l := range latencies {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(latencies))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		stats.P50LatencyMs = latencies[len(latencies)*50/100]
		stats.P95LatencyMs = latencies[min(len(latencies)*95/100, len(latencies)-1)]
		stats.P99LatencyMs = latencies[min(len(latencies)*99/100, len(latencies)-1)]
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Query < counts[j].Query
	})
	if len(counts) > 10 {
		counts = counts[:10]
	}
	stats.TopQueries = counts

	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}
