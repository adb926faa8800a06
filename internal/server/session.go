package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/calvinfo/livegrep/internal/analytics"
	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/internal/search"
	"github.com/calvinfo/livegrep/internal/search/cache"
	"github.com/calvinfo/livegrep/pkg/errors"
	"github.com/calvinfo/livegrep/pkg/logger"
	"github.com/calvinfo/livegrep/pkg/metrics"
)

// Session runs the request/response loop for one client. Recoverable
// query errors are reported in-band and the loop continues; transport
// errors end only this session.
type Session struct {
	id        string
	engine    *search.Engine
	cache     *cache.QueryCache
	collector *analytics.Collector
	gate      *semaphore.Weighted
	pres      Presenter
	info      *query.Info
	quiet     bool
	logger    *slog.Logger
	mets      *metrics.Metrics
}

// Run loops until the client disconnects or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	if s.mets != nil {
		s.mets.SessionsActive.Inc()
		defer s.mets.SessionsActive.Dec()
	}
	s.logger.Debug("session started")
	for {
		if ctx.Err() != nil {
			return
		}
		s.pres.PrintPrompt(s.info)
		req, err := s.pres.ReadQuery()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("session read error", "error", err)
			}
			return
		}
		switch req.Op {
		case "info":
			s.pres.PrintInfo(s.info)
		case "query":
			s.execute(ctx, req.Query)
		}
	}
}

func (s *Session) execute(ctx context.Context, q *query.Query) {
	if q.Line == "" {
		s.pres.PrintError("query has no line regex")
		return
	}
	ctx = logger.WithQueryID(ctx, fmt.Sprintf("%s-%d", s.id, time.Now().UnixNano()))

	if err := s.gate.Acquire(ctx, 1); err != nil {
		s.pres.PrintError("server shutting down")
		return
	}
	if s.mets != nil {
		s.mets.QueriesInFlight.Inc()
	}
	start := time.Now()
	result, cacheHit, err := s.search(ctx, q)
	elapsed := time.Since(start)
	if s.mets != nil {
		s.mets.QueriesInFlight.Dec()
		s.mets.QueryLatency.Observe(elapsed.Seconds())
	}
	s.gate.Release(1)

	if err != nil {
		if !errors.IsRecoverable(err) {
			s.logger.Error("query failed", "line", q.Line, "error", err)
		}
		s.pres.PrintError(errors.UserMessage(err))
		s.collector.Track(analytics.QueryEvent{
			Type:      analytics.EventError,
			Line:      q.Line,
			File:      q.File,
			Repo:      q.Repo,
			FoldCase:  q.FoldCase,
			LatencyMs: elapsed.Milliseconds(),
			Timestamp: time.Now().UTC(),
			SessionID: s.id,
		})
		return
	}

	if s.mets != nil {
		s.mets.ResultsCount.Observe(float64(len(result.Results)))
		if s.cache != nil {
			if cacheHit {
				s.mets.CacheHitsTotal.Inc()
			} else {
				s.mets.CacheMissesTotal.Inc()
			}
		}
	}
	if !s.quiet {
		for i := range result.Results {
			s.pres.PrintResult(&result.Results[i])
		}
	}
	s.pres.PrintStats(&result.Stats)

	eventType := analytics.EventQuery
	if len(result.Results) == 0 {
		eventType = analytics.EventZeroResult
	}
	s.collector.Track(analytics.QueryEvent{
		Type:       eventType,
		Line:       q.Line,
		File:       q.File,
		Repo:       q.Repo,
		FoldCase:   q.FoldCase,
		Results:    len(result.Results),
		ExitReason: result.Stats.ExitReason,
		CacheHit:   cacheHit,
		LatencyMs:  elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
		SessionID:  s.id,
	})
}

func (s *Session) search(ctx context.Context, q *query.Query) (*query.CodeSearchResult, bool, error) {
	if s.cache == nil {
		result, err := s.engine.Search(ctx, q)
		return result, false, err
	}
	return s.cache.GetOrCompute(ctx, q, func() (*query.CodeSearchResult, error) {
		return s.engine.Search(ctx, q)
	})
}
