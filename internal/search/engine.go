// Package search implements the match engine: it plans a query against the
// suffix index, verifies candidate lines with the full regex, applies
// file/tree filters, and emits ordered results with context and stats.
package search

import (
	"context"
	"log/slog"
	"regexp"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/internal/index"
	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/internal/query/planner"
	"github.com/calvinfo/livegrep/pkg/errors"
	"github.com/calvinfo/livegrep/pkg/metrics"
)

// Limits bounds a single query's execution.
type Limits struct {
	MatchLimit   int
	Timeout      time.Duration
	ContextLines int
}

// Engine runs searches over a sealed index. It is safe for concurrent use;
// the index is immutable and all per-query state is local.
type Engine struct {
	ix     *index.Index
	limits Limits
	logger *slog.Logger
	mets   *metrics.Metrics
}

// New creates an Engine. mets may be nil.
func New(ix *index.Index, limits Limits, mets *metrics.Metrics) *Engine {
	if limits.ContextLines < 0 {
		limits.ContextLines = 0
	}
	if limits.MatchLimit < 0 {
		limits.MatchLimit = int(^uint(0) >> 1) // negative means unbounded
	}
	return &Engine{
		ix:     ix,
		limits: limits,
		logger: slog.Default().With("component", "match-engine"),
		mets:   mets,
	}
}

// Info describes the loaded index for the Info request.
func (e *Engine) Info(name string) *query.Info {
	cat := e.ix.Catalog()
	info := &query.Info{
		Name:    name,
		Trees:   make([]query.TreeInfo, 0, len(cat.Trees())),
		HasTags: cat.HasTags(),
	}
	for _, t := range cat.Trees() {
		info.Trees = append(info.Trees, query.TreeInfo{
			Name:     t.Name,
			Version:  t.Version,
			Metadata: t.Metadata,
		})
	}
	return info
}

// filters holds the compiled path/tree/tags constraints of one query.
type filters struct {
	file, notFile *regexp.Regexp
	repo, notRepo *regexp.Regexp
	tags, notTags *regexp.Regexp
}

func compileFilters(q *query.Query) (*filters, error) {
	var f filters
	for _, spec := range []struct {
		pat  string
		dst  **regexp.Regexp
		name string
	}{
		{q.File, &f.file, "file"},
		{q.NotFile, &f.notFile, "not_file"},
		{q.Repo, &f.repo, "repo"},
		{q.NotRepo, &f.notRepo, "not_repo"},
		{q.Tags, &f.tags, "tags"},
		{q.NotTags, &f.notTags, "not_tags"},
	} {
		if spec.pat == "" {
			continue
		}
		re, err := regexp.Compile(spec.pat)
		if err != nil {
			return nil, errors.NewQueryError(errors.ErrQuerySyntax, "%s: %s", spec.name, err)
		}
		*spec.dst = re
	}
	return &f, nil
}

// accept applies the filters to one file.
func (f *filters) accept(file *corpus.File, tree *corpus.Tree) bool {
	if f.file != nil && !f.file.MatchString(file.Path) {
		return false
	}
	if f.notFile != nil && f.notFile.MatchString(file.Path) {
		return false
	}
	if f.repo != nil && !f.repo.MatchString(tree.Name) {
		return false
	}
	if f.notRepo != nil && f.notRepo.MatchString(tree.Name) {
		return false
	}
	if f.tags != nil && !f.tags.MatchString(tree.Metadata["tags"]) {
		return false
	}
	if f.notTags != nil && tree.Metadata["tags"] != "" && f.notTags.MatchString(tree.Metadata["tags"]) {
		return false
	}
	return true
}

// atomicStats accumulates phase timings (microseconds) across workers.
type atomicStats struct {
	re2, idx, srt, analyze, git atomic.Int64
}

// Search runs the full pipeline for one query. Recoverable errors
// (QuerySyntax, QueryTooComplex) are returned for in-band reporting.
func (e *Engine) Search(ctx context.Context, q *query.Query) (*query.CodeSearchResult, error) {
	var st atomicStats

	re2Start := time.Now()
	compiled, err := planner.Analyze(q.Line, q.FoldCase)
	if err != nil {
		return nil, err
	}
	flt, err := compileFilters(q)
	if err != nil {
		return nil, err
	}
	st.re2.Add(time.Since(re2Start).Microseconds())

	if e.limits.MatchLimit == 0 {
		return &query.CodeSearchResult{
			Stats:   e.reduceStats(&st, query.ExitMatchLimit),
			Results: []query.SearchResult{},
		}, nil
	}

	if e.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.Timeout)
		defer cancel()
	}

	var matched atomic.Int64
	var limitHit atomic.Bool
	perChunk := make([][]query.SearchResult, e.ix.Chunks())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for ci := 0; ci < e.ix.Chunks(); ci++ {
		g.Go(func() error {
			perChunk[ci] = e.matchChunk(gctx, ci, compiled, flt, &st, &matched, &limitHit)
			return nil
		})
	}
	g.Wait()

	sortStart := time.Now()
	results := make([]query.SearchResult, 0)
	for _, rs := range perChunk {
		results = append(results, rs...)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.Tree != b.Tree {
			return a.Tree < b.Tree
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.LineNumber < b.LineNumber
	})
	if len(results) >= e.limits.MatchLimit {
		results = results[:e.limits.MatchLimit]
		limitHit.Store(true)
	}
	st.srt.Add(time.Since(sortStart).Microseconds())

	exit := query.ExitNone
	switch {
	case limitHit.Load():
		exit = query.ExitMatchLimit
	case ctx.Err() == context.DeadlineExceeded:
		exit = query.ExitTimeout
	case ctx.Err() != nil:
		exit = query.ExitCancelled
	}

	e.logger.Debug("query executed",
		"line", q.Line,
		"results", len(results),
		"exit_reason", exit,
	)
	return &query.CodeSearchResult{
		Stats:   e.reduceStats(&st, exit),
		Results: results,
	}, nil
}

// candidate is one (content, line) pair awaiting verification.
type candidate struct {
	content corpus.ContentID
	line    int
}

// matchChunk runs locate, coalesce, verify, filter, and context assembly
// for a single chunk.
func (e *Engine) matchChunk(
	ctx context.Context,
	ci int,
	compiled *planner.Compiled,
	flt *filters,
	st *atomicStats,
	matched *atomic.Int64,
	limitHit *atomic.Bool,
) []query.SearchResult {
	cat := e.ix.Catalog()
	chunk := cat.Chunks()[ci]

	var cands []candidate
	if compiled.Plan.FullScan {
		for _, sp := range chunk.Spans {
			content := cat.Content(sp.Content)
			for line := 1; line <= content.Lines(); line++ {
				cands = append(cands, candidate{content: content.ID, line: line})
			}
		}
	} else {
		idxStart := time.Now()
		seen := make(map[candidate]struct{})
		for _, lit := range compiled.Plan.Literals {
			lo, hi := e.ix.LookupRange(ci, lit)
			suf := e.ix.Suffixes(ci)
			for k := lo; k < hi; k++ {
				content, line := e.ix.Resolve(ci, suf.At(k))
				if content == nil {
					continue
				}
				seen[candidate{content: content.ID, line: line}] = struct{}{}
			}
		}
		cands = make([]candidate, 0, len(seen))
		for c := range seen {
			cands = append(cands, c)
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].content != cands[j].content {
				return cands[i].content < cands[j].content
			}
			return cands[i].line < cands[j].line
		})
		st.idx.Add(time.Since(idxStart).Microseconds())
	}

	var out []query.SearchResult
	for _, cand := range cands {
		if ctx.Err() != nil || limitHit.Load() {
			break
		}
		content := cat.Content(cand.content)

		analyzeStart := time.Now()
		lineBytes := content.LineBytes(chunk, cand.line)
		loc := compiled.Re.FindIndex(lineBytes)
		if loc == nil {
			st.analyze.Add(time.Since(analyzeStart).Microseconds())
			continue
		}

		var accepted []*corpus.File
		for _, fid := range content.Files {
			file := cat.File(fid)
			if flt.accept(file, cat.Tree(file.Tree)) {
				accepted = append(accepted, file)
			}
		}
		st.analyze.Add(time.Since(analyzeStart).Microseconds())
		if len(accepted) == 0 {
			continue
		}

		gitStart := time.Now()
		before, after := e.contextLines(chunk, content, cand.line)
		st.git.Add(time.Since(gitStart).Microseconds())

		for _, file := range accepted {
			if matched.Add(1) > int64(e.limits.MatchLimit) {
				limitHit.Store(true)
				break
			}
			tree := cat.Tree(file.Tree)
			out = append(out, query.SearchResult{
				Tree:          tree.Name,
				Version:       tree.Version,
				Path:          file.Path,
				LineNumber:    cand.line,
				ContextBefore: before,
				ContextAfter:  after,
				Bounds:        query.Bounds{Left: loc[0], Right: loc[1]},
				Line:          string(lineBytes),
			})
		}
	}
	return out
}

// contextLines fetches up to ContextLines lines on each side of line from
// the same content.
func (e *Engine) contextLines(chunk *corpus.Chunk, content *corpus.Content, line int) (before, after []string) {
	k := e.limits.ContextLines
	if k == 0 {
		return nil, nil
	}
	for l := line - k; l < line; l++ {
		if l >= 1 {
			before = append(before, string(content.LineBytes(chunk, l)))
		}
	}
	for l := line + 1; l <= line+k && l <= content.Lines(); l++ {
		after = append(after, string(content.LineBytes(chunk, l)))
	}
	return before, after
}

func (e *Engine) reduceStats(st *atomicStats, exit query.ExitReason) query.SearchStats {
	out := query.SearchStats{
		RE2Time:     st.re2.Load(),
		IndexTime:   st.idx.Load(),
		SortTime:    st.srt.Load(),
		AnalyzeTime: st.analyze.Load(),
		GitTime:     st.git.Load(),
		ExitReason:  exit,
	}
	if e.mets != nil {
		e.mets.QueriesTotal.WithLabelValues(string(exit)).Inc()
		e.mets.QueryPhaseTime.WithLabelValues("re2").Observe(float64(out.RE2Time) / 1e6)
		e.mets.QueryPhaseTime.WithLabelValues("index").Observe(float64(out.IndexTime) / 1e6)
		e.mets.QueryPhaseTime.WithLabelValues("sort").Observe(float64(out.SortTime) / 1e6)
		e.mets.QueryPhaseTime.WithLabelValues("analyze").Observe(float64(out.AnalyzeTime) / 1e6)
		e.mets.QueryPhaseTime.WithLabelValues("git").Observe(float64(out.GitTime) / 1e6)
	}
	return out
}
