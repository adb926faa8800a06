package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calvinfo/livegrep/internal/alloc"
	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/internal/index"
	"github.com/calvinfo/livegrep/internal/query"
	"github.com/calvinfo/livegrep/pkg/errors"
)

type treeSpec struct {
	name     string
	version  string
	metadata map[string]string
	files    map[string]string
}

func buildEngine(t *testing.T, limits Limits, trees ...treeSpec) *Engine {
	t.Helper()
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{})
	for _, ts := range trees {
		tid, err := cat.AddTree(ts.name, ts.version, ts.metadata)
		if err != nil {
			t.Fatalf("AddTree %s: %v", ts.name, err)
		}
		paths := make([]string, 0, len(ts.files))
		for p := range ts.files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			if _, err := cat.AddFile(tid, p, []byte(ts.files[p])); err != nil {
				t.Fatalf("AddFile %s: %v", p, err)
			}
		}
	}
	ix, err := index.Finalize(context.Background(), cat)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if limits.MatchLimit == 0 && limits.Timeout == 0 && limits.ContextLines == 0 {
		limits = Limits{MatchLimit: 50, ContextLines: 3}
	}
	return New(ix, limits, nil)
}

func search(t *testing.T, e *Engine, q *query.Query) *query.CodeSearchResult {
	t.Helper()
	result, err := e.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search(%+v): %v", q, err)
	}
	return result
}

func TestSingleFileLiteral(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"a.txt": "hello\nworld\nhello world\n"},
	})
	result := search(t, e, &query.Query{Line: "hello"})
	if len(result.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(result.Results))
	}
	first, second := result.Results[0], result.Results[1]
	if first.LineNumber != 1 || first.Line != "hello" {
		t.Errorf("first = %d %q, want 1 hello", first.LineNumber, first.Line)
	}
	if second.LineNumber != 3 || second.Line != "hello world" {
		t.Errorf("second = %d %q, want 3 'hello world'", second.LineNumber, second.Line)
	}
	if second.Bounds != (query.Bounds{Left: 0, Right: 5}) {
		t.Errorf("bounds = %+v, want {0 5}", second.Bounds)
	}
	if result.Stats.ExitReason != query.ExitNone {
		t.Errorf("exit reason = %s, want NONE", result.Stats.ExitReason)
	}
}

func TestPathFilter(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"a.c": "foo\n", "b.py": "foo\n"},
	})
	result := search(t, e, &query.Query{Line: "foo", File: `\.c$`})
	if len(result.Results) != 1 || result.Results[0].Path != "a.c" {
		t.Fatalf("results = %+v, want one hit in a.c", result.Results)
	}
	result = search(t, e, &query.Query{Line: "foo", NotFile: `\.c$`})
	if len(result.Results) != 1 || result.Results[0].Path != "b.py" {
		t.Fatalf("not_file results = %+v, want one hit in b.py", result.Results)
	}
}

func TestFoldCase(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"x": "Foo\nFOO\nbar\n"},
	})
	result := search(t, e, &query.Query{Line: "foo", FoldCase: true})
	if len(result.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(result.Results))
	}
	if result.Results[0].LineNumber != 1 || result.Results[1].LineNumber != 2 {
		t.Fatalf("lines = %d,%d, want 1,2",
			result.Results[0].LineNumber, result.Results[1].LineNumber)
	}
	// Without folding only exact case matches.
	result = search(t, e, &query.Query{Line: "foo"})
	if len(result.Results) != 0 {
		t.Fatalf("exact-case results = %d, want 0", len(result.Results))
	}
}

func TestMatchLimit(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		sb.WriteString("xx\n")
	}
	e := buildEngine(t, Limits{MatchLimit: 10}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"y": sb.String()},
	})
	result := search(t, e, &query.Query{Line: "xx"})
	if len(result.Results) != 10 {
		t.Fatalf("results = %d, want 10", len(result.Results))
	}
	if result.Stats.ExitReason != query.ExitMatchLimit {
		t.Fatalf("exit reason = %s, want MATCH_LIMIT", result.Stats.ExitReason)
	}
}

func TestMatchLimitZero(t *testing.T) {
	e := buildEngine(t, Limits{MatchLimit: -1}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"y": "xx\n"},
	})
	e.limits.MatchLimit = 0
	result := search(t, e, &query.Query{Line: "xx"})
	if len(result.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(result.Results))
	}
	if result.Stats.ExitReason != query.ExitMatchLimit {
		t.Fatalf("exit reason = %s, want MATCH_LIMIT", result.Stats.ExitReason)
	}
}

func TestComplexRegexRejected(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"a": "x\n"},
	})
	_, err := e.Search(context.Background(), &query.Query{Line: "(abcdefghij){1000}"})
	if !errors.Is(err, errors.ErrQueryTooComplex) {
		t.Fatalf("expected ErrQueryTooComplex, got %v", err)
	}
	if !errors.IsRecoverable(err) {
		t.Fatal("planner rejection must be recoverable")
	}
	// The engine stays usable after a rejected query.
	result := search(t, e, &query.Query{Line: "x"})
	if len(result.Results) != 1 {
		t.Fatalf("results after rejection = %d, want 1", len(result.Results))
	}
}

func TestEmptyCorpus(t *testing.T) {
	e := buildEngine(t, Limits{MatchLimit: 50})
	result := search(t, e, &query.Query{Line: "anything"})
	if len(result.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(result.Results))
	}
	if result.Stats.ExitReason != query.ExitNone {
		t.Fatalf("exit reason = %s, want NONE", result.Stats.ExitReason)
	}
	if result.Stats.RE2Time < 0 || result.Stats.IndexTime < 0 {
		t.Fatal("negative elapsed stats")
	}
}

func TestMatchAtFileBoundaries(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"f": "start\nmiddle\nend"},
	})
	result := search(t, e, &query.Query{Line: "start"})
	if len(result.Results) != 1 || result.Results[0].LineNumber != 1 {
		t.Fatalf("start match = %+v", result.Results)
	}
	if result.Results[0].Bounds.Left != 0 {
		t.Fatalf("start bounds = %+v", result.Results[0].Bounds)
	}
	result = search(t, e, &query.Query{Line: "end"})
	if len(result.Results) != 1 || result.Results[0].LineNumber != 3 {
		t.Fatalf("end match = %+v", result.Results)
	}
	if result.Results[0].Line != "end" {
		t.Fatalf("end line = %q", result.Results[0].Line)
	}
}

func TestTreeFilter(t *testing.T) {
	e := buildEngine(t, Limits{},
		treeSpec{name: "alpha", version: "v1", files: map[string]string{"f": "needle\n"}},
		treeSpec{name: "beta", version: "v1", files: map[string]string{"g": "needle here\n"}},
	)
	result := search(t, e, &query.Query{Line: "needle", Repo: "^alpha$"})
	if len(result.Results) != 1 || result.Results[0].Tree != "alpha" {
		t.Fatalf("repo filter results = %+v", result.Results)
	}
	result = search(t, e, &query.Query{Line: "needle", NotRepo: "^alpha$"})
	if len(result.Results) != 1 || result.Results[0].Tree != "beta" {
		t.Fatalf("not_repo filter results = %+v", result.Results)
	}
}

func TestTagsFilter(t *testing.T) {
	e := buildEngine(t, Limits{},
		treeSpec{name: "tagged", version: "v1",
			metadata: map[string]string{"tags": "release"},
			files:    map[string]string{"f": "needle\n"}},
		treeSpec{name: "plain", version: "v1",
			files: map[string]string{"g": "needle\n"}},
	)
	result := search(t, e, &query.Query{Line: "needle", Tags: "release"})
	if len(result.Results) != 1 || result.Results[0].Tree != "tagged" {
		t.Fatalf("tags filter results = %+v", result.Results)
	}
}

func TestDedupEmitsAllFiles(t *testing.T) {
	// Identical bytes under two trees: one content, but a match must be
	// reported for every file sharing it.
	shared := "common line\n"
	e := buildEngine(t, Limits{},
		treeSpec{name: "r1", version: "v1", files: map[string]string{"a": shared}},
		treeSpec{name: "r2", version: "v1", files: map[string]string{"b": shared}},
	)
	result := search(t, e, &query.Query{Line: "common"})
	if len(result.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(result.Results))
	}
	if result.Results[0].Tree != "r1" || result.Results[1].Tree != "r2" {
		t.Fatalf("ordering = %s,%s, want r1,r2",
			result.Results[0].Tree, result.Results[1].Tree)
	}
}

func TestResultOrdering(t *testing.T) {
	e := buildEngine(t, Limits{},
		treeSpec{name: "b-tree", version: "v1", files: map[string]string{
			"z.txt": "match\n",
			"a.txt": "x\nmatch\nmatch\n",
		}},
		treeSpec{name: "a-tree", version: "v1", files: map[string]string{
			"q.txt": "match\n",
		}},
	)
	result := search(t, e, &query.Query{Line: "match"})
	var got []string
	for _, r := range result.Results {
		got = append(got, fmt.Sprintf("%s/%s:%d", r.Tree, r.Path, r.LineNumber))
	}
	want := []string{
		"a-tree/q.txt:1",
		"b-tree/a.txt:2",
		"b-tree/a.txt:3",
		"b-tree/z.txt:1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ordering = %v, want %v", got, want)
	}
}

func TestContextLines(t *testing.T) {
	e := buildEngine(t, Limits{MatchLimit: 50, ContextLines: 2}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"f": "l1\nl2\nl3\nneedle\nl5\nl6\nl7\n"},
	})
	result := search(t, e, &query.Query{Line: "needle"})
	if len(result.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(result.Results))
	}
	r := result.Results[0]
	if !reflect.DeepEqual(r.ContextBefore, []string{"l2", "l3"}) {
		t.Fatalf("before = %v", r.ContextBefore)
	}
	if !reflect.DeepEqual(r.ContextAfter, []string{"l5", "l6"}) {
		t.Fatalf("after = %v", r.ContextAfter)
	}
}

func TestFullScanQuery(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"f": "alpha\nbeta42\ngamma\n"},
	})
	// "[0-9]+" extracts no literal and falls back to scanning every line.
	result := search(t, e, &query.Query{Line: "[0-9]+"})
	if len(result.Results) != 1 || result.Results[0].LineNumber != 2 {
		t.Fatalf("full scan results = %+v", result.Results)
	}
}

func TestCancelledContext(t *testing.T) {
	e := buildEngine(t, Limits{}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"f": "needle\n"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := e.Search(ctx, &query.Query{Line: "needle"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Stats.ExitReason != query.ExitCancelled {
		t.Fatalf("exit reason = %s, want CANCELLED", result.Stats.ExitReason)
	}
}

func TestDeadlineExceeded(t *testing.T) {
	e := buildEngine(t, Limits{MatchLimit: 50, Timeout: time.Nanosecond}, treeSpec{
		name: "r", version: "v1",
		files: map[string]string{"f": "needle\n"},
	})
	time.Sleep(time.Millisecond)
	result, err := e.Search(context.Background(), &query.Query{Line: "needle"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Stats.ExitReason != query.ExitTimeout {
		t.Fatalf("exit reason = %s, want TIMEOUT", result.Stats.ExitReason)
	}
}

// Concurrent identical queries must return identical result sets.
func TestConcurrentQueriesAgree(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("alpha\nneedle %d\nomega\n", i)
	}
	e := buildEngine(t, Limits{MatchLimit: 100, ContextLines: 1}, treeSpec{
		name: "r", version: "v1", files: files,
	})
	baseline := search(t, e, &query.Query{Line: "needle"})

	var wg sync.WaitGroup
	results := make([]*query.CodeSearchResult, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Search(context.Background(), &query.Query{Line: "needle"})
			if err == nil {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if r == nil {
			t.Fatalf("query %d failed", i)
		}
		if !reflect.DeepEqual(r.Results, baseline.Results) {
			t.Fatalf("query %d diverged from baseline", i)
		}
	}
}

// Searching a dumped-and-reloaded index must produce byte-identical
// serialized results.
func TestDumpLoadSearchEquivalence(t *testing.T) {
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{})
	tid, _ := cat.AddTree("r", "v1", map[string]string{"path": "/src/r"})
	for p, data := range map[string]string{
		"main.go": "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n",
		"util.go": "package main\n\nfunc helper() {}\n",
		"doc.md":  "hello docs\n",
	} {
		if _, err := cat.AddFile(tid, p, []byte(data)); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	ix, err := index.Finalize(context.Background(), cat)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	path := filepath.Join(t.TempDir(), "corpus.idx")
	if err := index.WriteFile(ix, path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	loaded, mapped, err := index.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer mapped.Close()

	limits := Limits{MatchLimit: 50, ContextLines: 2}
	built := New(ix, limits, nil)
	reloaded := New(loaded, limits, nil)
	for _, q := range []*query.Query{
		{Line: "hello"},
		{Line: "func \\w+", File: `\.go$`},
		{Line: "hello", FoldCase: true},
		{Line: "[0-9]+"},
	} {
		a := search(t, built, q)
		b := search(t, reloaded, q)
		aj, _ := json.Marshal(a.Results)
		bj, _ := json.Marshal(b.Results)
		if !bytes.Equal(aj, bj) {
			t.Fatalf("query %+v diverged:\n%s\nvs\n%s", q, aj, bj)
		}
	}
}

func BenchmarkSearchLiteral(b *testing.B) {
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{})
	tid, _ := cat.AddTree("r", "v1", nil)
	for i := 0; i < 200; i++ {
		var sb strings.Builder
		for j := 0; j < 100; j++ {
			fmt.Fprintf(&sb, "line %d of file %d with some words\n", j, i)
		}
		if _, err := cat.AddFile(tid, fmt.Sprintf("f%03d.txt", i), []byte(sb.String())); err != nil {
			b.Fatalf("AddFile: %v", err)
		}
	}
	ix, err := index.Finalize(context.Background(), cat)
	if err != nil {
		b.Fatalf("Finalize: %v", err)
	}
	e := New(ix, Limits{MatchLimit: 100}, nil)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Search(context.Background(), &query.Query{Line: "words"}); err != nil {
			b.Fatal(err)
		}
	}
}
