package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/calvinfo/livegrep/internal/query"
)

// Request is one parsed client request.
type Request struct {
	Op    string       // "query" or "info"
	Query *query.Query // set when Op == "query"
}

// Presenter is the presentation capability: it reads structured queries
// and renders results, stats, and errors. Two variants exist, CLI and
// JSON; the core never depends on which is active.
type Presenter interface {
	PrintPrompt(info *query.Info)
	ReadQuery() (*Request, error)
	PrintResult(r *query.SearchResult)
	PrintStats(st *query.SearchStats)
	PrintError(msg string)
	PrintInfo(info *query.Info)
}

// ---------------------------------------------------------------------------
// CLI
// ---------------------------------------------------------------------------

// cliPresenter speaks a human line protocol: one query per line, with
// optional `file:`, `tree:`, `tags:` (and negated `-` forms) prefix terms
// and a `fold:` marker; the remaining tokens joined by single spaces form
// the line regex. The bare word `info` requests index info.
type cliPresenter struct {
	in  *bufio.Scanner
	out *bufio.Writer
}

// NewCLIPresenter creates the CLI presenter over a connection or stdio
// pair.
func NewCLIPresenter(r io.Reader, w io.Writer) Presenter {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &cliPresenter{in: sc, out: bufio.NewWriter(w)}
}

func (p *cliPresenter) PrintPrompt(info *query.Info) {
	fmt.Fprintf(p.out, "%s> ", info.Name)
	p.out.Flush()
}

func (p *cliPresenter) ReadQuery() (*Request, error) {
	for {
		if !p.in.Scan() {
			if err := p.in.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(p.in.Text())
		if line == "" {
			continue
		}
		if line == "info" {
			return &Request{Op: "info"}, nil
		}
		return &Request{Op: "query", Query: parseCLIQuery(line)}, nil
	}
}

func parseCLIQuery(line string) *query.Query {
	q := &query.Query{}
	var rest []string
	for _, tok := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(tok, "file:"):
			q.File = tok[len("file:"):]
		case strings.HasPrefix(tok, "-file:"):
			q.NotFile = tok[len("-file:"):]
		case strings.HasPrefix(tok, "tree:"):
			q.Repo = tok[len("tree:"):]
		case strings.HasPrefix(tok, "-tree:"):
			q.NotRepo = tok[len("-tree:"):]
		case strings.HasPrefix(tok, "repo:"):
			q.Repo = tok[len("repo:"):]
		case strings.HasPrefix(tok, "tags:"):
			q.Tags = tok[len("tags:"):]
		case strings.HasPrefix(tok, "-tags:"):
			q.NotTags = tok[len("-tags:"):]
		case tok == "fold:":
			q.FoldCase = true
		default:
			rest = append(rest, tok)
		}
	}
	q.Line = strings.Join(rest, " ")
	return q
}

func (p *cliPresenter) PrintResult(r *query.SearchResult) {
	base := r.LineNumber - len(r.ContextBefore)
	for i, line := range r.ContextBefore {
		fmt.Fprintf(p.out, "%s:%s-%d- %s\n", r.Tree, r.Path, base+i, line)
	}
	fmt.Fprintf(p.out, "%s:%s:%d: %s\n", r.Tree, r.Path, r.LineNumber, r.Line)
	for i, line := range r.ContextAfter {
		fmt.Fprintf(p.out, "%s:%s-%d- %s\n", r.Tree, r.Path, r.LineNumber+1+i, line)
	}
	p.out.Flush()
}

func (p *cliPresenter) PrintStats(st *query.SearchStats) {
	fmt.Fprintf(p.out, "exit: %s re2: %dus index: %dus sort: %dus analyze: %dus git: %dus\n",
		st.ExitReason, st.RE2Time, st.IndexTime, st.SortTime, st.AnalyzeTime, st.GitTime)
	p.out.Flush()
}

func (p *cliPresenter) PrintError(msg string) {
	fmt.Fprintf(p.out, "Error: %s\n", msg)
	p.out.Flush()
}

func (p *cliPresenter) PrintInfo(info *query.Info) {
	fmt.Fprintf(p.out, "index: %s\n", info.Name)
	for _, t := range info.Trees {
		fmt.Fprintf(p.out, "  %s@%s\n", t.Name, t.Version)
	}
	fmt.Fprintf(p.out, "tags: %v\n", info.HasTags)
	p.out.Flush()
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// envelope frames every JSON message in both directions.
type envelope struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// jsonPresenter speaks newline-delimited JSON. Requests are
// {"op":"query","body":{...}} or {"op":"info"}; responses stream one
// {"op":"match"} object per result followed by {"op":"done"} carrying the
// stats. Errors arrive as {"op":"error"}.
type jsonPresenter struct {
	dec *json.Decoder
	enc *json.Encoder
}

// NewJSONPresenter creates the JSON presenter.
func NewJSONPresenter(r io.Reader, w io.Writer) Presenter {
	return &jsonPresenter{
		dec: json.NewDecoder(r),
		enc: json.NewEncoder(w),
	}
}

func (p *jsonPresenter) PrintPrompt(info *query.Info) {}

func (p *jsonPresenter) ReadQuery() (*Request, error) {
	var env envelope
	if err := p.dec.Decode(&env); err != nil {
		return nil, err
	}
	switch env.Op {
	case "info":
		return &Request{Op: "info"}, nil
	case "query":
		var q query.Query
		if len(env.Body) > 0 {
			if err := json.Unmarshal(env.Body, &q); err != nil {
				return nil, fmt.Errorf("malformed query body: %w", err)
			}
		}
		return &Request{Op: "query", Query: &q}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", env.Op)
	}
}

func (p *jsonPresenter) send(op string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	p.enc.Encode(envelope{Op: op, Body: raw})
}

func (p *jsonPresenter) PrintResult(r *query.SearchResult) { p.send("match", r) }

func (p *jsonPresenter) PrintStats(st *query.SearchStats) { p.send("done", st) }

func (p *jsonPresenter) PrintError(msg string) {
	p.send("error", map[string]string{"error": msg})
}

func (p *jsonPresenter) PrintInfo(info *query.Info) { p.send("info", info) }
