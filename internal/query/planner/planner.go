// Package planner turns a compiled regex into an index-friendly plan: a
// disjunction of literal byte strings such that every match contains at
// least one of them, or a full-scan marker when no literal is required.
// Pathological patterns are rejected by program-size and width bounds
// before any extraction work happens.
package planner

import (
	"regexp"
	"regexp/syntax"
	"unicode"
	"unicode/utf8"

	"github.com/calvinfo/livegrep/pkg/errors"
)

const (
	// MaxProgramSize bounds the compiled regex program.
	MaxProgramSize = 4000
	// MaxWidth bounds the alternation fan-out seen during extraction.
	MaxWidth = 200
)

// Plan is the planner's output. When FullScan is false, Literals is a
// non-empty set of byte strings, at least one of which occurs in every
// line matched by the query regex.
type Plan struct {
	Literals [][]byte
	FullScan bool
}

// Compiled pairs the verification regex with its index plan.
type Compiled struct {
	Re   *regexp.Regexp
	Plan Plan
}

// Analyze parses and bounds-checks pattern, compiles the verification
// regex, and extracts the literal plan. foldCase requests case-independent
// matching; extracted literals are then expanded into their case variants.
func Analyze(pattern string, foldCase bool) (*Compiled, error) {
	flags := syntax.Perl
	if foldCase {
		flags |= syntax.FoldCase
	}
	parsed, err := syntax.Parse(pattern, flags)
	if err != nil {
		return nil, errors.NewQueryError(errors.ErrQuerySyntax, "%s", err)
	}

	prog, err := syntax.Compile(parsed.Simplify())
	if err != nil {
		return nil, errors.NewQueryError(errors.ErrQuerySyntax, "%s", err)
	}
	if len(prog.Inst) > MaxProgramSize {
		return nil, errors.NewQueryError(errors.ErrQueryTooComplex,
			"program size %d exceeds %d", len(prog.Inst), MaxProgramSize)
	}
	if w := width(parsed); w > MaxWidth {
		return nil, errors.NewQueryError(errors.ErrQueryTooComplex,
			"width %d exceeds %d", w, MaxWidth)
	}

	verifier := pattern
	if foldCase {
		verifier = "(?i)" + pattern
	}
	re, err := regexp.Compile(verifier)
	if err != nil {
		return nil, errors.NewQueryError(errors.ErrQuerySyntax, "%s", err)
	}

	lits, ok := extract(parsed)
	plan := Plan{FullScan: !ok || len(lits) == 0}
	if !plan.FullScan {
		plan.Literals = dedupe(lits)
	}
	return &Compiled{Re: re, Plan: plan}, nil
}

// width measures alternation fan-out: alternations add, a character class
// counts its ranges, and everything else passes through the widest child.
func width(re *syntax.Regexp) int {
	switch re.Op {
	case syntax.OpAlternate:
		w := 0
		for _, sub := range re.Sub {
			w += width(sub)
		}
		return w
	case syntax.OpCharClass:
		w := len(re.Rune) / 2
		if w < 1 {
			w = 1
		}
		return w
	case syntax.OpConcat, syntax.OpCapture, syntax.OpStar, syntax.OpPlus,
		syntax.OpQuest, syntax.OpRepeat:
		w := 1
		for _, sub := range re.Sub {
			if sw := width(sub); sw > w {
				w = sw
			}
		}
		return w
	default:
		return 1
	}
}

// extract walks the parse tree and returns a set of literals such that any
// string matching re contains at least one of them. ok is false when the
// node cannot prove a required substring.
func extract(re *syntax.Regexp) ([][]byte, bool) {
	switch re.Op {
	case syntax.OpLiteral:
		return literalVariants(re)
	case syntax.OpConcat:
		// Any child's required set covers the whole concatenation; take
		// the most selective one (longest minimum literal, fewest
		// variants).
		var best [][]byte
		for _, sub := range re.Sub {
			lits, ok := extract(sub)
			if !ok || len(lits) == 0 {
				continue
			}
			if better(lits, best) {
				best = lits
			}
		}
		return best, best != nil
	case syntax.OpAlternate:
		// Every branch must contribute, or no substring is required.
		var union [][]byte
		for _, sub := range re.Sub {
			lits, ok := extract(sub)
			if !ok || len(lits) == 0 {
				return nil, false
			}
			union = append(union, lits...)
			if len(union) > MaxWidth {
				return nil, false
			}
		}
		return union, true
	case syntax.OpPlus:
		return extract(re.Sub[0])
	case syntax.OpRepeat:
		if re.Min >= 1 {
			return extract(re.Sub[0])
		}
		return nil, false
	case syntax.OpCapture:
		return extract(re.Sub[0])
	case syntax.OpCharClass:
		return classVariants(re)
	default:
		// Stars, quests, anchors, any-char, empty: nothing required.
		return nil, false
	}
}

// literalVariants renders a literal node as bytes, expanding case variants
// when the node folds case.
func literalVariants(re *syntax.Regexp) ([][]byte, bool) {
	if len(re.Rune) == 0 {
		return nil, false
	}
	if re.Flags&syntax.FoldCase == 0 {
		return [][]byte{[]byte(string(re.Rune))}, true
	}
	variants := [][]byte{{}}
	for _, r := range re.Rune {
		folds := foldSet(r)
		if len(variants)*len(folds) > MaxWidth {
			return nil, false
		}
		grown := make([][]byte, 0, len(variants)*len(folds))
		for _, v := range variants {
			for _, f := range folds {
				nv := make([]byte, len(v), len(v)+utf8.RuneLen(f))
				copy(nv, v)
				nv = utf8.AppendRune(nv, f)
				grown = append(grown, nv)
			}
		}
		variants = grown
	}
	return variants, true
}

// classVariants expands a small character class into single-rune literals.
func classVariants(re *syntax.Regexp) ([][]byte, bool) {
	count := 0
	for i := 0; i < len(re.Rune); i += 2 {
		count += int(re.Rune[i+1]-re.Rune[i]) + 1
		if count > 4 {
			return nil, false
		}
	}
	var out [][]byte
	for i := 0; i < len(re.Rune); i += 2 {
		for r := re.Rune[i]; r <= re.Rune[i+1]; r++ {
			out = append(out, utf8.AppendRune(nil, r))
		}
	}
	return out, len(out) > 0
}

// foldSet returns all runes equivalent to r under simple folding.
func foldSet(r rune) []rune {
	set := []rune{r}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		set = append(set, f)
	}
	return set
}

// better reports whether a is a more selective literal set than b: longer
// shortest literal wins, then fewer variants.
func better(a, b [][]byte) bool {
	if b == nil {
		return true
	}
	am, bm := minLen(a), minLen(b)
	if am != bm {
		return am > bm
	}
	return len(a) < len(b)
}

func minLen(lits [][]byte) int {
	m := int(^uint(0) >> 1)
	for _, l := range lits {
		if len(l) < m {
			m = len(l)
		}
	}
	return m
}

func dedupe(lits [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(lits))
	out := lits[:0]
	for _, l := range lits {
		if _, ok := seen[string(l)]; ok {
			continue
		}
		seen[string(l)] = struct{}{}
		out = append(out, l)
	}
	return out
}
