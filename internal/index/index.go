// Package index builds and queries the suffix index over the corpus: one
// sorted suffix array per chunk, binary-searched for literal byte strings,
// plus the persistence format that round-trips the whole structure through
// a single on-disk image.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/pkg/errors"
)

// Index is the sealed, query-ready structure: the catalog plus one suffix
// array per chunk. It is immutable and safe for unsynchronized concurrent
// reads.
type Index struct {
	cat  *corpus.Catalog
	sufs []Suffixes
}

// Finalize seals the catalog and computes all suffix arrays, parallelized
// across chunks. After Finalize the corpus accepts no further mutation.
func Finalize(ctx context.Context, cat *corpus.Catalog) (*Index, error) {
	cat.Seal()
	chunks := cat.Chunks()
	sufs := make([]Suffixes, len(chunks))

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, ch := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sufs[i] = buildSuffixes(ch.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrIndexBuildFailed, err)
	}
	slog.Default().With("component", "index").Info("suffix arrays built",
		"chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return &Index{cat: cat, sufs: sufs}, nil
}

// Catalog returns the underlying corpus catalog.
func (ix *Index) Catalog() *corpus.Catalog { return ix.cat }

// Chunks returns the number of chunks in the index.
func (ix *Index) Chunks() int { return len(ix.sufs) }

// Suffixes returns chunk i's suffix array.
func (ix *Index) Suffixes(i int) Suffixes { return ix.sufs[i] }

// LookupRange binary-searches chunk i for the suffix-array range whose
// suffixes start with lit. Offsets are read via Suffixes(i).At.
func (ix *Index) LookupRange(i int, lit []byte) (lo, hi int) {
	return searchRange(ix.cat.Chunks()[i].Data, ix.sufs[i], lit)
}

// Resolve maps a chunk offset to its content and 1-based line number.
// It returns nil when the offset falls on a sentinel byte past the last
// line of a content.
func (ix *Index) Resolve(chunkIdx int, off uint32) (*corpus.Content, int) {
	ch := ix.cat.Chunks()[chunkIdx]
	span := ch.SpanAt(off)
	if span == nil {
		return nil, 0
	}
	content := ix.cat.Content(span.Content)
	rel := off - span.Start
	if rel >= content.Size {
		return nil, 0 // sentinel separator byte
	}
	return content, content.LineAt(rel)
}
