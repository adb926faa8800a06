package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/pkg/errors"
	"github.com/calvinfo/livegrep/pkg/metrics"
)

// Ingestor pumps blobs from sources into the catalog.
type Ingestor struct {
	cat    *corpus.Catalog
	logger *slog.Logger
	mets   *metrics.Metrics
}

// New creates an Ingestor. mets may be nil.
func New(cat *corpus.Catalog, mets *metrics.Metrics) *Ingestor {
	return &Ingestor{
		cat:    cat,
		logger: slog.Default().With("component", "ingest"),
		mets:   mets,
	}
}

// Tree ingests one revision of one source as a new tree. Files with a line
// over the length cap are skipped with a warning; any other failure aborts
// the ingest.
func (in *Ingestor) Tree(ctx context.Context, src Source, rev string, metadata map[string]string) error {
	treeID, err := in.cat.AddTree(src.Name(), rev, metadata)
	if err != nil {
		return err
	}
	files, skipped := 0, 0
	before := in.cat.Stats().Contents
	err = src.Walk(ctx, rev, func(path string, data []byte) error {
		_, err := in.cat.AddFile(treeID, path, data)
		if errors.Is(err, corpus.ErrLineTooLong) {
			in.logger.Warn("skipping file", "tree", src.Name(), "path", path, "error", err)
			skipped++
			return nil
		}
		if err != nil {
			return err
		}
		files++
		if in.mets != nil {
			in.mets.FilesIngested.Inc()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingesting %s@%s: %w", src.Name(), rev, err)
	}
	st := in.cat.Stats()
	deduped := files - (st.Contents - before)
	if in.mets != nil {
		in.mets.ContentsDeduped.Add(float64(deduped))
		in.mets.IndexChunks.Set(float64(st.Chunks))
		in.mets.IndexBytes.Set(float64(st.Bytes))
	}
	in.logger.Info("tree ingested",
		"tree", src.Name(),
		"rev", rev,
		"files", files,
		"skipped", skipped,
		"deduped", deduped,
	)
	return nil
}
