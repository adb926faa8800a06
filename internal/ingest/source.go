package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Source enumerates the blobs of one tree at one revision. Implementations
// wrap whatever history store holds the code; the catalog only ever sees
// (path, bytes) pairs.
type Source interface {
	// Name returns the tree name this source serves.
	Name() string
	// Walk calls emit for every blob of the given revision. A non-nil
	// error from emit aborts the walk.
	Walk(ctx context.Context, rev string, emit func(path string, data []byte) error) error
}

// FSSource serves blobs from a directory on disk. Every revision maps to
// the working tree as it currently stands; version labels are kept for the
// catalog but do not select historical states.
type FSSource struct {
	name string
	root string
}

// NewFSSource creates a Source over the directory at root.
func NewFSSource(name, root string) *FSSource {
	return &FSSource{name: name, root: root}
}

func (s *FSSource) Name() string { return s.name }

// Walk emits every regular file under the root, skipping VCS metadata
// directories. Paths are slash-separated and relative to the root.
func (s *FSSource) Walk(ctx context.Context, rev string, emit func(path string, data []byte) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == ".hg" || d.Name() == ".svn" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", p, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		return emit(strings.ReplaceAll(rel, string(filepath.Separator), "/"), data)
	})
}
