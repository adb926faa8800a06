package corpus

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/calvinfo/livegrep/internal/alloc"
	"github.com/calvinfo/livegrep/pkg/errors"
)

const (
	// DefaultChunkMaxSize bounds a chunk arena so offsets stay well inside
	// 32 bits and per-chunk suffix sorting stays tractable.
	DefaultChunkMaxSize = 1 << 25

	// DefaultMaxLineLength is the hard cap on a single line. Files with a
	// longer line are skipped at ingest.
	DefaultMaxLineLength = 1 << 20

	sentinel = 0x00
)

// ErrLineTooLong marks a file rejected because one of its lines exceeds the
// configured maximum. Callers skip the file and continue.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Options configures a Catalog.
type Options struct {
	ChunkMaxSize  int
	MaxLineLength int
}

// Catalog is the corpus catalog plus its backing content store. All
// mutation happens during ingest; Seal makes it permanently read-only.
type Catalog struct {
	mu     sync.RWMutex
	sealed bool

	allocator alloc.Allocator
	opts      Options
	logger    *slog.Logger

	trees    []*Tree
	treeKeys map[string]TreeID
	files    []*File
	contents []*Content
	byHash   map[[sha256.Size]byte]ContentID

	chunks []*Chunk
	cur    *Chunk // open chunk receiving new contents, nil before first add
	curCap int
}

// NewCatalog creates an empty catalog backed by the given allocator.
func NewCatalog(allocator alloc.Allocator, opts Options) *Catalog {
	if opts.ChunkMaxSize <= 0 {
		opts.ChunkMaxSize = DefaultChunkMaxSize
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	return &Catalog{
		allocator: allocator,
		opts:      opts,
		logger:    slog.Default().With("component", "catalog"),
		treeKeys:  make(map[string]TreeID),
		byHash:    make(map[[sha256.Size]byte]ContentID),
	}
}

// AddTree registers a (name, version) tree. It fails with ErrDuplicateTree
// when the pair already exists and with ErrSealedIndex after Seal.
func (c *Catalog) AddTree(name, version string, metadata map[string]string) (TreeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return 0, fmt.Errorf("add tree %s@%s: %w", name, version, errors.ErrSealedIndex)
	}
	key := name + "\x00" + version
	if _, ok := c.treeKeys[key]; ok {
		return 0, fmt.Errorf("tree %s@%s: %w", name, version, errors.ErrDuplicateTree)
	}
	id := TreeID(len(c.trees))
	c.trees = append(c.trees, &Tree{
		ID:       id,
		Name:     name,
		Version:  version,
		Metadata: metadata,
	})
	c.treeKeys[key] = id
	return id, nil
}

// AddFile records path under tree and stores its bytes, deduplicating by a
// sha256 of the raw bytes. Identical blobs share one content entry.
func (c *Catalog) AddFile(tree TreeID, path string, data []byte) (FileID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return 0, fmt.Errorf("add file %s: %w", path, errors.ErrSealedIndex)
	}
	if int(tree) >= len(c.trees) {
		return 0, fmt.Errorf("add file %s: unknown tree id %d", path, tree)
	}

	hash := sha256.Sum256(data)
	if cid, ok := c.byHash[hash]; ok {
		fid := c.newFile(tree, path, cid)
		c.contents[cid].Files = append(c.contents[cid].Files, fid)
		return fid, nil
	}

	offsets, err := scanLines(data, c.opts.MaxLineLength)
	if err != nil {
		return 0, fmt.Errorf("file %s: %w", path, err)
	}

	size := len(data)
	if size == 0 || data[size-1] != '\n' {
		size++ // room for the newline sentinel
	}
	if uint64(size)+1 >= 1<<32 {
		return 0, fmt.Errorf("file %s: content of %d bytes exceeds 32-bit chunk addressing", path, size)
	}

	chunk, start, err := c.reserve(size + 1)
	if err != nil {
		return 0, fmt.Errorf("file %s: %w", path, err)
	}
	n := copy(chunk.Data[start:], data)
	chunk.Data[start+uint32(n)] = '\n' // no-op overwrite when data ends in newline
	chunk.Data[start+uint32(size)] = sentinel

	cid := ContentID(len(c.contents))
	content := &Content{
		ID:          cid,
		Chunk:       len(c.chunks) - 1,
		Start:       start,
		Size:        uint32(size),
		LineOffsets: offsets,
	}
	c.contents = append(c.contents, content)
	c.byHash[hash] = cid
	chunk.Spans = append(chunk.Spans, Span{
		Start:   start,
		End:     start + uint32(size) + 1,
		Content: cid,
	})

	fid := c.newFile(tree, path, cid)
	content.Files = append(content.Files, fid)
	return fid, nil
}

func (c *Catalog) newFile(tree TreeID, path string, cid ContentID) FileID {
	fid := FileID(len(c.files))
	c.files = append(c.files, &File{
		ID:      fid,
		Tree:    tree,
		Path:    path,
		Content: cid,
	})
	return fid
}

// reserve returns the chunk and offset for a new content of the given total
// size (content bytes plus sentinel), opening a new chunk when the current
// one lacks capacity.
func (c *Catalog) reserve(total int) (*Chunk, uint32, error) {
	if c.cur == nil || len(c.cur.Data)+total > c.curCap {
		capacity := c.opts.ChunkMaxSize
		if total > capacity {
			capacity = total // oversized file gets a dedicated chunk
		}
		data, err := c.allocator.AllocChunk(capacity)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: allocating chunk of %d bytes: %v",
				errors.ErrIndexBuildFailed, capacity, err)
		}
		c.cur = &Chunk{Data: data[:0]}
		c.curCap = capacity
		c.chunks = append(c.chunks, c.cur)
	}
	start := uint32(len(c.cur.Data))
	c.cur.Data = c.cur.Data[:len(c.cur.Data)+total]
	return c.cur, start, nil
}

// Restore reassembles a sealed catalog from persisted entities. It is used
// by the index loader; the result accepts no further mutation.
func Restore(trees []*Tree, files []*File, contents []*Content, chunks []*Chunk) *Catalog {
	c := &Catalog{
		sealed:   true,
		logger:   slog.Default().With("component", "catalog"),
		trees:    trees,
		files:    files,
		contents: contents,
		chunks:   chunks,
		treeKeys: make(map[string]TreeID, len(trees)),
	}
	for _, t := range trees {
		c.treeKeys[t.Name+"\x00"+t.Version] = t.ID
	}
	return c
}

// Seal makes the catalog read-only. Further AddTree/AddFile calls fail with
// ErrSealedIndex. Seal is idempotent.
func (c *Catalog) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.sealed = true
	c.byHash = nil // only needed during ingest
	c.logger.Info("catalog sealed",
		"trees", len(c.trees),
		"files", len(c.files),
		"contents", len(c.contents),
		"chunks", len(c.chunks),
	)
}

// Sealed reports whether the catalog has been sealed.
func (c *Catalog) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Trees returns all registered trees in ID order.
func (c *Catalog) Trees() []*Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trees
}

// Tree returns the tree with the given ID.
func (c *Catalog) Tree(id TreeID) *Tree { return c.trees[id] }

// File returns the file with the given ID.
func (c *Catalog) File(id FileID) *File { return c.files[id] }

// Content returns the content with the given ID.
func (c *Catalog) Content(id ContentID) *Content { return c.contents[id] }

// Files returns all files in ID order.
func (c *Catalog) Files() []*File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files
}

// Contents returns all contents in ID order.
func (c *Catalog) Contents() []*Content {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contents
}

// Chunks returns the chunk arenas.
func (c *Catalog) Chunks() []*Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunks
}

// HasTags reports whether any tree carries a "tags" metadata entry.
func (c *Catalog) HasTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.trees {
		if t.Metadata["tags"] != "" {
			return true
		}
	}
	return false
}

// Stats summarizes the corpus for post-ingest reporting.
type Stats struct {
	Trees    int
	Files    int
	Contents int
	Chunks   int
	Bytes    int64
}

// Stats returns corpus-wide counts.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		Trees:    len(c.trees),
		Files:    len(c.files),
		Contents: len(c.contents),
		Chunks:   len(c.chunks),
	}
	for _, ch := range c.chunks {
		st.Bytes += int64(len(ch.Data))
	}
	return st
}

// SpanAt returns the content span covering the given chunk offset.
func (ch *Chunk) SpanAt(off uint32) *Span {
	i := sort.Search(len(ch.Spans), func(i int) bool {
		return ch.Spans[i].End > off
	})
	if i == len(ch.Spans) {
		return nil
	}
	return &ch.Spans[i]
}

// LineAt maps a content-relative offset to its 1-based line number.
func (c *Content) LineAt(rel uint32) int {
	i := sort.Search(len(c.LineOffsets), func(i int) bool {
		return c.LineOffsets[i] > rel
	})
	return i // offsets[i-1] <= rel < offsets[i]; lines are 1-based
}

// LineBytes returns line lno (1-based) without its trailing newline. The
// chunk holding the content must be supplied by the caller.
func (c *Content) LineBytes(chunk *Chunk, lno int) []byte {
	start := c.Start + c.LineOffsets[lno-1]
	end := c.Start + c.LineOffsets[lno]
	b := chunk.Data[start:end]
	return bytes.TrimSuffix(b, []byte{'\n'})
}

// scanLines builds the line-offset table for data, enforcing the per-line
// length cap. The table is computed over the stored form: data plus a
// trailing newline when the raw bytes lack one.
func scanLines(data []byte, maxLine int) ([]uint32, error) {
	size := len(data)
	appendNL := size == 0 || data[size-1] != '\n'
	if appendNL {
		size++
	}
	offsets := make([]uint32, 1, 16)
	offsets[0] = 0
	lineStart := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if i+1-lineStart > maxLine {
			return nil, fmt.Errorf("%w: line %d is %d bytes", ErrLineTooLong, len(offsets), i+1-lineStart)
		}
		offsets = append(offsets, uint32(i+1))
		lineStart = i + 1
	}
	if appendNL {
		if size-lineStart > maxLine {
			return nil, fmt.Errorf("%w: final line is %d bytes", ErrLineTooLong, size-lineStart)
		}
		offsets = append(offsets, uint32(size))
	}
	return offsets, nil
}
