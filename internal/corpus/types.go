// Package corpus implements the content store and corpus catalog: an
// append-only arena of deduplicated file bytes partitioned into bounded
// chunks, plus the tree/file/content registries that map repository
// snapshots onto it.
package corpus

// TreeID identifies one revision of one repository.
type TreeID uint32

// FileID identifies a (tree, path) entry in the catalog.
type FileID uint32

// ContentID identifies a deduplicated blob of file bytes.
type ContentID uint32

// Tree is one revision of one source repository.
type Tree struct {
	ID       TreeID
	Name     string
	Version  string
	Metadata map[string]string
}

// File maps a path within a tree to its content. Many files across trees
// share a ContentID when their bytes are identical.
type File struct {
	ID      FileID
	Tree    TreeID
	Path    string
	Content ContentID
}

// Content is a deduplicated blob with its line-offset table. Bytes live in
// chunk arenas; Content records only indices into them.
//
// LineOffsets is relative to Start: LineOffsets[0] == 0, strictly
// increasing, and the final entry equals Size. Line i (1-based) spans
// [LineOffsets[i-1], LineOffsets[i]) including its trailing newline.
type Content struct {
	ID          ContentID
	Chunk       int
	Start       uint32
	Size        uint32
	LineOffsets []uint32
	Files       []FileID
}

// Lines returns the number of lines in the content.
func (c *Content) Lines() int {
	return len(c.LineOffsets) - 1
}

// Span is one content region of a chunk. Spans partition [0, len(chunk))
// exactly; End includes the 0x00 sentinel that separates contents.
type Span struct {
	Start   uint32
	End     uint32
	Content ContentID
}

// Chunk is a bounded arena of concatenated content bytes separated by a
// 0x00 sentinel. Offsets within a chunk fit in 32 bits.
type Chunk struct {
	Data  []byte
	Spans []Span
}
