package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/calvinfo/livegrep/internal/alloc"
	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/pkg/errors"
)

// Load memory-maps an index image and constructs view objects referencing
// the mapped bytes. Chunk arenas and suffix arrays are not copied; the
// small catalog structures are decoded into memory. The returned MappedFile
// must outlive the Index.
func Load(path string) (*Index, *alloc.MappedFile, error) {
	m, err := alloc.Map(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errors.ErrIO, err)
	}
	ix, err := decodeImage(m.Data)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	slog.Default().With("component", "index").Info("index loaded",
		"path", path,
		"chunks", ix.Chunks(),
		"files", len(ix.cat.Files()),
	)
	return ix, m, nil
}

func decodeImage(data []byte) (*Index, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: image truncated at %d bytes", errors.ErrIncompatibleIndex, len(data))
	}
	hdr := parseHeader(data[:HeaderSize])
	if hdr.Magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic %#x", errors.ErrIncompatibleIndex, hdr.Magic)
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d",
			errors.ErrIncompatibleIndex, hdr.Version, FormatVersion)
	}

	r := &imageReader{data: data}

	// Chunk table with position maps.
	r.seek(hdr.OffChunkTable)
	chunks := make([]*corpus.Chunk, hdr.ChunkCount)
	for i := range chunks {
		dataOff := r.u64()
		dataLen := r.u64()
		spanCount := r.u32()
		if r.err != nil {
			return nil, fmt.Errorf("%w: chunk table truncated", errors.ErrIncompatibleIndex)
		}
		if dataOff+dataLen > uint64(len(data)) {
			return nil, fmt.Errorf("%w: chunk %d arena out of bounds", errors.ErrIncompatibleIndex, i)
		}
		ch := &corpus.Chunk{
			Data:  data[dataOff : dataOff+dataLen],
			Spans: make([]corpus.Span, spanCount),
		}
		for j := range ch.Spans {
			ch.Spans[j] = corpus.Span{
				Start:   r.u32(),
				End:     r.u32(),
				Content: corpus.ContentID(r.u32()),
			}
		}
		chunks[i] = ch
	}

	// Suffix arrays: raw views over the mapping.
	r.seek(hdr.OffSuffix)
	sufs := make([]Suffixes, hdr.ChunkCount)
	for i := range sufs {
		byteLen := r.u64()
		if r.err != nil || r.pos+byteLen > uint64(len(data)) {
			return nil, fmt.Errorf("%w: suffix section truncated", errors.ErrIncompatibleIndex)
		}
		if byteLen != uint64(4*len(chunks[i].Data)) {
			return nil, fmt.Errorf("%w: chunk %d suffix array of %d bytes for %d content bytes",
				errors.ErrIncompatibleIndex, i, byteLen, len(chunks[i].Data))
		}
		sufs[i] = rawSuffixes(data[r.pos : r.pos+byteLen])
		r.pos += byteLen
	}

	// Contents.
	r.seek(hdr.OffContents)
	contentCount := r.u64()
	if r.err != nil {
		return nil, fmt.Errorf("%w: contents section truncated", errors.ErrIncompatibleIndex)
	}
	contents := make([]*corpus.Content, contentCount)
	for i := range contents {
		c := &corpus.Content{
			ID:    corpus.ContentID(i),
			Chunk: int(r.u32()),
			Start: r.u32(),
			Size:  r.u32(),
		}
		lineCount := r.u32()
		if r.err != nil {
			return nil, fmt.Errorf("%w: contents section truncated", errors.ErrIncompatibleIndex)
		}
		c.LineOffsets = make([]uint32, lineCount)
		for j := range c.LineOffsets {
			c.LineOffsets[j] = r.u32()
		}
		contents[i] = c
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: contents section truncated", errors.ErrIncompatibleIndex)
	}

	// Catalog JSON.
	if hdr.OffCatalog+hdr.CatalogLen > uint64(len(data)) {
		return nil, fmt.Errorf("%w: catalog out of bounds", errors.ErrIncompatibleIndex)
	}
	catData := data[hdr.OffCatalog : hdr.OffCatalog+hdr.CatalogLen]
	if crc := crc32.ChecksumIEEE(catData); crc != hdr.CatalogCRC {
		return nil, fmt.Errorf("%w: catalog checksum %#x, want %#x",
			errors.ErrIncompatibleIndex, crc, hdr.CatalogCRC)
	}
	var cj catalogJSON
	if err := json.Unmarshal(catData, &cj); err != nil {
		return nil, fmt.Errorf("%w: parsing catalog: %v", errors.ErrIncompatibleIndex, err)
	}
	trees := make([]*corpus.Tree, len(cj.Trees))
	for i, t := range cj.Trees {
		trees[i] = &corpus.Tree{
			ID:       corpus.TreeID(i),
			Name:     t.Name,
			Version:  t.Version,
			Metadata: t.Metadata,
		}
	}
	files := make([]*corpus.File, len(cj.Files))
	for i, fl := range cj.Files {
		if int(fl.Content) >= len(contents) {
			return nil, fmt.Errorf("%w: file %q references content %d of %d",
				errors.ErrIncompatibleIndex, fl.Path, fl.Content, len(contents))
		}
		f := &corpus.File{
			ID:      corpus.FileID(i),
			Tree:    corpus.TreeID(fl.Tree),
			Path:    fl.Path,
			Content: corpus.ContentID(fl.Content),
		}
		files[i] = f
		contents[fl.Content].Files = append(contents[fl.Content].Files, f.ID)
	}

	cat := corpus.Restore(trees, files, contents, chunks)
	return &Index{cat: cat, sufs: sufs}, nil
}

// imageReader walks the mapped image with bounds checking; the first
// overrun latches err and subsequent reads return zero.
type imageReader struct {
	data []byte
	pos  uint64
	err  error
}

func (r *imageReader) seek(off uint64) {
	if off > uint64(len(r.data)) {
		r.err = fmt.Errorf("seek past end")
		return
	}
	r.pos = off
}

func (r *imageReader) u32() uint32 {
	if r.err != nil || r.pos+4 > uint64(len(r.data)) {
		if r.err == nil {
			r.err = fmt.Errorf("read past end")
		}
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *imageReader) u64() uint64 {
	if r.err != nil || r.pos+8 > uint64(len(r.data)) {
		if r.err == nil {
			r.err = fmt.Errorf("read past end")
		}
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}
