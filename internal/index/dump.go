package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/calvinfo/livegrep/internal/alloc"
)

// On-disk image layout. All integers are little-endian; all offsets are
// absolute file positions.
//
//	header (64 bytes)
//	chunk arenas (raw bytes, positions recorded in the chunk table)
//	chunk table: per chunk {dataOff u64, dataLen u64, spanCount u32}
//	             followed by spanCount spans {start, end, content u32}
//	suffix section: per chunk {byteLen u64} followed by raw LE u32 entries
//	contents section: {count u64} then per content
//	             {chunk u32, start u32, size u32, lineCount u32, offsets...}
//	catalog section: JSON {trees, files}, crc32-checksummed
const (
	MagicBytes    uint32 = 0xc0d35eac
	FormatVersion uint32 = 1
	HeaderSize           = 64
)

type header struct {
	Magic         uint32
	Version       uint32
	ChunkCount    uint32
	OffChunkTable uint64
	OffSuffix     uint64
	OffContents   uint64
	OffCatalog    uint64
	CatalogLen    uint64
	CatalogCRC    uint32
}

func (h *header) marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.ChunkCount)
	binary.LittleEndian.PutUint64(b[16:24], h.OffChunkTable)
	binary.LittleEndian.PutUint64(b[24:32], h.OffSuffix)
	binary.LittleEndian.PutUint64(b[32:40], h.OffContents)
	binary.LittleEndian.PutUint64(b[40:48], h.OffCatalog)
	binary.LittleEndian.PutUint64(b[48:56], h.CatalogLen)
	binary.LittleEndian.PutUint32(b[56:60], h.CatalogCRC)
	return b
}

func parseHeader(b []byte) header {
	return header{
		Magic:         binary.LittleEndian.Uint32(b[0:4]),
		Version:       binary.LittleEndian.Uint32(b[4:8]),
		ChunkCount:    binary.LittleEndian.Uint32(b[8:12]),
		OffChunkTable: binary.LittleEndian.Uint64(b[16:24]),
		OffSuffix:     binary.LittleEndian.Uint64(b[24:32]),
		OffContents:   binary.LittleEndian.Uint64(b[32:40]),
		OffCatalog:    binary.LittleEndian.Uint64(b[40:48]),
		CatalogLen:    binary.LittleEndian.Uint64(b[48:56]),
		CatalogCRC:    binary.LittleEndian.Uint32(b[56:60]),
	}
}

// catalogJSON is the JSON-encoded tail section. IDs are implicit in slice
// order; content file lists are rebuilt from the files on load.
type catalogJSON struct {
	Trees []treeJSON `json:"trees"`
	Files []fileJSON `json:"files"`
}

type treeJSON struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type fileJSON struct {
	Tree    uint32 `json:"tree"`
	Path    string `json:"path"`
	Content uint32 `json:"content"`
}

// WriteFile serialises the index into a fresh image at path. Used when the
// corpus was built on the in-memory allocator, or to re-dump a loaded
// index.
func WriteFile(ix *Index, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating index image %s: %w", tmp, err)
	}
	defer f.Close()

	chunks := ix.cat.Chunks()
	arenaOff := make([]int64, len(chunks))
	cur := int64(HeaderSize)
	if _, err := f.Seek(cur, 0); err != nil {
		return fmt.Errorf("seeking past header: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	for i, ch := range chunks {
		arenaOff[i] = cur
		n, err := w.Write(ch.Data)
		if err != nil {
			return fmt.Errorf("writing chunk %d arena: %w", i, err)
		}
		cur += int64(n)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing arenas: %w", err)
	}

	if err := writeSections(f, ix, arenaOff, cur); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing index image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing index image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming index image: %w", err)
	}
	return nil
}

// FinishDump completes an image whose arenas were written through the
// file allocator during ingest: the derived sections land after the last
// arena and the header is filled in.
func FinishDump(ix *Index, fa *alloc.FileAllocator) error {
	if err := fa.Sync(); err != nil {
		return fmt.Errorf("syncing arenas: %w", err)
	}
	chunks := ix.cat.Chunks()
	arenaOff := make([]int64, len(chunks))
	for i := range chunks {
		arenaOff[i] = fa.ArenaOffset(i)
	}
	if err := writeSections(fa.File(), ix, arenaOff, fa.End()); err != nil {
		return err
	}
	if err := fa.File().Sync(); err != nil {
		return fmt.Errorf("syncing index image: %w", err)
	}
	return nil
}

// writeSections writes the chunk table, suffix arrays, contents, and
// catalog starting at cur, then the header at offset 0.
func writeSections(f *os.File, ix *Index, arenaOff []int64, cur int64) error {
	chunks := ix.cat.Chunks()
	hdr := header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		ChunkCount: uint32(len(chunks)),
	}
	if _, err := f.Seek(cur, 0); err != nil {
		return fmt.Errorf("seeking to sections: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	pos := cur
	emit := func(b []byte) error {
		n, err := w.Write(b)
		pos += int64(n)
		return err
	}
	var scratch [12]byte
	u32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		return emit(scratch[:4])
	}
	u64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		return emit(scratch[:8])
	}

	// Chunk table with position maps.
	hdr.OffChunkTable = uint64(pos)
	for i, ch := range chunks {
		if err := u64(uint64(arenaOff[i])); err != nil {
			return fmt.Errorf("writing chunk table: %w", err)
		}
		if err := u64(uint64(len(ch.Data))); err != nil {
			return fmt.Errorf("writing chunk table: %w", err)
		}
		if err := u32(uint32(len(ch.Spans))); err != nil {
			return fmt.Errorf("writing chunk table: %w", err)
		}
		for _, sp := range ch.Spans {
			binary.LittleEndian.PutUint32(scratch[0:4], sp.Start)
			binary.LittleEndian.PutUint32(scratch[4:8], sp.End)
			binary.LittleEndian.PutUint32(scratch[8:12], uint32(sp.Content))
			if err := emit(scratch[:12]); err != nil {
				return fmt.Errorf("writing span: %w", err)
			}
		}
	}

	// Suffix arrays.
	hdr.OffSuffix = uint64(pos)
	for i := range chunks {
		s := ix.sufs[i]
		if err := u64(uint64(4 * s.Len())); err != nil {
			return fmt.Errorf("writing suffix section: %w", err)
		}
		for j := 0; j < s.Len(); j++ {
			if err := u32(s.At(j)); err != nil {
				return fmt.Errorf("writing suffix section: %w", err)
			}
		}
	}

	// Contents with line-offset tables.
	contents := ix.cat.Contents()
	hdr.OffContents = uint64(pos)
	if err := u64(uint64(len(contents))); err != nil {
		return fmt.Errorf("writing contents section: %w", err)
	}
	for _, c := range contents {
		binary.LittleEndian.PutUint32(scratch[0:4], uint32(c.Chunk))
		binary.LittleEndian.PutUint32(scratch[4:8], c.Start)
		binary.LittleEndian.PutUint32(scratch[8:12], c.Size)
		if err := emit(scratch[:12]); err != nil {
			return fmt.Errorf("writing content: %w", err)
		}
		if err := u32(uint32(len(c.LineOffsets))); err != nil {
			return fmt.Errorf("writing content: %w", err)
		}
		for _, off := range c.LineOffsets {
			if err := u32(off); err != nil {
				return fmt.Errorf("writing line offsets: %w", err)
			}
		}
	}

	// Catalog JSON.
	cj := catalogJSON{
		Trees: make([]treeJSON, 0, len(ix.cat.Trees())),
		Files: make([]fileJSON, 0, len(ix.cat.Files())),
	}
	for _, t := range ix.cat.Trees() {
		cj.Trees = append(cj.Trees, treeJSON{
			Name:     t.Name,
			Version:  t.Version,
			Metadata: t.Metadata,
		})
	}
	for _, fl := range ix.cat.Files() {
		cj.Files = append(cj.Files, fileJSON{
			Tree:    uint32(fl.Tree),
			Path:    fl.Path,
			Content: uint32(fl.Content),
		})
	}
	catData, err := json.Marshal(cj)
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}
	hdr.OffCatalog = uint64(pos)
	hdr.CatalogLen = uint64(len(catData))
	hdr.CatalogCRC = crc32.ChecksumIEEE(catData)
	if err := emit(catData); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing sections: %w", err)
	}

	if _, err := f.WriteAt(hdr.marshal(), 0); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}
