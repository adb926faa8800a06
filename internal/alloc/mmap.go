package alloc

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

func alignPage(n int64) int64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// FileAllocator backs chunk arenas with writable mappings of a single
// index file. Arena bytes written during ingest land directly in the file,
// so finalization only has to append the derived sections and header.
type FileAllocator struct {
	f       *os.File
	path    string
	maps    [][]byte
	offsets []int64
	next    int64
	logger  *slog.Logger
}

// NewFile creates the index file at path, reserving headerSize bytes at the
// front for the header and offset table.
func NewFile(path string, headerSize int64) (*FileAllocator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating index file %s: %w", path, err)
	}
	return &FileAllocator{
		f:      f,
		path:   path,
		next:   alignPage(headerSize),
		logger: slog.Default().With("component", "dump-allocator", "path", path),
	}, nil
}

// AllocChunk extends the index file by capacity bytes at a page-aligned
// offset and maps the region read-write.
func (a *FileAllocator) AllocChunk(capacity int) ([]byte, error) {
	off := a.next
	if err := a.f.Truncate(off + int64(capacity)); err != nil {
		return nil, fmt.Errorf("growing index file: %w", err)
	}
	m, err := unix.Mmap(int(a.f.Fd()), off, capacity,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes at %d: %w", capacity, off, err)
	}
	a.maps = append(a.maps, m)
	a.offsets = append(a.offsets, off)
	a.next = alignPage(off + int64(capacity))
	a.logger.Debug("arena mapped", "offset", off, "capacity", capacity)
	return m[:0], nil
}

// ArenaOffset returns the file offset of the i'th arena.
func (a *FileAllocator) ArenaOffset(i int) int64 { return a.offsets[i] }

// End returns the first file offset past all arenas; derived sections are
// written from here.
func (a *FileAllocator) End() int64 { return a.next }

// File exposes the underlying index file for section writes.
func (a *FileAllocator) File() *os.File { return a.f }

// Sync flushes all arena mappings to disk.
func (a *FileAllocator) Sync() error {
	for _, m := range a.maps {
		if len(m) == 0 {
			continue
		}
		if err := unix.Msync(m, unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync arena: %w", err)
		}
	}
	return nil
}

// Close unmaps every arena and closes the file. The on-disk image remains.
func (a *FileAllocator) Close() error {
	var firstErr error
	for _, m := range a.maps {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap arena: %w", err)
		}
	}
	a.maps = nil
	if err := a.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing index file: %w", err)
	}
	return firstErr
}

// MappedFile is a read-only mapping of a whole index file, used on load.
type MappedFile struct {
	Data []byte
	f    *os.File
}

// Map opens path and maps it read-only in full.
func Map(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat index file %s: %w", path, err)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping index file %s: %w", path, err)
	}
	return &MappedFile{Data: m, f: f}, nil
}

// Close unmaps the file.
func (m *MappedFile) Close() error {
	if err := unix.Munmap(m.Data); err != nil {
		m.f.Close()
		return fmt.Errorf("unmapping index file: %w", err)
	}
	m.Data = nil
	return m.f.Close()
}
