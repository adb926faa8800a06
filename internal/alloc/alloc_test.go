package alloc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemAllocator(t *testing.T) {
	a := NewMem()
	arena, err := a.AllocChunk(128)
	if err != nil {
		t.Fatalf("AllocChunk: %v", err)
	}
	if len(arena) != 0 || cap(arena) != 128 {
		t.Fatalf("arena len=%d cap=%d, want 0/128", len(arena), cap(arena))
	}
	arena = arena[:4]
	copy(arena, "abcd")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileAllocatorWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.idx")
	fa, err := NewFile(path, 64)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	a1, err := fa.AllocChunk(pageSize)
	if err != nil {
		t.Fatalf("AllocChunk: %v", err)
	}
	a2, err := fa.AllocChunk(pageSize)
	if err != nil {
		t.Fatalf("AllocChunk: %v", err)
	}
	a1 = a1[:5]
	copy(a1, "first")
	a2 = a2[:6]
	copy(a2, "second")
	if err := fa.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if fa.ArenaOffset(0)%pageSize != 0 || fa.ArenaOffset(1)%pageSize != 0 {
		t.Fatalf("arena offsets not page aligned: %d, %d", fa.ArenaOffset(0), fa.ArenaOffset(1))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(raw[fa.ArenaOffset(0):fa.ArenaOffset(0)+5], []byte("first")) {
		t.Fatal("first arena not written through")
	}
	if !bytes.Equal(raw[fa.ArenaOffset(1):fa.ArenaOffset(1)+6], []byte("second")) {
		t.Fatal("second arena not written through")
	}
	if err := fa.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	want := []byte("mapped bytes round trip")
	if err := os.WriteFile(path, want, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := Map(path)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !bytes.Equal(m.Data, want) {
		t.Fatalf("mapped = %q, want %q", m.Data, want)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
