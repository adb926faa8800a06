package ingest

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/calvinfo/livegrep/internal/alloc"
	"github.com/calvinfo/livegrep/internal/corpus"
)

func TestParseWalkSpec(t *testing.T) {
	tests := []struct {
		spec string
		want WalkSpec
	}{
		{"/src/linux", WalkSpec{Name: "/src/linux", Path: "/src/linux", Revs: []string{"HEAD"}}},
		{"linux@/src/linux", WalkSpec{Name: "linux", Path: "/src/linux", Revs: []string{"HEAD"}}},
		{"/src/linux:v6.1", WalkSpec{Name: "/src/linux", Path: "/src/linux", Revs: []string{"v6.1"}}},
		{"linux@/src/linux:v6.1,v6.2", WalkSpec{Name: "linux", Path: "/src/linux", Revs: []string{"v6.1", "v6.2"}}},
		{"r@p:", WalkSpec{Name: "r", Path: "p", Revs: []string{"HEAD"}}},
	}
	for _, tt := range tests {
		got := ParseWalkSpec(tt.spec)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseWalkSpec(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, data := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return root
}

func TestFSSourceWalk(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":        "package main\n",
		"sub/util.go":    "package sub\n",
		".git/config":    "should be skipped\n",
		"sub/.git/HEAD":  "also skipped\n",
		"deep/a/b/c.txt": "nested\n",
	})
	src := NewFSSource("r", root)
	var paths []string
	err := src.Walk(context.Background(), "HEAD", func(path string, data []byte) error {
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"deep/a/b/c.txt", "main.go", "sub/util.go"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
}

func TestIngestTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt": "hello\n",
		"b.txt": "hello\n", // dedups with a.txt
		"c.txt": "world\n",
	})
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{})
	in := New(cat, nil)
	if err := in.Tree(context.Background(), NewFSSource("r", root), "HEAD", nil); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	st := cat.Stats()
	if st.Files != 3 || st.Contents != 2 {
		t.Fatalf("stats = %+v, want 3 files 2 contents", st)
	}
}

func TestIngestSkipsLongLines(t *testing.T) {
	root := writeTree(t, map[string]string{
		"ok.txt":  "fine\n",
		"big.txt": strings.Repeat("x", 100) + "\n",
	})
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{MaxLineLength: 50})
	in := New(cat, nil)
	if err := in.Tree(context.Background(), NewFSSource("r", root), "HEAD", nil); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if st := cat.Stats(); st.Files != 1 {
		t.Fatalf("files = %d, want 1 (long-lined file skipped)", st.Files)
	}
}

func TestIngestDuplicateTree(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "x\n"})
	cat := corpus.NewCatalog(alloc.NewMem(), corpus.Options{})
	in := New(cat, nil)
	src := NewFSSource("r", root)
	if err := in.Tree(context.Background(), src, "HEAD", nil); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if err := in.Tree(context.Background(), src, "HEAD", nil); err == nil {
		t.Fatal("expected duplicate tree error")
	}
}
