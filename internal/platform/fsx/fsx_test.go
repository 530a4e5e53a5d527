package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "doc.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("expected two, got %q", got)
	}
	assertNoTemps(t, filepath.Dir(path))
}

func TestWriterCrashKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteFileAtomic(path, []byte("prior"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	crash := errors.New("power loss")
	w := Writer{BeforeCommit: func(string) error { return crash }}
	if err := w.WriteFile(path, []byte("next"), 0o644); !errors.Is(err, crash) {
		t.Fatalf("expected crash error, got %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "prior" {
		t.Fatalf("expected prior content, got %q", got)
	}
	assertNoTemps(t, filepath.Dir(path))
}

func TestWriteExclusiveFirstWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")

	var wg sync.WaitGroup
	created := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := WriteFileExclusive(path, []byte("same"), 0o644)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	winners := 0
	for ok := range created {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one creator, got %d", winners)
	}
	assertNoTemps(t, filepath.Dir(path))
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if matched, _ := filepath.Match(".*.tmp-*", e.Name()); matched {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
