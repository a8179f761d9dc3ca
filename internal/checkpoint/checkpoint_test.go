package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state", "seq"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Load(); ok {
		t.Fatalf("fresh checkpoint reports a value")
	}
}

func TestSaveSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, n := range []uint32{5259, 5261, 5260} {
		if err := s.Save(n); err != nil {
			t.Fatalf("Save(%d): %v", n, err)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Load()
	if !ok || got != 5260 {
		t.Fatalf("Load = %d (ok=%v), want 5260", got, ok)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq")
	if err := os.WriteFile(path, []byte("not-a-number\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
