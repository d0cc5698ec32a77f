package projector

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestIndex_PutLookupRemove(t *testing.T) {
	p := filepath.Join(t.TempDir(), "index.jsonl")
	ix, err := OpenIndex(p, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer ix.Close()

	if err := ix.Put("u1", "A/b.png"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Put("u2", "A/b.png"); !errors.Is(err, ErrPathTaken) {
		t.Errorf("err = %v, want ErrPathTaken", err)
	}
	if err := ix.Put("u1", "A/c.png"); err != nil {
		t.Fatal(err)
	}
	if _, ok := ix.Owner("A/b.png"); ok {
		t.Error("old path of u1 not released")
	}
	if got, _ := ix.Lookup("u1"); got != "A/c.png" {
		t.Errorf("Lookup = %q", got)
	}
	if err := ix.Remove("u1"); err != nil {
		t.Fatal(err)
	}
	if ix.Len() != 0 {
		t.Errorf("Len = %d after Remove", ix.Len())
	}
}

func TestIndex_ReplayAndCompact(t *testing.T) {
	p := filepath.Join(t.TempDir(), "index.jsonl")
	ix, err := OpenIndex(p, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ix.Put("u1", "one")
	ix.Put("u1", "uno")
	ix.Put("u2", "two")
	ix.Close()

	// Simulate a crash in the middle of an append.
	f, _ := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"uuid":"u3","pa`)
	f.Close()

	ix2, err := OpenIndex(p, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ix2.Close()

	if got, _ := ix2.Lookup("u1"); got != "uno" {
		t.Errorf("u1 = %q, want uno", got)
	}
	if got, _ := ix2.Lookup("u2"); got != "two" {
		t.Errorf("u2 = %q, want two", got)
	}
	if _, ok := ix2.Lookup("u3"); ok {
		t.Error("truncated entry was loaded")
	}

	data, _ := os.ReadFile(p)
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("compacted log has %d lines, want 2:\n%s", n, data)
	}

	if err := ix2.Put("u3", "three"); err != nil {
		t.Fatal(err)
	}
	ix2.Close()
	ix3, err := OpenIndex(p, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer ix3.Close()
	if ix3.Len() != 3 {
		t.Errorf("Len = %d, want 3", ix3.Len())
	}
}

func TestIndex_ClosedRejectsWrites(t *testing.T) {
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.jsonl"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ix.Close()
	if err := ix.Put("u", "p"); err == nil {
		t.Error("Put on closed index succeeded")
	}
}
