package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProgress_RoundTrip(t *testing.T) {
	path := progressPath(t.TempDir(), "demo")

	if err := saveProgress(path, []int{0, 2, 5}); err != nil {
		t.Fatalf("saveProgress: %v", err)
	}

	have, err := loadProgress(path, 8)
	if err != nil {
		t.Fatalf("loadProgress: %v", err)
	}
	if len(have) != 3 || have[0] != 0 || have[1] != 2 || have[2] != 5 {
		t.Fatalf("have = %v, want [0 2 5]", have)
	}
}

func TestProgress_Missing(t *testing.T) {
	have, err := loadProgress(progressPath(t.TempDir(), "never-written"), 4)
	if err != nil || have != nil {
		t.Fatalf("missing file = (%v,%v), want (nil,nil)", have, err)
	}
}

func TestProgress_Corrupt(t *testing.T) {
	path := progressPath(t.TempDir(), "demo")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := loadProgress(path, 4); err == nil {
		t.Fatal("want error for corrupt progress file")
	}
}

func TestProgress_Validation(t *testing.T) {
	dir := t.TempDir()
	path := progressPath(dir, "demo")

	if err := os.WriteFile(path, []byte(`{"have":[0,9],"version":1}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadProgress(path, 4); err == nil {
		t.Fatal("want error for out-of-range piece index")
	}

	if err := os.WriteFile(path, []byte(`{"have":[0],"version":2}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadProgress(path, 4); err == nil {
		t.Fatal("want error for unsupported version")
	}
}

func TestProgress_AtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := progressPath(dir, "demo")

	if err := saveProgress(path, []int{1}); err != nil {
		t.Fatalf("saveProgress: %v", err)
	}
	if err := saveProgress(path, []int{1, 2}); err != nil {
		t.Fatalf("saveProgress rewrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Fatalf("unexpected leftover file %q", e.Name())
		}
	}
}
