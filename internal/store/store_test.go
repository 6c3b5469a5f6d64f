package store

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/devksingh/gorabbit/internal/meta"
)

func multiFileMetainfo(t *testing.T) *meta.Metainfo {
	t.Helper()

	// {a.txt: "abc", b.txt: "de"}, piece_length = 4:
	// piece 0 = "abcd", piece 1 = "e".
	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        "multi",
			PieceLength: 4,
			Pieces: [][sha1.Size]byte{
				sha1.Sum([]byte("abcd")),
				sha1.Sum([]byte("e")),
			},
			Files: []*meta.File{
				{Length: 3, Path: []string{"a.txt"}},
				{Length: 2, Path: []string{"b.txt"}},
			},
		},
	}
}

func TestStore_MultiFileScatterGather(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(multiFileMetainfo(t), dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, []byte("abcd")); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := s.WritePiece(1, []byte("e")); err != nil {
		t.Fatalf("WritePiece(1): %v", err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "multi", "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if !bytes.Equal(a, []byte("abc")) {
		t.Fatalf("a.txt = %q, want %q", a, "abc")
	}

	b, err := os.ReadFile(filepath.Join(dir, "multi", "b.txt"))
	if err != nil {
		t.Fatalf("read b.txt: %v", err)
	}
	if !bytes.Equal(b, []byte("de")) {
		t.Fatalf("b.txt = %q, want %q", b, "de")
	}
}

func TestStore_ReadBlockNotYetPresent(t *testing.T) {
	s, err := NewStore(multiFileMetainfo(t), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	// Pre-allocation means the bytes exist on disk as zeros; reading them
	// as content must still be refused.
	if _, err := s.ReadBlock(0, 0, 4); !errors.Is(err, ErrNotYetPresent) {
		t.Fatalf("err = %v, want ErrNotYetPresent", err)
	}

	if err := s.WritePiece(0, []byte("abcd")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := s.ReadBlock(0, 0, 4)
	if err != nil {
		t.Fatalf("ReadBlock after write: %v", err)
	}
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("ReadBlock = %q, want %q", got, "abcd")
	}

	// Sibling piece stays gated by its own presence bit.
	if _, err := s.ReadBlock(1, 0, 1); !errors.Is(err, ErrNotYetPresent) {
		t.Fatalf("piece 1 err = %v, want ErrNotYetPresent", err)
	}
}

func TestStore_ReadBlockBounds(t *testing.T) {
	s, err := NewStore(multiFileMetainfo(t), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	cases := []struct {
		index          int
		offset, length int64
	}{
		{-1, 0, 1},
		{2, 0, 1},  // beyond piece count
		{0, 0, 5},  // longer than the piece
		{1, 0, 2},  // final piece is 1 byte
		{0, -1, 1}, // negative offset
		{0, 0, 0},  // zero length
	}
	for _, c := range cases {
		if _, err := s.ReadBlock(c.index, c.offset, c.length); !errors.Is(err, ErrBadBlockRange) {
			t.Fatalf("ReadBlock(%d,%d,%d) err = %v, want ErrBadBlockRange",
				c.index, c.offset, c.length, err)
		}
	}
}

func TestStore_VerifyPiece(t *testing.T) {
	mi := multiFileMetainfo(t)
	dir := t.TempDir()

	s, err := NewStore(mi, dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.WritePiece(0, []byte("abcd")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	s.Close()

	// Re-open as a resuming client would: piece 0 verifies, piece 1 (still
	// zeros on disk) does not.
	s2, err := NewStore(mi, dir, nil)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	defer s2.Close()

	ok, err := s2.VerifyPiece(0, mi.Info.Pieces[0], 4)
	if err != nil || !ok {
		t.Fatalf("VerifyPiece(0) = (%v,%v), want (true,nil)", ok, err)
	}

	ok, err = s2.VerifyPiece(1, mi.Info.Pieces[1], 1)
	if err != nil || ok {
		t.Fatalf("VerifyPiece(1) = (%v,%v), want (false,nil)", ok, err)
	}

	// A successful verify makes the piece servable.
	if _, err := s2.ReadBlock(0, 0, 4); err != nil {
		t.Fatalf("ReadBlock after verify: %v", err)
	}
}

func TestStore_SingleFilePreallocation(t *testing.T) {
	mi := &meta.Metainfo{
		Info: &meta.Info{
			Name:        "single.bin",
			PieceLength: 4,
			Pieces: [][sha1.Size]byte{
				sha1.Sum([]byte{0, 0, 0, 0}),
				sha1.Sum([]byte{0}),
			},
			Length: 5,
		},
	}
	dir := t.TempDir()

	s, err := NewStore(mi, dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	fi, err := os.Stat(filepath.Join(dir, "single.bin"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 5 {
		t.Fatalf("pre-allocated size = %d, want 5", fi.Size())
	}
}
