package meta

import (
	"crypto/sha1"
	"testing"

	"github.com/devksingh/gorabbit/internal/bencode"
)

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := bencode.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func singleFileTorrent() map[string]any {
	pieces := string(make([]byte, 20))
	return map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": int64(262144),
			"pieces":       pieces,
			"length":       int64(1),
		},
	}
}

func TestParseMetainfoSingleFile(t *testing.T) {
	raw := mustEncode(t, singleFileTorrent())

	m, err := ParseMetainfo(raw)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if m.Info.Name != "file.bin" {
		t.Errorf("name = %q", m.Info.Name)
	}
	if m.Size() != 1 {
		t.Errorf("size = %d, want 1", m.Size())
	}
	if m.NumPieces() != 1 {
		t.Errorf("num pieces = %d, want 1", m.NumPieces())
	}
}

func TestParseMetainfoInfoHashIsByteExact(t *testing.T) {
	dict := singleFileTorrent()
	raw := mustEncode(t, dict)

	m, err := ParseMetainfo(raw)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	infoBytes := mustEncode(t, dict["info"])
	want := sha1.Sum(infoBytes)
	if m.InfoHash != want {
		t.Errorf("info hash mismatch: got %x want %x", m.InfoHash, want)
	}
}

func TestParseMetainfoMultiFile(t *testing.T) {
	dict := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "multi",
			"piece length": int64(4),
			"pieces":       string(make([]byte, 40)),
			"files": []any{
				map[string]any{"length": int64(3), "path": []any{"a.txt"}},
				map[string]any{"length": int64(2), "path": []any{"b.txt"}},
			},
		},
	}
	raw := mustEncode(t, dict)

	m, err := ParseMetainfo(raw)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}
	if m.Size() != 5 {
		t.Errorf("size = %d, want 5", m.Size())
	}
	if len(m.Info.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(m.Info.Files))
	}
}

func TestParseMetainfoRejectsMissingAnnounce(t *testing.T) {
	dict := singleFileTorrent()
	delete(dict, "announce")
	raw := mustEncode(t, dict)

	if _, err := ParseMetainfo(raw); err == nil {
		t.Fatal("expected error for missing announce")
	}
}

func TestParseMetainfoRejectsBadPieceLength(t *testing.T) {
	dict := singleFileTorrent()
	dict["info"].(map[string]any)["piece length"] = int64(0)
	raw := mustEncode(t, dict)

	if _, err := ParseMetainfo(raw); err == nil {
		t.Fatal("expected error for non-positive piece length")
	}
}

func TestParseMetainfoRejectsBadPiecesLength(t *testing.T) {
	dict := singleFileTorrent()
	dict["info"].(map[string]any)["pieces"] = "short"
	raw := mustEncode(t, dict)

	if _, err := ParseMetainfo(raw); err == nil {
		t.Fatal("expected error for pieces length not multiple of 20")
	}
}

func TestParseMetainfoRejectsPieceCountMismatch(t *testing.T) {
	dict := singleFileTorrent()
	// 1-byte file at piece_length 262144 wants exactly 1 hash; supply 2.
	dict["info"].(map[string]any)["pieces"] = string(make([]byte, 40))
	raw := mustEncode(t, dict)

	if _, err := ParseMetainfo(raw); err == nil {
		t.Fatal("expected error for piece count mismatch")
	}
}
