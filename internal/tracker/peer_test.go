package tracker

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestDecodeCompact(t *testing.T) {
	input := []byte("\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x1a\xe2")

	peers, err := DecodeCompact(input)
	if err != nil {
		t.Fatalf("DecodeCompact: %v", err)
	}

	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.2:6882"),
	}
	if len(peers) != len(want) {
		t.Fatalf("decoded %d peers, want %d", len(peers), len(want))
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("peer[%d] = %v, want %v", i, peers[i], want[i])
		}
	}
}

func TestDecodeCompact_RoundTrip(t *testing.T) {
	input := []byte("\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x1a\xe2\xc0\xa8\x01\x63\x00\x50")

	peers, err := DecodeCompact(input)
	if err != nil {
		t.Fatalf("DecodeCompact: %v", err)
	}
	if len(peers) != len(input)/strideV4 {
		t.Fatalf("decoded %d peers from %d bytes", len(peers), len(input))
	}

	out, err := EncodeCompact(peers)
	if err != nil {
		t.Fatalf("EncodeCompact: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", out, input)
	}
}

func TestDecodeCompact_BadLength(t *testing.T) {
	if _, err := DecodeCompact([]byte("\x7f\x00\x00\x01\x1a")); err == nil {
		t.Fatal("want error for 5-byte compact list")
	}
}

func TestDecodeDictPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "127.0.0.1", "port": int64(6881)},
		map[string]any{"ip": "10.0.0.2", "port": int64(6882)},
	}

	peers, err := decodePeers(list)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if len(peers) != 2 || peers[0] != netip.MustParseAddrPort("127.0.0.1:6881") {
		t.Fatalf("unexpected peers: %v", peers)
	}

	bad := []any{map[string]any{"ip": "127.0.0.1", "port": int64(0)}}
	if _, err := decodePeers(bad); err == nil {
		t.Fatal("want error for port 0")
	}
}
