package wire

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"testing"
)

func mustBytes20(s string) [sha1.Size]byte {
	var a [sha1.Size]byte
	copy(a[:], []byte(s))
	return a
}

func TestHandshake_MarshalUnmarshal_OK(t *testing.T) {
	info := mustBytes20("info_hash_1234567890")
	peer := mustBytes20("peer_id_1234567890_")

	h := NewHandshake(info, peer)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	// Validate layout: <pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
	if got, want := len(b), 68; got != want {
		t.Fatalf("handshake length = %d, want %d", got, want)
	}
	if got, want := int(b[0]), len(btProtocol); got != want {
		t.Fatalf("pstrlen = %d, want %d", got, want)
	}
	if got, want := string(b[1:1+len(btProtocol)]), btProtocol; got != want {
		t.Fatalf("pstr = %q, want %q", got, want)
	}
	if r := b[1+len(btProtocol) : 1+len(btProtocol)+reservedN]; bytes.Count(r, []byte{0}) != reservedN {
		t.Fatalf("reserved not zeroed: %v", r)
	}

	var got Handshake
	if err := (&got).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if got.Pstr != btProtocol {
		t.Fatalf("Pstr = %q, want %q", got.Pstr, btProtocol)
	}
	if got.InfoHash != info {
		t.Fatalf("InfoHash mismatch: got %x, want %x", got.InfoHash, info)
	}
	if got.PeerID != peer {
		t.Fatalf("PeerID mismatch: got %x, want %x", got.PeerID, peer)
	}
}

func TestHandshake_ReadFrom_Short(t *testing.T) {
	info := mustBytes20("info_hash_1234567890")
	peer := mustBytes20("peer_id_1234567890_")

	full, err := NewHandshake(info, peer).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	for cut := 1; cut < len(full); cut += 13 {
		var h Handshake
		_, err := h.ReadFrom(bytes.NewReader(full[:cut]))
		if !errors.Is(err, ErrShortHandshake) {
			t.Fatalf("cut=%d: err = %v, want ErrShortHandshake", cut, err)
		}
	}
}

func TestHandshake_Exchange(t *testing.T) {
	info := mustBytes20("info_hash_1234567890")
	localID := mustBytes20("-GR0001-local_______")
	remoteID := mustBytes20("-GR0001-remote______")

	remoteReply := func(ih [sha1.Size]byte) []byte {
		b, err := NewHandshake(ih, remoteID).MarshalBinary()
		if err != nil {
			t.Fatalf("remote MarshalBinary: %v", err)
		}
		return b
	}

	t.Run("match learns peer id", func(t *testing.T) {
		rw := &fakeConn{r: bytes.NewReader(remoteReply(info))}
		got, err := NewHandshake(info, localID).Exchange(rw, nil)
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		if got.PeerID != remoteID {
			t.Fatalf("learned PeerID = %x, want %x", got.PeerID, remoteID)
		}
	})

	t.Run("info hash mismatch closes", func(t *testing.T) {
		other := mustBytes20("different_info_hash_")
		rw := &fakeConn{r: bytes.NewReader(remoteReply(other))}
		if _, err := NewHandshake(info, localID).Exchange(rw, nil); !errors.Is(err, ErrInfoHashMismatch) {
			t.Fatalf("err = %v, want ErrInfoHashMismatch", err)
		}
	})

	t.Run("expected peer id mismatch closes", func(t *testing.T) {
		expected := mustBytes20("-GR0001-somebodyelse")
		rw := &fakeConn{r: bytes.NewReader(remoteReply(info))}
		if _, err := NewHandshake(info, localID).Exchange(rw, &expected); !errors.Is(err, ErrPeerIDMismatch) {
			t.Fatalf("err = %v, want ErrPeerIDMismatch", err)
		}
	})

	t.Run("expected peer id match accepted", func(t *testing.T) {
		rw := &fakeConn{r: bytes.NewReader(remoteReply(info))}
		if _, err := NewHandshake(info, localID).Exchange(rw, &remoteID); err != nil {
			t.Fatalf("Exchange: %v", err)
		}
	})
}

type fakeConn struct {
	r io.Reader
	w bytes.Buffer
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
