package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessage_KeepAlive_MarshalUnmarshal(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}

	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive: %v", err)
	}
	if dec.ID != 0 || dec.Payload != nil {
		t.Fatalf("decoded keep-alive unexpected: %+v", dec)
	}

	got, err := ReadMessage(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadMessage keep-alive: %v", err)
	}
	if !IsKeepAlive(got) {
		t.Fatalf("ReadMessage keep-alive = %+v, want nil", got)
	}
}

func TestMessage_ConstructorsAndParsers(t *testing.T) {
	// Have
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}
	if err := m.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Have) err: %v", err)
	}

	// Request
	m = MessageRequest(7, 16384, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16384 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	// Cancel shares the request layout.
	m = MessageCancel(7, 16384, 16384)
	if _, _, _, ok := m.ParseRequest(); !ok {
		t.Fatalf("ParseRequest(Cancel) not ok")
	}

	// Piece
	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	// Bitfield copies input
	bits := []byte{0xAA, 0x55}
	m = MessageBitfield(bits)
	bits[0] ^= 0xFF // mutate original
	if len(m.Payload) != 2 || m.Payload[0] != 0xAA || m.Payload[1] != 0x55 {
		t.Fatalf("MessageBitfield did not copy input: %v", m.Payload)
	}
}

func TestMessage_ValidatePayloadSize_Errors(t *testing.T) {
	tests := []Message{
		{ID: MsgChoke, Payload: []byte{1}},
		{ID: MsgHave, Payload: []byte{}},
		{ID: MsgRequest, Payload: []byte("too short")},       // 9 bytes
		{ID: MsgCancel, Payload: []byte{1, 2, 3}},            // 3 bytes
		{ID: MsgPiece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}}, // 7 bytes
	}
	for _, m := range tests {
		if err := (&m).ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("want ErrBadPayloadSize for %+v, got %v", m, err)
		}
	}

	// Unknown ids validate; the read loop skips them instead of closing.
	unknown := Message{ID: 20, Payload: []byte{1, 2, 3}}
	if err := (&unknown).ValidatePayloadSize(); err != nil {
		t.Fatalf("unknown id should validate, got %v", err)
	}
	if unknown.ID.Known() {
		t.Fatalf("MessageID(20).Known() = true")
	}
}

func TestMessage_ReadFrom_WireRoundTrip(t *testing.T) {
	msgs := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(9),
		MessageBitfield([]byte{0xF0}),
		MessageRequest(0, 0, 16384),
		MessagePiece(0, 0, bytes.Repeat([]byte{0xAB}, 16384)),
		MessageCancel(0, 0, 16384),
	}

	var stream bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&stream, m); err != nil {
			t.Fatalf("WriteMessage(%v): %v", m.ID, err)
		}
	}

	for _, want := range msgs {
		got, err := ReadMessage(&stream)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch for %v", want.ID)
		}
	}
}

func TestMessage_ReadFrom_OversizeFrame(t *testing.T) {
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], MaxFrameLength+1)

	var m Message
	if _, err := m.ReadFrom(bytes.NewReader(frame[:])); !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("err = %v, want ErrOversizeFrame", err)
	}
}

func TestMessage_ReadFrom_Truncated(t *testing.T) {
	full, err := MessagePiece(1, 0, []byte("abcdef")).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var m Message
	if _, err := m.ReadFrom(bytes.NewReader(full[:len(full)-3])); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("err = %v, want ErrShortMessage", err)
	}
}
