package session

import (
	"net/netip"

	"github.com/devksingh/gorabbit/internal/bitfield"
)

// EventKind discriminates the session's outbound event stream.
type EventKind int

const (
	// EventBitfield carries the peer's initial bitfield.
	EventBitfield EventKind = iota
	// EventHave announces one newly acquired piece on the peer's side.
	EventHave
	// EventBlock delivers a block payload the peer sent us.
	EventBlock
	// EventRequest is an upload request from an unchoked peer.
	EventRequest
	// EventUnchoked fires when the peer stops choking us; the manager pumps
	// block requests in response.
	EventUnchoked
	// EventChoked fires when the peer chokes us; all of this session's
	// in-flight requests return to the engine.
	EventChoked
	// EventClosed is the session's final event.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventBitfield:
		return "bitfield"
	case EventHave:
		return "have"
	case EventBlock:
		return "block"
	case EventRequest:
		return "request"
	case EventUnchoked:
		return "unchoked"
	case EventChoked:
		return "choked"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item on the session → manager stream. Sessions never touch
// the engine or the store directly; everything they learn from the wire
// travels through these values, keyed by the session's endpoint.
type Event struct {
	Addr netip.AddrPort
	Kind EventKind

	Bitfield bitfield.Bitfield // EventBitfield
	Piece    int               // EventHave, EventBlock, EventRequest
	Offset   int64             // EventBlock, EventRequest
	Length   int64             // EventRequest
	Block    []byte            // EventBlock
}
