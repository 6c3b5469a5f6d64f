package piece

// SessionID names a peer session without the engine holding a reference to
// it. Sessions and the engine communicate purely through these ids and
// BlockKeys, never through pointers to each other, so neither side can keep
// the other alive or deadlock against its locks.
type SessionID string

// BlockKey identifies one block request uniquely, independent of which
// session(s) currently hold it in flight.
type BlockKey struct {
	Piece  int
	Offset int64
	Length int64
}

// EngineEvent is emitted on the engine's outbound event stream. SwarmManager
// consumes these to broadcast Have and to ask a redundant holder to cancel.
type EngineEvent struct {
	Kind         EngineEventKind
	Piece        int
	CancelTarget SessionID
	Block        BlockKey
}

type EngineEventKind int

const (
	// EventPieceVerified fires once a piece's SHA-1 matches; the manager
	// must broadcast Have(Piece) to all active sessions.
	EventPieceVerified EngineEventKind = iota
	// EventCancelOtherHolder fires during endgame, once one owner of a
	// block has delivered it; the manager must send Cancel for Block to
	// CancelTarget.
	EventCancelOtherHolder
)
