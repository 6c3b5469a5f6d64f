// Package piece owns the piece/block bookkeeping: request scheduling,
// rarest-first and endgame selection, hash verification, and resume.
//
// A single Engine type owns all of it: peers announce what they have, pull
// block requests, and deliver payloads; the engine assembles, verifies, and
// writes through.
package piece

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/devksingh/gorabbit/internal/availability"
	"github.com/devksingh/gorabbit/internal/bitfield"
)

// State is a piece's lifecycle stage.
type State int

const (
	StateMissing State = iota
	StateInFlight
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateInFlight:
		return "in-flight"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// BlockStore is the write-through surface the engine needs from FileStore.
// It is a narrow capability, not the full store API, so the engine can be
// tested against a fake without pulling in disk I/O.
type BlockStore interface {
	WritePiece(index int, data []byte) error
	VerifyPiece(index int, expectedHash [20]byte, length int64) (bool, error)
}

// Config holds the engine's tunables.
type Config struct {
	MaxInflightPerPeer  int
	MaxInflightPerBlock int
	RequestTimeout      time.Duration
	EndgameThreshold    int
}

// maxAvailability bounds the availability.Bucket: no realistic swarm has
// more simultaneous holders of one piece than this, and it keeps the
// rarest-first scan in NextRequest bounded.
const maxAvailability = 512

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		MaxInflightPerPeer:  10,
		MaxInflightPerBlock: 2,
		RequestTimeout:      30 * time.Second,
		EndgameThreshold:    4,
	}
}

type owner struct {
	session  SessionID
	issuedAt time.Time
}

type pieceRec struct {
	index        int
	length       int64
	expectedHash [20]byte
	state        State
	numBlocks    int
	blockPresent []bool
	blockData    [][]byte
	present      int
}

// Engine is the piece/block bookkeeping core.
type Engine struct {
	mu sync.Mutex

	pieces      []*pieceRec
	pieceLength int64
	totalSize   int64

	avail *availability.Bucket

	sessionHave    map[SessionID]bitfield.Bitfield
	sessionPending map[SessionID]map[BlockKey]struct{}
	owners         map[BlockKey][]owner

	missingCount  int
	inflightCount int
	endgame       bool

	cfg   Config
	store BlockStore
	log   *slog.Logger

	events chan EngineEvent
	rng    *rand.Rand
}

var (
	ErrBadBitfieldLength = errors.New("piece: bitfield length does not cover all pieces")
	ErrBadPadding        = errors.New("piece: bitfield sets padding bits beyond piece count")
	ErrUnknownPiece      = errors.New("piece: unknown piece index")
	ErrMisalignedOffset  = errors.New("piece: block offset not aligned to MaxBlockLength")
	ErrBlockLengthWrong  = errors.New("piece: block length does not match expected length")
)

// NewEngine builds an Engine from the metainfo's piece hashes.
func NewEngine(pieceHashes [][sha1.Size]byte, pieceLength int64, totalSize int64, store BlockStore, cfg Config, log *slog.Logger) (*Engine, error) {
	n := len(pieceHashes)
	if n == 0 {
		return nil, fmt.Errorf("piece: no piece hashes")
	}

	e := &Engine{
		pieces:         make([]*pieceRec, n),
		pieceLength:    pieceLength,
		totalSize:      totalSize,
		avail:          availability.NewBucket(n, maxAvailability),
		sessionHave:    make(map[SessionID]bitfield.Bitfield),
		sessionPending: make(map[SessionID]map[BlockKey]struct{}),
		owners:         make(map[BlockKey][]owner),
		missingCount:   n,
		cfg:            cfg,
		store:          store,
		log:            log,
		events:         make(chan EngineEvent, 256),
		rng:            rand.New(rand.NewSource(rand.Int63())),
	}

	for i := 0; i < n; i++ {
		length, ok := PieceLengthAt(i, totalSize, pieceLength)
		if !ok {
			return nil, fmt.Errorf("piece: cannot derive length for piece %d", i)
		}

		numBlocks, _ := BlocksInPiece(length)
		e.pieces[i] = &pieceRec{
			index:        i,
			length:       length,
			expectedHash: pieceHashes[i],
			state:        StateMissing,
			numBlocks:    numBlocks,
			blockPresent: make([]bool, numBlocks),
			blockData:    make([][]byte, numBlocks),
		}
	}

	return e, nil
}

// Events returns the engine's outbound event stream. The caller (normally
// SwarmManager) must drain it.
func (e *Engine) Events() <-chan EngineEvent { return e.events }

// Resume verifies every piece already fully present on disk and marks it
// Verified without issuing any network requests. Callers may short-circuit
// this with a progress file.
func (e *Engine) Resume(ctx context.Context) (verified int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.pieces {
		if err := ctx.Err(); err != nil {
			return verified, err
		}

		ok, verr := e.store.VerifyPiece(p.index, p.expectedHash, p.length)
		if verr != nil || !ok {
			continue
		}

		e.markVerifiedLocked(p)
		verified++
	}

	return verified, nil
}

// MarkVerified marks a piece as already verified (used by progress-file
// fast-path resume, bypassing on-disk re-verification).
func (e *Engine) MarkVerified(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.piece(index)
	if err != nil {
		return err
	}
	if p.state == StateVerified {
		return nil
	}

	e.markVerifiedLocked(p)
	return nil
}

func (e *Engine) markVerifiedLocked(p *pieceRec) {
	if p.state != StateVerified {
		e.missingCount--
	}
	p.state = StateVerified
	for i := range p.blockPresent {
		p.blockPresent[i] = true
	}
	p.present = p.numBlocks
	// Free block buffers; disk is now authoritative.
	p.blockData = nil
}

// RegisterSession initializes bookkeeping for a newly active session.
func (e *Engine) RegisterSession(session SessionID, numPieces int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessionHave[session] = bitfield.New(numPieces)
	e.sessionPending[session] = make(map[BlockKey]struct{})
}

// OnPeerHave records that session now has piece and bumps its availability.
func (e *Engine) OnPeerHave(session SessionID, idx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx < 0 || idx >= len(e.pieces) {
		return ErrUnknownPiece
	}

	bf, ok := e.sessionHave[session]
	if !ok {
		return fmt.Errorf("piece: unregistered session %q", session)
	}
	if bf.Set(idx) {
		e.avail.Move(idx, 1)
	}

	return nil
}

// OnPeerBitfield records a session's full initial bitfield.
func (e *Engine) OnPeerBitfield(session SessionID, bf bitfield.Bitfield) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.pieces)
	if bf.Len() < n {
		return ErrBadBitfieldLength
	}
	if !bf.ValidPadding(n) {
		return ErrBadPadding
	}

	existing, ok := e.sessionHave[session]
	if !ok {
		return fmt.Errorf("piece: unregistered session %q", session)
	}

	for i := 0; i < n; i++ {
		if bf.Has(i) && !existing.Has(i) {
			existing.Set(i)
			e.avail.Move(i, 1)
		}
	}

	return nil
}

// BlockRequest is a (piece, offset, length) tuple ready to be sent as a wire
// "request" message.
type BlockRequest struct {
	Piece  int
	Offset int64
	Length int64
}

// NextRequest selects the next block to request from session, or ok=false
// if nothing is currently eligible.
//
// Selection order: (1) blocks of a piece already InFlight that session
// possesses, to finish pieces already underway and shorten reassembly
// latency; (2) the rarest Missing piece session possesses, ties broken
// randomly; (3) in endgame, a block already owned by another session.
func (e *Engine) NextRequest(session SessionID) (BlockRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := e.sessionPending[session]
	if pending == nil {
		return BlockRequest{}, false
	}
	if len(pending) >= e.cfg.MaxInflightPerPeer {
		return BlockRequest{}, false
	}

	have := e.sessionHave[session]

	if req, ok := e.pickFromInFlightLocked(session, have); ok {
		return req, true
	}
	if req, ok := e.pickRarestMissingLocked(session, have); ok {
		return req, true
	}
	if e.endgame {
		if req, ok := e.pickEndgameLocked(session, have); ok {
			return req, true
		}
	}

	return BlockRequest{}, false
}

func (e *Engine) pickFromInFlightLocked(session SessionID, have bitfield.Bitfield) (BlockRequest, bool) {
	for _, p := range e.pieces {
		if p.state != StateInFlight || !have.Has(p.index) {
			continue
		}
		if req, ok := e.nextMissingBlockLocked(session, p); ok {
			return req, true
		}
	}
	return BlockRequest{}, false
}

func (e *Engine) pickRarestMissingLocked(session SessionID, have bitfield.Bitfield) (BlockRequest, bool) {
	start, ok := e.avail.FirstNonEmpty()
	if !ok {
		return BlockRequest{}, false
	}

	for a := start; a <= maxAvailability; a++ {
		candidates := e.avail.Bucket(a)
		if len(candidates) == 0 {
			continue
		}

		e.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})

		for _, idx := range candidates {
			p := e.pieces[idx]
			if p.state != StateMissing || !have.Has(idx) {
				continue
			}

			p.state = StateInFlight
			e.missingCount--
			e.inflightCount++
			e.maybeEnterEndgameLocked()

			if req, ok := e.nextMissingBlockLocked(session, p); ok {
				return req, true
			}
		}
	}

	return BlockRequest{}, false
}

func (e *Engine) nextMissingBlockLocked(session SessionID, p *pieceRec) (BlockRequest, bool) {
	for b := 0; b < p.numBlocks; b++ {
		if p.blockPresent[b] {
			continue
		}

		begin, length, ok := BlockOffsetBounds(p.length, MaxBlockLength, b)
		if !ok {
			continue
		}
		key := BlockKey{Piece: p.index, Offset: begin, Length: length}

		if owners := e.owners[key]; len(owners) > 0 {
			continue // already in flight; endgame path handles re-requesting
		}

		e.owners[key] = []owner{{session: session, issuedAt: time.Now()}}
		e.sessionPending[session][key] = struct{}{}

		return BlockRequest{Piece: p.index, Offset: begin, Length: length}, true
	}

	return BlockRequest{}, false
}

func (e *Engine) pickEndgameLocked(session SessionID, have bitfield.Bitfield) (BlockRequest, bool) {
	for key, owners := range e.owners {
		if len(owners) >= e.cfg.MaxInflightPerBlock {
			continue
		}
		if !have.Has(key.Piece) {
			continue
		}

		for _, o := range owners {
			if o.session == session {
				goto next
			}
		}

		e.owners[key] = append(owners, owner{session: session, issuedAt: time.Now()})
		e.sessionPending[session][key] = struct{}{}
		return BlockRequest{Piece: key.Piece, Offset: key.Offset, Length: key.Length}, true

	next:
		continue
	}

	return BlockRequest{}, false
}

func (e *Engine) maybeEnterEndgameLocked() {
	if !e.endgame && e.missingCount+e.inflightCount <= e.cfg.EndgameThreshold {
		e.endgame = true
		e.log.Info("entering endgame", "remaining", e.missingCount+e.inflightCount)
	}
}

// OnBlock delivers a block payload. A block arriving for a request not in
// session's pending set is accepted (opportunistic delivery) but
// deduplicated against blocks already stored.
func (e *Engine) OnBlock(session SessionID, pieceIdx int, offset int64, data []byte) error {
	e.mu.Lock()

	p, err := e.piece(pieceIdx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if offset%MaxBlockLength != 0 {
		e.mu.Unlock()
		return ErrMisalignedOffset
	}

	blockIdx, ok := BlockIndexForBegin(offset, p.length)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownPiece
	}
	_, wantLen, ok := BlockOffsetBounds(p.length, MaxBlockLength, blockIdx)
	if !ok || int64(len(data)) != wantLen {
		e.mu.Unlock()
		return ErrBlockLengthWrong
	}

	key := BlockKey{Piece: pieceIdx, Offset: offset, Length: wantLen}
	delete(e.sessionPending[session], key)

	if owners := e.owners[key]; len(owners) > 0 {
		for _, o := range owners {
			if o.session != session {
				e.events <- EngineEvent{Kind: EventCancelOtherHolder, CancelTarget: o.session, Block: key}
			}
		}
		delete(e.owners, key)
	}

	if p.state == StateVerified {
		e.mu.Unlock()
		return nil
	}
	if p.state == StateMissing {
		p.state = StateInFlight
		e.missingCount--
		e.inflightCount++
		e.maybeEnterEndgameLocked()
	}

	if !p.blockPresent[blockIdx] {
		p.blockPresent[blockIdx] = true
		p.blockData[blockIdx] = append([]byte(nil), data...)
		p.present++
	}

	complete := p.present == p.numBlocks
	var assembled []byte
	if complete {
		assembled = make([]byte, 0, p.length)
		for _, b := range p.blockData {
			assembled = append(assembled, b...)
		}
	}
	e.mu.Unlock()

	if !complete {
		return nil
	}

	return e.finishPiece(p, assembled)
}

func (e *Engine) finishPiece(p *pieceRec, assembled []byte) error {
	sum := sha1.Sum(assembled)

	if sum != p.expectedHash {
		e.mu.Lock()
		for i := range p.blockPresent {
			p.blockPresent[i] = false
			p.blockData[i] = nil
		}
		p.present = 0
		p.state = StateMissing
		e.inflightCount--
		e.missingCount++
		e.mu.Unlock()

		e.log.Warn("piece hash mismatch, resetting", "piece", p.index)
		return nil
	}

	if err := e.store.WritePiece(p.index, assembled); err != nil {
		return fmt.Errorf("piece: write through failed for piece %d: %w", p.index, err)
	}

	e.mu.Lock()
	p.state = StateVerified
	p.blockData = nil
	e.inflightCount--
	e.maybeEnterEndgameLocked()
	e.mu.Unlock()

	e.events <- EngineEvent{Kind: EventPieceVerified, Piece: p.index}
	return nil
}

// OnSessionDrop returns all of session's pending requests to the Missing
// pool and releases its bookkeeping.
func (e *Engine) OnSessionDrop(session SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.sessionPending[session] {
		owners := e.owners[key]
		remaining := owners[:0]
		for _, o := range owners {
			if o.session != session {
				remaining = append(remaining, o)
			}
		}

		if len(remaining) == 0 {
			delete(e.owners, key)
		} else {
			e.owners[key] = remaining
		}
	}

	if have, ok := e.sessionHave[session]; ok {
		for i := 0; i < len(e.pieces); i++ {
			if have.Has(i) {
				e.avail.Move(i, -1)
			}
		}
	}

	delete(e.sessionPending, session)
	delete(e.sessionHave, session)
}

// OnPeerChoke returns all of session's pending requests to the pool while
// keeping the session registered: a choke retracts outstanding requests but
// the peer's bitfield and any delivered blocks stay valid.
func (e *Engine) OnPeerChoke(session SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.sessionPending[session] {
		owners := e.owners[key]
		remaining := owners[:0]
		for _, o := range owners {
			if o.session != session {
				remaining = append(remaining, o)
			}
		}

		if len(remaining) == 0 {
			delete(e.owners, key)
		} else {
			e.owners[key] = remaining
		}

		delete(e.sessionPending[session], key)
	}
}

// WantsFrom reports whether session has any piece we still need, driving the
// am_interested transitions.
func (e *Engine) WantsFrom(session SessionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	have, ok := e.sessionHave[session]
	if !ok {
		return false
	}

	for _, p := range e.pieces {
		if p.state != StateVerified && have.Has(p.index) {
			return true
		}
	}
	return false
}

// PendingRequests snapshots the requests currently in flight on session,
// used at shutdown to send Cancels.
func (e *Engine) PendingRequests(session SessionID) []BlockRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := e.sessionPending[session]
	out := make([]BlockRequest, 0, len(pending))
	for key := range pending {
		out = append(out, BlockRequest{Piece: key.Piece, Offset: key.Offset, Length: key.Length})
	}
	return out
}

// CheckTimeouts re-queues any pending request older than RequestTimeout. It
// is meant to be called once per second by the caller's sweeper loop.
func (e *Engine) CheckTimeouts(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, owners := range e.owners {
		kept := owners[:0]
		for _, o := range owners {
			if now.Sub(o.issuedAt) > e.cfg.RequestTimeout {
				delete(e.sessionPending[o.session], key)
				continue
			}
			kept = append(kept, o)
		}

		if len(kept) == 0 {
			delete(e.owners, key)
		} else {
			e.owners[key] = kept
		}
	}
}

// Run drives the 1-second timeout sweep until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.CheckTimeouts(now)
		}
	}
}

// PieceStates returns a snapshot of every piece's current state, for
// progress reporting.
func (e *Engine) PieceStates() []State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]State, len(e.pieces))
	for i, p := range e.pieces {
		out[i] = p.state
	}
	return out
}

// Downloaded returns the total bytes of pieces currently Verified.
func (e *Engine) Downloaded() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int64
	for _, p := range e.pieces {
		if p.state == StateVerified {
			n += p.length
		}
	}
	return n
}

// Left returns the bytes still needed, as reported to trackers.
func (e *Engine) Left() int64 {
	return e.totalSize - e.Downloaded()
}

// NumPieces returns the piece count.
func (e *Engine) NumPieces() int { return len(e.pieces) }

// VerifiedBitfield snapshots the Verified pieces as a wire-format bitfield.
func (e *Engine) VerifiedBitfield() bitfield.Bitfield {
	e.mu.Lock()
	defer e.mu.Unlock()

	bf := bitfield.New(len(e.pieces))
	for _, p := range e.pieces {
		if p.state == StateVerified {
			bf.Set(p.index)
		}
	}
	return bf
}

// VerifiedPieces returns the indices of all Verified pieces in ascending
// order, for the progress file.
func (e *Engine) VerifiedPieces() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []int
	for _, p := range e.pieces {
		if p.state == StateVerified {
			out = append(out, p.index)
		}
	}
	return out
}

// Complete reports whether every piece is Verified.
func (e *Engine) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.missingCount == 0 && e.inflightCount == 0
}

func (e *Engine) piece(idx int) (*pieceRec, error) {
	if idx < 0 || idx >= len(e.pieces) {
		return nil, ErrUnknownPiece
	}
	return e.pieces[idx], nil
}
