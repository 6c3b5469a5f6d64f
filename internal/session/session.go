// Package session runs one peer connection: the dial/handshake exchange, the
// framed message loop, the four choke/interest booleans, keep-alives, and
// per-connection transfer stats. A session owns its TCP socket exclusively
// and communicates with the rest of the client only through its Event stream
// and its Send* methods.
package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devksingh/gorabbit/internal/bitfield"
	"github.com/devksingh/gorabbit/internal/piece"
	"github.com/devksingh/gorabbit/internal/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Phase is the session's lifecycle stage.
type Phase int32

const (
	PhaseDialing Phase = iota
	PhaseHandshaken
	PhaseActive
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDialing:
		return "dialing"
	case PhaseHandshaken:
		return "handshaken"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

var (
	ErrBadPieceIndex   = errors.New("session: piece index out of range")
	ErrOversizeRequest = errors.New("session: request length exceeds block size")
)

// Opts carries everything a session needs from its surroundings.
type Opts struct {
	Log       *slog.Logger
	InfoHash  [sha1.Size]byte
	PeerID    [sha1.Size]byte
	NumPieces int

	// Bitfield is our verified-piece bitfield at connect time, sent right
	// after the handshake if any bit is set.
	Bitfield bitfield.Bitfield

	// Events is the session → manager stream. The manager must drain it.
	Events chan<- Event

	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboxBacklog     int
}

// Session is one peer wire connection.
type Session struct {
	id   uuid.UUID
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	remotePeerID [sha1.Size]byte
	numPieces    int

	phase atomic.Int32
	state uint32
	stats *Stats

	lastRxAt atomic.Int64
	lastTxAt atomic.Int64

	events            chan<- Event
	outbox            chan *wire.Message
	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAliveInterval time.Duration

	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// Stats holds per-connection counters/timestamps. All counters are atomic
// and monotonically increasing for the lifetime of a session.
type Stats struct {
	// Downloaded is the total number of BYTES we have received from this
	// peer.
	Downloaded atomic.Uint64

	// Uploaded is the total number of BYTES we have sent to this peer.
	Uploaded atomic.Uint64

	// DownloadRate is a smoothed BYTES PER SECOND estimate of incoming
	// data.
	DownloadRate atomic.Uint64

	// UploadRate is a smoothed BYTES PER SECOND estimate of outgoing data.
	UploadRate atomic.Uint64

	// MessagesReceived counts frames successfully READ from the socket,
	// including keep-alives.
	MessagesReceived atomic.Uint64

	// MessagesSent counts frames successfully WRITTEN to the socket,
	// including keep-alives.
	MessagesSent atomic.Uint64

	// RequestsSent counts REQUEST messages we successfully wrote to the
	// socket.
	RequestsSent atomic.Uint64

	// RequestsReceived counts REQUEST messages received from the peer.
	RequestsReceived atomic.Uint64

	// RequestsCancelled is the total number of CANCELs (both directions).
	RequestsCancelled atomic.Uint64

	// BlocksReceived counts PIECE messages we received.
	BlocksReceived atomic.Uint64

	// BlocksSent counts PIECE messages we successfully wrote.
	BlocksSent atomic.Uint64

	// Errors counts protocol or I/O errors local to this connection.
	Errors atomic.Uint64

	// ConnectedAt is the wall-clock time when the TCP connection and
	// handshake succeeded.
	ConnectedAt time.Time

	// DisconnectedAt is the wall-clock time when the connection was
	// closed (local or remote).
	DisconnectedAt time.Time
}

// Metrics is a snapshot of a single session's connection + transfer stats,
// for progress reporting and choke-ranking.
type Metrics struct {
	Addr           netip.AddrPort
	Phase          Phase
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	DownloadRate   uint64
	UploadRate     uint64
	PeerChoking    bool
	AmInterested   bool
}

// Dial opens an outbound connection to addr, performs the handshake, and
// returns a session in the Handshaken phase ready for Run. An unknown remote
// peer_id is accepted and learned; a mismatched info-hash fails.
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Session, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	handshake := wire.NewHandshake(opts.InfoHash, opts.PeerID)
	_ = conn.SetDeadline(time.Now().Add(opts.DialTimeout))
	remote, err := handshake.Exchange(conn, nil)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newSession(conn, addr, remote.PeerID, opts), nil
}

// Accept wraps an inbound connection: it reads the remote handshake first,
// verifies the info-hash, replies with ours, and returns a Handshaken
// session. The caller is responsible for admission control.
func Accept(conn net.Conn, opts *Opts) (*Session, error) {
	_ = conn.SetDeadline(time.Now().Add(opts.DialTimeout))
	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if remote.InfoHash != opts.InfoHash {
		_ = conn.Close()
		return nil, wire.ErrInfoHashMismatch
	}
	if err := wire.WriteHandshake(conn, *wire.NewHandshake(opts.InfoHash, opts.PeerID)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newSession(conn, addrPort, remote.PeerID, opts), nil
}

func newSession(conn net.Conn, addr netip.AddrPort, remotePeerID [sha1.Size]byte, opts *Opts) *Session {
	id := uuid.New()

	s := &Session{
		id:                id,
		log:               opts.Log.With("src", "session", "addr", addr, "conn", id.String()[:8]),
		conn:              conn,
		addr:              addr,
		remotePeerID:      remotePeerID,
		numPieces:         opts.NumPieces,
		stats:             &Stats{},
		events:            opts.Events,
		outbox:            make(chan *wire.Message, opts.OutboxBacklog),
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
		keepAliveInterval: opts.KeepAliveInterval,
	}
	s.phase.Store(int32(PhaseHandshaken))
	s.setState(maskAmChoking|maskPeerChoking, true)

	now := time.Now()
	s.lastRxAt.Store(now.UnixNano())
	s.lastTxAt.Store(now.UnixNano())
	s.stats.ConnectedAt = now

	if opts.Bitfield != nil && opts.Bitfield.Any() {
		s.enqueueMessage(wire.MessageBitfield(opts.Bitfield.Bytes()))
	}

	return s
}

// Addr returns the remote endpoint.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// ID returns the connection's correlation id.
func (s *Session) ID() uuid.UUID { return s.id }

// RemotePeerID returns the 20-byte peer id learned during the handshake.
func (s *Session) RemotePeerID() [sha1.Size]byte { return s.remotePeerID }

// Phase returns the session's current lifecycle stage.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Run drives the session until the connection closes or ctx is canceled.
// The Closed event is emitted exactly once, after the loops unwind.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.Close()
		s.emit(Event{Addr: s.addr, Kind: EventClosed})
	}()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.phase.Store(int32(PhaseActive))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readMessagesLoop(gctx) })
	g.Go(func() error { return s.writeMessagesLoop(gctx) })
	g.Go(func() error { return s.transferRatesLoop(gctx) })
	g.Go(func() error {
		// Unblock a reader parked in conn.Read once the session is
		// canceled, instead of waiting out the read timeout.
		<-gctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
		return nil
	})

	return g.Wait()
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.phase.Store(int32(PhaseClosing))
		s.stopped.Store(true)

		if s.cancel != nil {
			s.cancel()
		}

		_ = s.conn.Close()
		s.stats.DisconnectedAt = time.Now()
		s.phase.Store(int32(PhaseClosed))

		s.log.Debug("session closed")
	})
}

// Idleness returns the time since the last received message.
func (s *Session) Idleness() time.Duration {
	return time.Since(time.Unix(0, s.lastRxAt.Load()))
}

func (s *Session) SendKeepAlive()     { s.enqueueMessage(nil) }
func (s *Session) SendChoke()         { s.enqueueMessage(wire.MessageChoke()) }
func (s *Session) SendUnchoke()       { s.enqueueMessage(wire.MessageUnchoke()) }
func (s *Session) SendInterested()    { s.enqueueMessage(wire.MessageInterested()) }
func (s *Session) SendNotInterested() { s.enqueueMessage(wire.MessageNotInterested()) }

func (s *Session) SendHave(index int) {
	s.enqueueMessage(wire.MessageHave(uint32(index)))
}

func (s *Session) SendCancel(index int, begin, length int64) {
	s.enqueueMessage(wire.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

// SendRequest issues a block request. It refuses while the peer is choking
// us; the engine re-queues the block on the next sweep.
func (s *Session) SendRequest(index int, begin, length int64) bool {
	if s.PeerChoking() {
		return false
	}

	return s.enqueueMessage(wire.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

// SendBlock serves one block to the peer. It refuses while we are choking
// them, which BitTorrent semantics permit.
func (s *Session) SendBlock(index int, begin int64, block []byte) bool {
	if s.AmChoking() {
		return false
	}

	return s.enqueueMessage(wire.MessagePiece(uint32(index), uint32(begin), block))
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

func (s *Session) readMessagesLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := s.readMessage()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}

			s.log.Debug("read failed, closing", "error", err.Error())
			return err
		}

		if err := s.handleMessage(message); err != nil {
			s.stats.Errors.Add(1)
			s.log.Debug("protocol violation, closing", "error", err.Error())
			return err
		}
	}
}

func (s *Session) readMessage() (*wire.Message, error) {
	// A peer silent past the read timeout is dead; the deadline error
	// closes the session rather than being retried.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	message, err := wire.ReadMessage(s.conn)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.MessagesReceived.Add(1)
	s.lastRxAt.Store(time.Now().UnixNano())

	return message, nil
}

func (s *Session) handleMessage(message *wire.Message) error {
	if wire.IsKeepAlive(message) {
		return nil
	}

	if !message.ID.Known() {
		// Forward-compatible skip: the frame was length-prefixed, so the
		// stream stays in sync.
		s.log.Debug("skipping unknown message id", "id", uint8(message.ID))
		return nil
	}

	if err := message.ValidatePayloadSize(); err != nil {
		return err
	}

	switch message.ID {
	case wire.MsgChoke:
		s.setState(maskPeerChoking, true)
		s.emit(Event{Addr: s.addr, Kind: EventChoked})

	case wire.MsgUnchoke:
		s.setState(maskPeerChoking, false)
		s.emit(Event{Addr: s.addr, Kind: EventUnchoked})

	case wire.MsgInterested:
		s.setState(maskPeerInterested, true)

	case wire.MsgNotInterested:
		s.setState(maskPeerInterested, false)

	case wire.MsgBitfield:
		bf := bitfield.FromBytes(message.Payload)
		if bf.Len() < s.numPieces {
			return piece.ErrBadBitfieldLength
		}
		if !bf.ValidPadding(s.numPieces) {
			return piece.ErrBadPadding
		}
		s.emit(Event{Addr: s.addr, Kind: EventBitfield, Bitfield: bf})

	case wire.MsgHave:
		index, ok := message.ParseHave()
		if !ok {
			return wire.ErrBadPayloadSize
		}
		if int(index) >= s.numPieces {
			return ErrBadPieceIndex
		}
		s.emit(Event{Addr: s.addr, Kind: EventHave, Piece: int(index)})

	case wire.MsgPiece:
		index, begin, block, ok := message.ParsePiece()
		if !ok {
			return wire.ErrBadPayloadSize
		}
		if int(index) >= s.numPieces {
			return ErrBadPieceIndex
		}

		s.stats.BlocksReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
		s.emit(Event{
			Addr:   s.addr,
			Kind:   EventBlock,
			Piece:  int(index),
			Offset: int64(begin),
			Block:  block,
		})

	case wire.MsgRequest:
		index, begin, length, ok := message.ParseRequest()
		if !ok {
			return wire.ErrBadPayloadSize
		}
		if length > piece.MaxBlockLength {
			return ErrOversizeRequest
		}
		if int(index) >= s.numPieces {
			return ErrBadPieceIndex
		}

		s.stats.RequestsReceived.Add(1)

		// A request while we are choking the peer is silently dropped.
		if s.AmChoking() {
			return nil
		}
		s.emit(Event{
			Addr:   s.addr,
			Kind:   EventRequest,
			Piece:  int(index),
			Offset: int64(begin),
			Length: int64(length),
		})

	case wire.MsgCancel:
		if _, _, _, ok := message.ParseRequest(); !ok {
			return wire.ErrBadPayloadSize
		}
		// Uploads are served synchronously from the manager, so there is
		// no queued block to retract; just count it.
		s.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("session: unhandled message id %d", message.ID)
	}

	return nil
}

func (s *Session) writeMessagesLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.keepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message := <-s.outbox:
			if err := s.writeMessage(message); err != nil {
				s.log.Debug("write failed, closing", "error", err.Error())
				return err
			}

		case <-ticker.C:
			lastTx := time.Unix(0, s.lastTxAt.Load())
			if time.Since(lastTx) >= s.keepAliveInterval {
				s.SendKeepAlive()
			}
		}
	}
}

func (s *Session) writeMessage(message *wire.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := wire.WriteMessage(s.conn, message); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.onMessageWritten(message)
	return nil
}

func (s *Session) onMessageWritten(message *wire.Message) {
	s.stats.MessagesSent.Add(1)
	s.lastTxAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	switch message.ID {
	case wire.MsgChoke:
		s.setState(maskAmChoking, true)

	case wire.MsgUnchoke:
		s.setState(maskAmChoking, false)

	case wire.MsgInterested:
		s.setState(maskAmInterested, true)

	case wire.MsgNotInterested:
		s.setState(maskAmInterested, false)

	case wire.MsgRequest:
		s.stats.RequestsSent.Add(1)

	case wire.MsgPiece:
		// Payload layout: 4(index) + 4(begin) + <block>
		if n := len(message.Payload); n >= 8 {
			s.stats.BlocksSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}

	case wire.MsgCancel:
		s.stats.RequestsCancelled.Add(1)
	}
}

// Rate calculation (UploadRate / DownloadRate)
//
// Two monotonic byte counters per session, snapshotted by a 1s ticker. The
// delta over the tick is the instantaneous throughput in bytes/sec, smoothed
// with an exponential moving average:
//
//	emaNext = α*instant + (1-α)*emaPrev
//
// Counters only increase, so unsigned subtraction yields the correct delta,
// and pauses naturally produce zero deltas.
func (s *Session) transferRatesLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := s.stats.Uploaded.Load()
	lastDown := s.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		upEMA   uint64
		downEMA uint64
		inited  bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := s.stats.Uploaded.Load()
			curDown := s.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA = instUp
				downEMA = instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			s.stats.UploadRate.Store(upEMA)
			s.stats.DownloadRate.Store(downEMA)

			lastUp = curUp
			lastDown = curDown
		}
	}
}

// emit blocks until the manager has room: dropping a wire event would
// desynchronize bookkeeping, so back-pressure propagates to the socket.
func (s *Session) emit(ev Event) {
	s.events <- ev
}

func (s *Session) enqueueMessage(message *wire.Message) bool {
	if s.stopped.Load() {
		return false
	}

	select {
	case s.outbox <- message:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of metrics for this session.
func (s *Session) Stats() Metrics {
	return Metrics{
		Addr:           s.addr,
		Phase:          s.Phase(),
		Downloaded:     s.stats.Downloaded.Load(),
		Uploaded:       s.stats.Uploaded.Load(),
		RequestsSent:   s.stats.RequestsSent.Load(),
		BlocksReceived: s.stats.BlocksReceived.Load(),
		LastActive:     time.Unix(0, s.lastRxAt.Load()),
		ConnectedAt:    s.stats.ConnectedAt,
		DownloadRate:   s.stats.DownloadRate.Load(),
		UploadRate:     s.stats.UploadRate.Load(),
		PeerChoking:    s.PeerChoking(),
		AmInterested:   s.AmInterested(),
	}
}

// RawStats exposes the live counters for the choke ranker.
func (s *Session) RawStats() *Stats { return s.stats }
