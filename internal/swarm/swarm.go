// Package swarm maintains the session population: admission of candidate
// peers, the tit-for-tat choking rounds, Have broadcasts, upload serving,
// and routing every session's wire events into the piece engine.
package swarm

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devksingh/gorabbit/internal/config"
	"github.com/devksingh/gorabbit/internal/piece"
	"github.com/devksingh/gorabbit/internal/session"
	"github.com/devksingh/gorabbit/internal/store"
	"github.com/devksingh/gorabbit/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

const dialWorkers = 10

// Opts wires the manager to its collaborators.
type Opts struct {
	Config   *config.Config
	Log      *slog.Logger
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Engine   *piece.Engine
	Store    *store.Store

	// Seeder suppresses all interest and download requests; the swarm only
	// serves uploads.
	Seeder bool

	// NeedPeers, if set, is invoked when the active population falls below
	// the low-water mark. The tracker side uses it to announce early.
	NeedPeers func()

	// OnPieceVerified is invoked after the Have broadcast for a verified
	// piece has been enqueued to every active session.
	OnPieceVerified func(index int)
}

// Swarm is the session manager.
type Swarm struct {
	cfg    *config.Config
	log    *slog.Logger
	engine *piece.Engine
	store  *store.Store

	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	seeder   atomic.Bool

	sessions *syncmap.Map[netip.AddrPort, *session.Session]

	sessionEvents chan session.Event
	candidates    chan netip.AddrPort

	queuedMu sync.Mutex
	queued   map[netip.AddrPort]struct{}

	localAddr atomic.Value // netip.AddrPort of our listener, once bound

	optimisticMu   sync.Mutex
	optimisticAddr netip.AddrPort

	needPeers       func()
	onPieceVerified func(int)

	fatalCh chan error

	stats Stats
}

// Stats aggregates swarm-wide counters, refreshed once per second.
type Stats struct {
	TotalPeers       atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// Metrics is a point-in-time snapshot of Stats.
type Metrics struct {
	TotalPeers       uint32
	FailedConnection uint32
	UnchokedPeers    uint32
	TotalDownloaded  uint64
	TotalUploaded    uint64
	DownloadRate     uint64
	UploadRate       uint64
}

func New(opts *Opts) *Swarm {
	s := &Swarm{
		cfg:             opts.Config,
		log:             opts.Log.With("component", "swarm"),
		engine:          opts.Engine,
		store:           opts.Store,
		infoHash:        opts.InfoHash,
		peerID:          opts.PeerID,
		sessions:        syncmap.New[netip.AddrPort, *session.Session](),
		sessionEvents:   make(chan session.Event, 256),
		candidates:      make(chan netip.AddrPort, opts.Config.MaxPeers*4),
		queued:          make(map[netip.AddrPort]struct{}),
		needPeers:       opts.NeedPeers,
		onPieceVerified: opts.OnPieceVerified,
		fatalCh:         make(chan error, 1),
	}
	s.seeder.Store(opts.Seeder)

	return s
}

// Run drives the swarm until ctx is canceled, then performs the shutdown
// sequence: Cancel every outstanding request and close every socket.
func (s *Swarm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.listenLoop(gctx) })
	g.Go(func() error { return s.sessionEventLoop(gctx) })
	g.Go(func() error { return s.engineEventLoop(gctx) })
	g.Go(func() error { return s.chokeLoop(gctx) })
	g.Go(func() error { return s.maintenanceLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatalCh:
			return err
		}
	})

	for i := 0; i < dialWorkers; i++ {
		g.Go(func() error { return s.dialerLoop(gctx) })
	}

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Swarm) shutdown() {
	for _, sess := range s.sessions.Values() {
		for _, req := range s.engine.PendingRequests(sessionID(sess.Addr())) {
			sess.SendCancel(req.Piece, req.Offset, req.Length)
		}
		sess.Close()
	}
}

// SetSeeder flips the swarm into seeding mode once the download completes.
func (s *Swarm) SetSeeder() { s.seeder.Store(true) }

// ActiveSessions returns the number of live sessions.
func (s *Swarm) ActiveSessions() int { return s.sessions.Len() }

// SessionMetrics snapshots every live session's stats.
func (s *Swarm) SessionMetrics() []session.Metrics {
	sessions := s.sessions.Values()
	out := make([]session.Metrics, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// Stats returns a snapshot of the swarm-wide counters.
func (s *Swarm) Stats() Metrics {
	return Metrics{
		TotalPeers:       s.stats.TotalPeers.Load(),
		FailedConnection: s.stats.FailedConnection.Load(),
		UnchokedPeers:    s.stats.UnchokedPeers.Load(),
		TotalDownloaded:  s.stats.TotalDownloaded.Load(),
		TotalUploaded:    s.stats.TotalUploaded.Load(),
		DownloadRate:     s.stats.DownloadRate.Load(),
		UploadRate:       s.stats.UploadRate.Load(),
	}
}

// AdmitPeers enqueues candidate endpoints, deduplicated against both the
// queue and the live session set.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		if !s.admissible(addr) {
			continue
		}

		s.queuedMu.Lock()
		if _, dup := s.queued[addr]; dup {
			s.queuedMu.Unlock()
			continue
		}
		s.queued[addr] = struct{}{}
		s.queuedMu.Unlock()

		select {
		case s.candidates <- addr:
		default:
			s.queuedMu.Lock()
			delete(s.queued, addr)
			s.queuedMu.Unlock()
			s.log.Debug("candidate queue full; dropping", "addr", addr)
		}
	}
}

// admissible applies the admission rules: population below max_peers, no
// existing session on the endpoint, and never our own listening endpoint.
func (s *Swarm) admissible(addr netip.AddrPort) bool {
	if s.sessions.Len() >= s.cfg.MaxPeers {
		return false
	}
	if _, dup := s.sessions.Get(addr); dup {
		return false
	}
	if local, ok := s.localAddr.Load().(netip.AddrPort); ok {
		if addr == local || (addr.Port() == local.Port() && addr.Addr().IsLoopback()) {
			return false
		}
	}
	return true
}

func (s *Swarm) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr := <-s.candidates:
			s.queuedMu.Lock()
			delete(s.queued, addr)
			s.queuedMu.Unlock()

			if !s.admissible(addr) {
				continue
			}

			sess, err := session.Dial(ctx, addr, s.sessionOpts())
			if err != nil {
				s.stats.FailedConnection.Add(1)
				s.log.Debug("dial failed", "addr", addr, "error", err.Error())
				continue
			}

			s.startSession(ctx, sess)
		}
	}
}

func (s *Swarm) listenLoop(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(int(s.cfg.Port))))
	if err != nil {
		// An occupied listen port degrades to outbound-only operation.
		s.log.Warn("listen failed; inbound peers disabled", "port", s.cfg.Port, "error", err.Error())
		<-ctx.Done()
		return nil
	}
	defer ln.Close()

	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		if ap, err := netip.ParseAddrPort(tcp.String()); err == nil {
			s.localAddr.Store(ap)
		}
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Debug("accept failed", "error", err.Error())
			continue
		}

		if s.sessions.Len() >= s.cfg.MaxPeers {
			_ = conn.Close()
			continue
		}

		go func(conn net.Conn) {
			sess, err := session.Accept(conn, s.sessionOpts())
			if err != nil {
				s.stats.FailedConnection.Add(1)
				s.log.Debug("inbound handshake failed", "error", err.Error())
				return
			}

			if _, dup := s.sessions.Get(sess.Addr()); dup {
				sess.Close()
				return
			}

			s.startSession(ctx, sess)
		}(conn)
	}
}

func (s *Swarm) sessionOpts() *session.Opts {
	return &session.Opts{
		Log:               s.log,
		InfoHash:          s.infoHash,
		PeerID:            s.peerID,
		NumPieces:         s.engine.NumPieces(),
		Bitfield:          s.engine.VerifiedBitfield(),
		Events:            s.sessionEvents,
		DialTimeout:       s.cfg.DialTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		KeepAliveInterval: s.cfg.KeepAliveInterval,
		OutboxBacklog:     s.cfg.PeerOutboundQueueBacklog,
	}
}

func (s *Swarm) startSession(ctx context.Context, sess *session.Session) {
	addr := sess.Addr()

	s.sessions.Put(addr, sess)
	s.stats.TotalPeers.Add(1)
	s.engine.RegisterSession(sessionID(addr), s.engine.NumPieces())

	go func() {
		_ = sess.Run(ctx)
	}()
}

// sessionEventLoop is the single consumer of every session's event stream,
// serializing all engine mutations behind one goroutine.
func (s *Swarm) sessionEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-s.sessionEvents:
			s.handleSessionEvent(ev)
		}
	}
}

func (s *Swarm) handleSessionEvent(ev session.Event) {
	sid := sessionID(ev.Addr)
	sess, live := s.sessions.Get(ev.Addr)

	switch ev.Kind {
	case session.EventClosed:
		s.engine.OnSessionDrop(sid)
		s.sessions.Delete(ev.Addr)
		s.stats.TotalPeers.Store(uint32(s.sessions.Len()))
		return

	case session.EventBitfield:
		if !live {
			return
		}
		if err := s.engine.OnPeerBitfield(sid, ev.Bitfield); err != nil {
			s.log.Debug("bad bitfield; dropping session", "addr", ev.Addr, "error", err.Error())
			sess.Close()
			return
		}
		s.updateInterest(sess)
		s.pump(sess)

	case session.EventHave:
		if !live {
			return
		}
		if err := s.engine.OnPeerHave(sid, ev.Piece); err != nil {
			s.log.Debug("bad have; dropping session", "addr", ev.Addr, "error", err.Error())
			sess.Close()
			return
		}
		s.updateInterest(sess)
		s.pump(sess)

	case session.EventUnchoked:
		if live {
			s.pump(sess)
		}

	case session.EventChoked:
		s.engine.OnPeerChoke(sid)

	case session.EventBlock:
		if err := s.engine.OnBlock(sid, ev.Piece, ev.Offset, ev.Block); err != nil {
			if errors.Is(err, store.ErrWriteFailed) {
				// Disk errors are not a peer's fault and not recoverable
				// here; abort the swarm.
				s.log.Error("write-through failed", "piece", ev.Piece, "error", err.Error())
				select {
				case s.fatalCh <- err:
				default:
				}
				return
			}
			s.log.Debug("bad block; dropping session", "addr", ev.Addr, "error", err.Error())
			if live {
				sess.Close()
			}
			return
		}
		if live {
			s.pump(sess)
		}

	case session.EventRequest:
		if live {
			s.serveUpload(sess, ev)
		}
	}
}

// pump tops up the session's in-flight requests from the engine, after
// signaling interest. Seeders never request.
func (s *Swarm) pump(sess *session.Session) {
	if s.seeder.Load() {
		return
	}

	// Interest goes into the outbox first, so it always precedes the
	// requests queued below on the wire.
	s.updateInterest(sess)

	if sess.PeerChoking() {
		return
	}

	sid := sessionID(sess.Addr())
	for {
		req, ok := s.engine.NextRequest(sid)
		if !ok {
			return
		}
		if !sess.SendRequest(req.Piece, req.Offset, req.Length) {
			// Not sent; the timeout sweep reclaims the reservation.
			return
		}
	}
}

func (s *Swarm) updateInterest(sess *session.Session) {
	if s.seeder.Load() {
		return
	}

	wants := s.engine.WantsFrom(sessionID(sess.Addr()))
	switch {
	case wants && !sess.AmInterested():
		sess.SendInterested()
	case !wants && sess.AmInterested():
		sess.SendNotInterested()
	}
}

func (s *Swarm) serveUpload(sess *session.Session, ev session.Event) {
	block, err := s.store.ReadBlock(ev.Piece, ev.Offset, ev.Length)
	if err != nil {
		if errors.Is(err, store.ErrNotYetPresent) {
			s.log.Debug("request for absent block dropped", "addr", ev.Addr, "piece", ev.Piece)
			return
		}
		s.log.Warn("upload read failed", "piece", ev.Piece, "error", err.Error())
		return
	}

	sess.SendBlock(ev.Piece, ev.Offset, block)
}

// engineEventLoop consumes the engine's outbound stream: Have broadcasts
// ordered after verification, and endgame Cancels.
func (s *Swarm) engineEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-s.engine.Events():
			switch ev.Kind {
			case piece.EventPieceVerified:
				for _, sess := range s.sessions.Values() {
					sess.SendHave(ev.Piece)
				}
				if s.onPieceVerified != nil {
					s.onPieceVerified(ev.Piece)
				}

			case piece.EventCancelOtherHolder:
				if addr, err := netip.ParseAddrPort(string(ev.CancelTarget)); err == nil {
					if sess, ok := s.sessions.Get(addr); ok {
						sess.SendCancel(ev.Block.Piece, ev.Block.Offset, ev.Block.Length)
					}
				}
			}
		}
	}
}

// chokeLoop runs the reciprocation rounds: every RechokeInterval the top
// UploadSlots sessions by transfer rate are unchoked, and every
// OptimisticUnchokeInterval one random choked-interested session gets an
// optimistic slot.
func (s *Swarm) chokeLoop(ctx context.Context) error {
	regular := time.NewTicker(s.cfg.RechokeInterval)
	defer regular.Stop()

	optimistic := time.NewTicker(s.cfg.OptimisticUnchokeInterval)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-regular.C:
			s.recalculateRegularUnchokes()

		case <-optimistic.C:
			s.recalculateOptimisticUnchoke()
		}
	}
}

func (s *Swarm) recalculateRegularUnchokes() {
	candidates := s.sessions.Values()
	seeding := s.seeder.Load()

	// Rank by what the peer gives us while leeching; by what we can push
	// to them while seeding.
	sort.Slice(candidates, func(i, j int) bool {
		if seeding {
			return candidates[i].RawStats().UploadRate.Load() > candidates[j].RawStats().UploadRate.Load()
		}
		return candidates[i].RawStats().DownloadRate.Load() > candidates[j].RawStats().DownloadRate.Load()
	})

	newUnchokes := make(map[netip.AddrPort]struct{})
	for i := 0; i < len(candidates) && i < s.cfg.UploadSlots; i++ {
		newUnchokes[candidates[i].Addr()] = struct{}{}
	}

	s.optimisticMu.Lock()
	optimisticAddr := s.optimisticAddr
	s.optimisticMu.Unlock()

	var unchoked uint32
	for _, sess := range candidates {
		_, isTop := newUnchokes[sess.Addr()]
		isOptimistic := sess.Addr() == optimisticAddr

		if isTop || isOptimistic {
			unchoked++
			if sess.AmChoking() {
				sess.SendUnchoke()
			}
		} else if !sess.AmChoking() {
			sess.SendChoke()
		}
	}

	s.stats.UnchokedPeers.Store(unchoked)
}

func (s *Swarm) recalculateOptimisticUnchoke() {
	var candidates []*session.Session
	for _, sess := range s.sessions.Values() {
		if sess.PeerInterested() && sess.AmChoking() {
			candidates = append(candidates, sess)
		}
	}

	s.optimisticMu.Lock()
	defer s.optimisticMu.Unlock()

	if len(candidates) == 0 {
		s.optimisticAddr = netip.AddrPort{}
		return
	}

	chosen := candidates[rand.Intn(len(candidates))]
	s.optimisticAddr = chosen.Addr()
	chosen.SendUnchoke()
}

// maintenanceLoop evicts idle sessions and asks for more peers whenever the
// population falls below the low-water mark.
func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var idle []*session.Session
			for _, sess := range s.sessions.Values() {
				if sess.Idleness() > s.cfg.ReadTimeout {
					idle = append(idle, sess)
				}
			}
			for _, sess := range idle {
				sess.Close()
			}
			if n := len(idle); n > 0 {
				s.log.Info("closed idle sessions", "count", n)
			}

			if s.sessions.Len() < s.cfg.LowWater && s.needPeers != nil {
				s.needPeers()
			}
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64

			for _, sess := range s.sessions.Values() {
				st := sess.RawStats()
				totUp += st.Uploaded.Load()
				totDown += st.Downloaded.Load()
				upRate += st.UploadRate.Load()
				downRate += st.DownloadRate.Load()
			}

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.TotalPeers.Store(uint32(s.sessions.Len()))
		}
	}
}

func sessionID(addr netip.AddrPort) piece.SessionID {
	return piece.SessionID(addr.String())
}
