// Package tracker announces to HTTP and UDP trackers, decodes the returned
// peer lists, and schedules re-announces. Tier traversal follows BEP 12:
// tiers are shuffled once at startup, walked in order on each announce, and
// a responding tracker is promoted to the head of its tier.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devksingh/gorabbit/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
)

// AnnounceParams is one announce's request state, rebuilt by the client for
// every attempt so the counters are always current.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	NumWant    uint32
	Port       uint16
}

type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

type Event uint32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// udpEventCode maps Event to the BEP 15 wire encoding
// (0=none, 1=completed, 2=started, 3=stopped).
func (e Event) udpEventCode() uint32 { return uint32(e) }

// Protocol is the single capability both tracker backends implement; callers
// never care whether an announce went over HTTP or UDP.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Client walks the announce tiers and drives the re-announce schedule.
type Client struct {
	cfg      *config.Config
	tiers    [][]*url.URL
	mu       sync.Mutex
	trackers map[string]Protocol
	log      *slog.Logger
	stats    *Stats
	poke     chan struct{}

	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(addrs []netip.AddrPort)
}

type Opts struct {
	Config            *config.Config
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	Log               *slog.Logger
}

func NewClient(announce string, announceList [][]string, opts *Opts) (*Client, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}

		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Log.With("component", "tracker", "tiers", len(tiers))

	return &Client{
		cfg:               opts.Config,
		log:               log,
		tiers:             tiers,
		stats:             &Stats{},
		poke:              make(chan struct{}, 1),
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
		trackers:          make(map[string]Protocol),
	}, nil
}

func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.announceLoop(gctx) })
	return g.Wait()
}

// Poke requests an early re-announce, used by the swarm when its session
// population runs low. Coalesces if one is already queued.
func (c *Client) Poke() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

func (c *Client) Stats() Metrics {
	s := c.stats

	lastAnn := s.LastAnnounce.Load()
	lastSuc := s.LastSuccess.Load()

	var lastAnnT, lastSucT time.Time
	if lastAnn > 0 {
		lastAnnT = time.Unix(lastAnn, 0)
	}
	if lastSuc > 0 {
		lastSucT = time.Unix(lastSuc, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnnT,
		LastSuccess:         lastSucT,
	}
}

// Announce walks the tiers until one tracker answers, promoting the winner
// within its tier.
func (c *Client) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	c.stats.TotalAnnounces.Add(1)
	c.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(c.tiers); tierIdx++ {
		tier := c.snapshotTier(tierIdx)

		for i, u := range tier {
			tracker, err := c.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tracker.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			c.promoteWithinTier(tierIdx, i)

			c.stats.SuccessfulAnnounces.Add(1)
			c.stats.LastSuccess.Store(time.Now().Unix())
			c.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			c.stats.CurrentSeeders.Store(resp.Seeders)
			c.stats.CurrentLeechers.Store(resp.Leechers)

			c.log.Info("announce success",
				"tier", tierIdx,
				"url", u.String(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			return resp, nil
		}

		c.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	c.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}

	return nil, lastErr
}

func (c *Client) announceLoop(ctx context.Context) error {
	l := c.log.With("component", "announce loop")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final stopped announce on a fresh context: the run context
			// is already dead.
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)

			params := c.onAnnounceStart()
			params.Event = EventStopped
			_, _ = c.Announce(sctx, params)

			scancel()
			return nil

		case <-c.poke:
			// fall through to an immediate announce

		case <-ticker.C:
		}

		if consecutiveFailures >= maxConsecutiveFailures {
			return errors.New("tracker: failed announce; exhausted all attempts")
		}

		resp, err := c.Announce(ctx, c.onAnnounceStart())
		if err != nil {
			consecutiveFailures++
			backoff := c.calculateBackoff(consecutiveFailures)
			l.Warn("announce failed", "failures", consecutiveFailures, "backoff", backoff)
			ticker.Reset(backoff)
			continue
		}

		c.onAnnounceSuccess(resp.Peers)

		consecutiveFailures = 0
		ticker.Reset(c.nextAnnounceInterval(resp))
	}
}

func (c *Client) snapshotTier(at int) []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*url.URL(nil), c.tiers[at]...)
}

func (c *Client) promoteWithinTier(tierIdx, urlIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := c.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u

	c.log.Debug("announce promote",
		"tier", tierIdx,
		"from", urlIdx,
		"url", u.String(),
	)
}

func (c *Client) getTracker(u *url.URL) (Protocol, error) {
	key := u.String()

	c.mu.Lock()
	tr, ok := c.trackers[key]
	c.mu.Unlock()
	if ok {
		return tr, nil
	}

	log := c.log.With("scheme", u.Scheme, "host", u.Host, "path", u.EscapedPath())

	var (
		tracker Protocol
		err     error
	)

	switch u.Scheme {
	case "http", "https":
		tracker, err = NewHTTPTracker(u, log)
	case "udp":
		tracker, err = NewUDPTracker(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.trackers[key] = tracker
	c.mu.Unlock()

	c.log.Debug("tracker cached")

	return tracker, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList))

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))

		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}

		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	// The flat announce key only matters when announce-list is absent
	// (BEP 12: clients with announce-list support ignore announce).
	if len(tiers) == 0 {
		if s := strings.TrimSpace(announce); s != "" {
			if u, ok := parseTrackerURL(s); ok {
				tiers = append(tiers, []*url.URL{u})
			}
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}

	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}

func (c *Client) calculateBackoff(failures int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := baseDelay * (1 << uint(shift))

	if limit := c.cfg.MaxAnnounceBackoff; limit > 0 && delay > limit {
		delay = limit
	}

	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay - (delay / 4) + jitter
}

func (c *Client) nextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := c.cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}

	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}

	if c.cfg.MinAnnounceInterval > 0 && interval < c.cfg.MinAnnounceInterval {
		interval = c.cfg.MinAnnounceInterval
	}

	return interval
}
