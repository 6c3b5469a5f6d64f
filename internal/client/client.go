// Package client wires the whole download together: metainfo → file store →
// piece engine → swarm → tracker. It owns the runtime Context, the resume
// path, and the progress file; the CLI in cmd/gorabbit is a thin shell over
// it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/devksingh/gorabbit/internal/config"
	"github.com/devksingh/gorabbit/internal/meta"
	"github.com/devksingh/gorabbit/internal/piece"
	"github.com/devksingh/gorabbit/internal/store"
	"github.com/devksingh/gorabbit/internal/swarm"
	"github.com/devksingh/gorabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// ErrSeedIncomplete is returned when --seed is requested but the on-disk
// content does not verify completely.
var ErrSeedIncomplete = errors.New("client: seed mode requires fully verified content")

// Client orchestrates one torrent.
type Client struct {
	rt  *Context
	cfg *config.Config
	log *slog.Logger

	metainfo *meta.Metainfo
	store    *store.Store
	engine   *piece.Engine
	swarm    *swarm.Swarm
	tracker  *tracker.Client

	progressPath string
	progressMu   sync.Mutex

	announcedStarted atomic.Bool
	sentCompleted    atomic.Bool

	done      chan struct{}
	closeDone sync.Once
}

// New parses the torrent and builds the component graph. Nothing touches the
// network until Run.
func New(rt *Context, torrentData []byte, cfg *config.Config, log *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}

	metainfo, err := meta.ParseMetainfo(torrentData)
	if err != nil {
		return nil, err
	}
	log = log.With("torrent", metainfo.Info.Name)

	st, err := store.NewStore(metainfo, cfg.DownloadDir, log)
	if err != nil {
		return nil, err
	}

	engine, err := piece.NewEngine(
		metainfo.Info.Pieces,
		metainfo.Info.PieceLength,
		metainfo.Size(),
		st,
		cfg.PieceConfig(),
		log,
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Client{
		rt:           rt,
		cfg:          cfg,
		log:          log,
		metainfo:     metainfo,
		store:        st,
		engine:       engine,
		progressPath: progressPath(cfg.DownloadDir, metainfo.Info.Name),
		done:         make(chan struct{}),
	}

	trk, err := tracker.NewClient(metainfo.Announce, metainfo.AnnounceList, &tracker.Opts{
		Config:            cfg,
		Log:               log,
		OnAnnounceStart:   c.buildAnnounceParams,
		OnAnnounceSuccess: c.onPeersDiscovered,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	c.tracker = trk

	c.swarm = swarm.New(&swarm.Opts{
		Config:          cfg,
		Log:             log,
		InfoHash:        metainfo.InfoHash,
		PeerID:          rt.PeerID,
		Engine:          engine,
		Store:           st,
		Seeder:          cfg.Seed,
		NeedPeers:       trk.Poke,
		OnPieceVerified: c.onPieceVerified,
	})

	return c, nil
}

// Metainfo exposes the parsed torrent.
func (c *Client) Metainfo() *meta.Metainfo { return c.metainfo }

// Run resumes from disk, then drives tracker, swarm, and engine until the
// download completes (and seeding, if requested, is interrupted) or ctx is
// canceled.
func (c *Client) Run(ctx context.Context) error {
	defer c.store.Close()

	if err := c.resume(ctx); err != nil {
		return err
	}

	if c.engine.Complete() {
		c.rt.Progress.Completed()
		c.swarm.SetSeeder()

		if !c.cfg.Seed {
			// Already-complete content with no seeding requested: done,
			// with zero network activity.
			c.log.Info("content already complete on disk")
			return c.writeProgress()
		}
	} else if c.cfg.Seed {
		return ErrSeedIncomplete
	}

	if err := c.writeProgress(); err != nil {
		c.log.Warn("progress file write failed", "error", err.Error())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error { return c.swarm.Run(gctx) })
	g.Go(func() error { return c.tracker.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.done:
			// Download finished and we are not seeding; unwind the group.
			cancel()
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if err == nil && ctx.Err() == nil && !c.engine.Complete() {
		return fmt.Errorf("client: swarm stopped before completion")
	}
	return err
}

// resume restores Verified state from the progress file when possible, and
// otherwise re-verifies the on-disk content piece by piece. Seed mode always
// takes the full verification path.
func (c *Client) resume(ctx context.Context) error {
	if c.cfg.Seed {
		verified, err := c.engine.Resume(ctx)
		if err != nil {
			return err
		}
		c.log.Info("seed verification finished", "verified", verified, "total", c.engine.NumPieces())
		return nil
	}

	have, err := loadProgress(c.progressPath, c.engine.NumPieces())
	if err != nil {
		c.log.Warn("ignoring progress file", "error", err.Error())
		have = nil
	}

	if have != nil {
		for _, idx := range have {
			if err := c.engine.MarkVerified(idx); err != nil {
				return err
			}
			c.store.MarkPresent(idx)
		}
		c.log.Info("resumed from progress file", "verified", len(have))
		return nil
	}

	verified, err := c.engine.Resume(ctx)
	if err != nil {
		return err
	}
	if verified > 0 {
		c.log.Info("resumed from on-disk verification", "verified", verified)
	}
	return nil
}

func (c *Client) onPieceVerified(index int) {
	have := c.engine.VerifiedPieces()
	c.rt.Progress.PieceVerified(index, len(have), c.engine.NumPieces())

	if err := c.writeProgress(); err != nil {
		c.log.Warn("progress file write failed", "error", err.Error())
	}

	if c.engine.Complete() {
		c.rt.Progress.Completed()
		c.swarm.SetSeeder()
		c.tracker.Poke() // announce completed promptly

		if !c.cfg.Seed {
			c.closeDone.Do(func() { close(c.done) })
		}
	}
}

func (c *Client) writeProgress() error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	return saveProgress(c.progressPath, c.engine.VerifiedPieces())
}

func (c *Client) buildAnnounceParams() *tracker.AnnounceParams {
	stats := c.swarm.Stats()
	left := uint64(c.engine.Left())

	event := tracker.EventNone
	switch {
	case !c.announcedStarted.Load():
		c.announcedStarted.Store(true)
		event = tracker.EventStarted
	case left == 0 && !c.sentCompleted.Load():
		c.sentCompleted.Store(true)
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash:   c.metainfo.InfoHash,
		PeerID:     c.rt.PeerID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
		Event:      event,
		NumWant:    c.cfg.NumWant,
		Port:       c.cfg.Port,
		Key:        c.rt.Rng.Uint32(),
	}
}

func (c *Client) onPeersDiscovered(addrs []netip.AddrPort) {
	c.swarm.AdmitPeers(addrs)
}

// Stats is the CLI-facing progress snapshot.
type Stats struct {
	Name           string
	TotalPieces    int
	VerifiedPieces int
	TotalBytes     int64
	LeftBytes      int64
	Downloaded     uint64
	Uploaded       uint64
	DownloadRate   uint64
	UploadRate     uint64
	ActivePeers    int
	Seeders        int64
	Leechers       int64
}

// Progress returns completion as a fraction in [0,1].
func (s Stats) Progress() float64 {
	if s.TotalPieces == 0 {
		return 0
	}
	return float64(s.VerifiedPieces) / float64(s.TotalPieces)
}

// Stats snapshots the client's current state.
func (c *Client) Stats() Stats {
	swarmStats := c.swarm.Stats()
	trackerStats := c.tracker.Stats()

	return Stats{
		Name:           c.metainfo.Info.Name,
		TotalPieces:    c.engine.NumPieces(),
		VerifiedPieces: len(c.engine.VerifiedPieces()),
		TotalBytes:     c.metainfo.Size(),
		LeftBytes:      c.engine.Left(),
		Downloaded:     swarmStats.TotalDownloaded,
		Uploaded:       swarmStats.TotalUploaded,
		DownloadRate:   swarmStats.DownloadRate,
		UploadRate:     swarmStats.UploadRate,
		ActivePeers:    c.swarm.ActiveSessions(),
		Seeders:        trackerStats.CurrentSeeders,
		Leechers:       trackerStats.CurrentLeechers,
	}
}
