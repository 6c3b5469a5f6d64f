// Package config holds the client's tunables in one place. Components take
// the narrow slices they need through their own option structs; nothing in
// this package is a process-wide global.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"time"

	"github.com/devksingh/gorabbit/internal/piece"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// engine can apply. Rarest-first is the default and the only strategy the
// selector currently honors beyond its in-flight locality preference.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst PieceDownloadStrategy = iota

	// PieceDownloadStrategyRandom randomly samples among eligible pieces.
	PieceDownloadStrategyRandom
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory the torrent's files are written under.
	DownloadDir string

	// Port is the TCP port this client listens on for incoming peer
	// connections and reports to trackers.
	Port uint16

	// Seed starts the client in seeding mode: every piece is verified at
	// init and no download requests are issued.
	Seed bool

	// ========== Networking ==========

	// ReadTimeout is the maximum time without receiving any message from a
	// peer before the session is closed.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// KeepAliveInterval is how long a session may go without transmitting
	// before it writes a zero-length keep-alive frame.
	KeepAliveInterval time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// LowWater is the active-session count below which the swarm asks the
	// tracker for a fresh batch of candidates.
	LowWater int

	// PeerOutboundQueueBacklog is the maximum messages a session can hold
	// in its outbox before sends start dropping.
	PeerOutboundQueueBacklog int

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request from the tracker.
	NumWant uint32

	// AnnounceInterval overrides the tracker's suggested interval.
	// 0 uses the tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// ========== Piece Picker / Requests ==========

	// PieceDownloadStrategy chooses how to rank eligible pieces.
	PieceDownloadStrategy PieceDownloadStrategy

	// MaxInflightPerPeer limits how many requests can be outstanding to a
	// single peer at once.
	MaxInflightPerPeer int

	// MaxInflightPerBlock caps the number of peers concurrently fetching
	// the same block during endgame.
	MaxInflightPerBlock int

	// RequestTimeout is the time after which an in-flight block is
	// considered timed out and re-queued.
	RequestTimeout time.Duration

	// EndgameThreshold decides when to enter endgame based on the number of
	// pieces still missing or in flight.
	EndgameThreshold int

	// ========== Seeding / Choking ==========

	// UploadSlots is the number of regular unchoke slots.
	UploadSlots int

	// RechokeInterval is how often to reevaluate choke/unchoke decisions.
	RechokeInterval time.Duration

	// OptimisticUnchokeInterval is how often to rotate the optimistic
	// unchoke.
	OptimisticUnchokeInterval time.Duration
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		DownloadDir:               DefaultDownloadDir(),
		Port:                      6881,
		ReadTimeout:               150 * time.Second,
		WriteTimeout:              30 * time.Second,
		DialTimeout:               7 * time.Second,
		KeepAliveInterval:         120 * time.Second,
		MaxPeers:                  50,
		LowWater:                  25,
		PeerOutboundQueueBacklog:  256,
		NumWant:                   50,
		AnnounceInterval:          0,
		MinAnnounceInterval:       time.Minute,
		MaxAnnounceBackoff:        45 * time.Minute,
		PieceDownloadStrategy:     PieceDownloadStrategyRarestFirst,
		MaxInflightPerPeer:        10,
		MaxInflightPerBlock:       2,
		RequestTimeout:            30 * time.Second,
		EndgameThreshold:          4,
		UploadSlots:               4,
		RechokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
	}
}

// PieceConfig derives the piece engine's tunables.
func (c *Config) PieceConfig() piece.Config {
	return piece.Config{
		MaxInflightPerPeer:  c.MaxInflightPerPeer,
		MaxInflightPerBlock: c.MaxInflightPerBlock,
		RequestTimeout:      c.RequestTimeout,
		EndgameThreshold:    c.EndgameThreshold,
	}
}

// DefaultDownloadDir returns "./downloads" relative to the working directory.
func DefaultDownloadDir() string {
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, "downloads")
	}
	return "./downloads"
}

// GeneratePeerID returns a fresh Azureus-style peer id: a fixed client
// prefix followed by random bytes.
func GeneratePeerID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-GR0100-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
