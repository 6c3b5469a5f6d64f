package client

import (
	"crypto/sha1"
	"math/rand"
	"time"

	"github.com/devksingh/gorabbit/internal/config"
)

// Clock abstracts wall-clock time so tests can drive schedules
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// ProgressSink receives download progress callbacks. The CLI renders these;
// the core never prints.
type ProgressSink interface {
	// PieceVerified fires after a piece has been hash-verified and written
	// through, with the running verified count.
	PieceVerified(index, have, total int)

	// Completed fires exactly once, when every piece is Verified.
	Completed()
}

// NopSink discards all progress callbacks.
type NopSink struct{}

func (NopSink) PieceVerified(int, int, int) {}
func (NopSink) Completed()                  {}

// Context carries the process-wide identities and capabilities: the peer
// id, clock, rng, and progress sink. It is created once at startup and
// threaded explicitly instead of living in package globals.
type Context struct {
	PeerID   [sha1.Size]byte
	Clock    Clock
	Rng      *rand.Rand
	Progress ProgressSink
}

// NewContext builds a runtime context with a freshly generated peer id.
func NewContext(sink ProgressSink) (*Context, error) {
	peerID, err := config.GeneratePeerID()
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = NopSink{}
	}

	return &Context{
		PeerID:   peerID,
		Clock:    systemClock{},
		Rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		Progress: sink,
	}, nil
}
