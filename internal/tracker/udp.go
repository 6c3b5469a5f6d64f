package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/devksingh/gorabbit/internal/retry"
)

const (
	protocolID      = 0x41727101980
	baseBackoff     = 15 * time.Second
	connectionIDTTL = 60 * time.Second
	maxUDPPacket    = 4096

	// BEP 15: per-attempt timeout is 15·2^n seconds for n=0..8, then give
	// up.
	maxUDPAttempts  = 9
	maxTimeoutShift = 8
)

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

var (
	errActionMismatch        = errors.New("action mismatch")
	errTransactionIDMismatch = errors.New("transaction id mismatch")
	errPacketTooShort        = errors.New("packet too short")
)

// UDPTracker announces over the BEP 15 two-step protocol: a connect
// transaction yielding a 60-second connection id, then announce transactions
// against it.
type UDPTracker struct {
	log       *slog.Logger
	mut       sync.Mutex
	conn      *net.UDPConn
	key       uint32
	connID    uint64
	connIDTTL time.Time
	readBuf   []byte // reusable read buffer
}

func NewUDPTracker(u *url.URL, log *slog.Logger) (*UDPTracker, error) {
	log = log.With("type", "udp")

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	key, err := randU32()
	if err != nil {
		return nil, err
	}

	return &UDPTracker{
		conn:    conn,
		key:     key,
		log:     log,
		readBuf: make([]byte, maxUDPPacket),
	}, nil
}

func (ut *UDPTracker) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	ut.mut.Lock()
	defer ut.mut.Unlock()

	if time.Now().After(ut.connIDTTL) {
		if err := ut.performConnect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := ut.performAnnounce(ctx, params)
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch) {
		ut.log.Warn(
			"announce failed, connection ID may be stale, reconnecting",
			"error", err,
		)
		ut.connIDTTL = time.Time{}

		if err := ut.performConnect(ctx); err != nil {
			return nil, err
		}

		return ut.performAnnounce(ctx, params)
	}

	return nil, err
}

func (ut *UDPTracker) performConnect(ctx context.Context) error {
	attempt := 0

	op := func(ctx context.Context) error {
		timeout, err := attemptTimeout(ctx, attempt)
		if err != nil {
			return err
		}
		attempt++
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		transactionID, err := randU32()
		if err != nil {
			return err
		}

		if err := ut.sendConnectPacket(transactionID); err != nil {
			return err
		}

		connID, err := ut.readConnectPacket(transactionID)
		if err != nil {
			return err
		}

		ut.connID = connID
		ut.connIDTTL = time.Now().Add(connectionIDTTL)
		ut.log.Debug("udp connect success", "connID", connID)

		return nil
	}

	// The growing per-attempt read deadline is the backoff; no sleeping
	// between attempts beyond it.
	return retry.Do(ctx, op,
		retry.WithMaxAttempts(maxUDPAttempts),
		retry.WithInitialDelay(0),
		retry.WithOnRetry(func(n int, err error, _ time.Duration) {
			ut.log.Warn("udp connect retry", "attempt", n, "error", err.Error())
		}),
	)
}

func (ut *UDPTracker) performAnnounce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	var (
		attempt int
		resp    *AnnounceResponse
	)

	op := func(ctx context.Context) error {
		timeout, err := attemptTimeout(ctx, attempt)
		if err != nil {
			return err
		}
		attempt++
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		transactionID, err := randU32()
		if err != nil {
			return err
		}

		if err := ut.sendAnnouncePacket(transactionID, params); err != nil {
			return err
		}

		resp, err = ut.readAnnouncePacket(transactionID)
		return err
	}

	err := retry.Do(ctx, op,
		retry.WithMaxAttempts(maxUDPAttempts),
		retry.WithInitialDelay(0),
		// A mismatched txn or action means the connection id is stale;
		// surface it so Announce reconnects instead of burning retries.
		retry.WithRetryIf(func(err error) bool {
			return !errors.Is(err, errActionMismatch) &&
				!errors.Is(err, errTransactionIDMismatch)
		}),
		retry.WithOnRetry(func(n int, err error, _ time.Duration) {
			ut.log.Warn("udp announce retry", "attempt", n, "error", err.Error())
		}),
	)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (ut *UDPTracker) sendConnectPacket(transactionID uint32) error {
	var packet [16]byte

	binary.BigEndian.PutUint64(packet[0:8], protocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)
	_, err := ut.conn.Write(packet[:])

	return err
}

func (ut *UDPTracker) readConnectPacket(transactionID uint32) (uint64, error) {
	var packet [16]byte

	nread, err := ut.conn.Read(packet[:])
	if err != nil {
		return 0, err
	}
	if nread < 16 {
		return 0, errPacketTooShort
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return 0, fmt.Errorf("tracker error: %s", string(packet[8:nread]))
	}
	if action != actionConnect {
		return 0, errActionMismatch
	}

	receivedTransactionID := binary.BigEndian.Uint32(packet[4:8])
	if receivedTransactionID != transactionID {
		return 0, errTransactionIDMismatch
	}

	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func (ut *UDPTracker) sendAnnouncePacket(transactionID uint32, params *AnnounceParams) error {
	var packet [98]byte

	binary.BigEndian.PutUint64(packet[0:8], ut.connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(packet[80:84], params.Event.udpEventCode())
	binary.BigEndian.PutUint32(packet[84:88], 0) // ip: default to sender
	binary.BigEndian.PutUint32(packet[88:92], ut.key)
	binary.BigEndian.PutUint32(packet[92:96], params.NumWant)
	binary.BigEndian.PutUint16(packet[96:98], params.Port)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *UDPTracker) readAnnouncePacket(
	transactionID uint32,
) (*AnnounceResponse, error) {
	nread, err := ut.conn.Read(ut.readBuf)
	if err != nil {
		return nil, err
	}

	packet := ut.readBuf[:nread]
	if nread < 20 {
		return nil, errPacketTooShort
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return nil, fmt.Errorf("tracker error: %s", string(packet[8:nread]))
	}
	if action != actionAnnounce {
		return nil, errActionMismatch
	}

	receivedTransactionID := binary.BigEndian.Uint32(packet[4:8])
	if receivedTransactionID != transactionID {
		return nil, errTransactionIDMismatch
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := DecodeCompact(packet[20:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func randU32() (uint32, error) {
	var b [4]byte

	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// attemptTimeout returns the BEP 15 per-attempt deadline, clipped to the
// context's remaining time.
func attemptTimeout(ctx context.Context, n int) (time.Duration, error) {
	if n > maxTimeoutShift {
		n = maxTimeoutShift
	}
	timeout := baseBackoff * (1 << n)

	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remain < timeout {
			return remain, nil
		}
	}

	return timeout, nil
}
