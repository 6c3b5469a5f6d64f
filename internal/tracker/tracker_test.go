package tracker

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/devksingh/gorabbit/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildAnnounceURLs_Tiers(t *testing.T) {
	tiers, err := buildAnnounceURLs("", [][]string{
		{"http://a.example/announce", "udp://b.example:6969/announce"},
		{"https://c.example/announce"},
		{"wss://unsupported.example"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}

	if len(tiers) != 2 {
		t.Fatalf("tiers = %d, want 2 (unsupported scheme tier dropped)", len(tiers))
	}
	if len(tiers[0]) != 2 || len(tiers[1]) != 1 {
		t.Fatalf("tier sizes = %d,%d, want 2,1", len(tiers[0]), len(tiers[1]))
	}
}

func TestBuildAnnounceURLs_AnnounceFallback(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://solo.example/announce", nil)
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("want single 1-url tier, got %v", tiers)
	}

	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatal("want error for no announce urls")
	}
}

func TestClient_PromoteWithinTier(t *testing.T) {
	c, err := NewClient("", [][]string{
		{"http://a.example/x", "http://b.example/x", "http://c.example/x"},
	}, &Opts{
		Config:            config.Default(),
		Log:               discardLogger(),
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	// Promote whichever URL is at index 2; it must land at the head with
	// the rest shifted down in order.
	before := c.snapshotTier(0)
	c.promoteWithinTier(0, 2)
	after := c.snapshotTier(0)

	if after[0] != before[2] || after[1] != before[0] || after[2] != before[1] {
		t.Fatalf("promotion order wrong: before %v after %v", before, after)
	}
}

func TestHTTPTracker_Announce(t *testing.T) {
	infoHash := [20]byte{0x12, 0x34, 0xff}
	var gotQuery url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		// interval 1800, two compact peers.
		peers := "\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x1a\xe2"
		resp := "d8:completei5e10:incompletei3e8:intervali1800e5:peers12:" + peers + "e"
		_, _ = io.WriteString(w, resp)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/announce")
	ht, err := NewHTTPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPTracker: %v", err)
	}

	resp, err := ht.Announce(context.Background(), &AnnounceParams{
		InfoHash: infoHash,
		PeerID:   [20]byte{'p'},
		Port:     6881,
		Left:     1024,
		NumWant:  50,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval != 1800*time.Second {
		t.Fatalf("Interval = %v, want 1800s", resp.Interval)
	}
	if resp.Seeders != 5 || resp.Leechers != 3 {
		t.Fatalf("seeders/leechers = %d/%d, want 5/3", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 2 || resp.Peers[0] != netip.MustParseAddrPort("127.0.0.1:6881") {
		t.Fatalf("peers = %v", resp.Peers)
	}

	if got := gotQuery.Get("info_hash"); got != string(infoHash[:]) {
		t.Fatalf("info_hash query = %s, want raw bytes %s",
			hex.EncodeToString([]byte(got)), hex.EncodeToString(infoHash[:]))
	}
	if gotQuery.Get("compact") != "1" {
		t.Fatal("compact=1 missing")
	}
	if gotQuery.Get("event") != "started" {
		t.Fatalf("event = %q, want started", gotQuery.Get("event"))
	}
	if gotQuery.Get("left") != "1024" {
		t.Fatalf("left = %q, want 1024", gotQuery.Get("left"))
	}
}

func TestHTTPTracker_FailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "d14:failure reason12:unregisterede")
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/announce")
	ht, err := NewHTTPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPTracker: %v", err)
	}

	_, err = ht.Announce(context.Background(), &AnnounceParams{})
	if err == nil || !strings.Contains(err.Error(), "unregistered") {
		t.Fatalf("err = %v, want failure reason surfaced", err)
	}
}

func TestEvent_UDPWireCodes(t *testing.T) {
	// BEP 15: 0=none, 1=completed, 2=started, 3=stopped.
	cases := map[Event]uint32{
		EventNone:      0,
		EventCompleted: 1,
		EventStarted:   2,
		EventStopped:   3,
	}
	for ev, want := range cases {
		if got := ev.udpEventCode(); got != want {
			t.Fatalf("%v code = %d, want %d", ev, got, want)
		}
	}
}
