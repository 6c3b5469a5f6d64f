package meta

import (
	"encoding/hex"
	"testing"
)

func TestParseMagnet(t *testing.T) {
	const hash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

	m, err := ParseMagnet(
		"magnet:?xt=urn:btih:" + hash +
			"&dn=debian.iso" +
			"&tr=udp%3A%2F%2Ftracker.example%3A6969%2Fannounce" +
			"&tr=http%3A%2F%2Fbackup.example%2Fannounce",
	)
	if err != nil {
		t.Fatalf("ParseMagnet: %v", err)
	}

	if got := hex.EncodeToString(m.InfoHash[:]); got != hash {
		t.Fatalf("info hash = %s, want %s", got, hash)
	}
	if m.Name != "debian.iso" {
		t.Fatalf("name = %q, want debian.iso", m.Name)
	}
	if len(m.Trackers) != 2 || m.Trackers[0] != "udp://tracker.example:6969/announce" {
		t.Fatalf("trackers = %v", m.Trackers)
	}
}

func TestParseMagnet_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"wrong scheme", "http://example.com?xt=urn:btih:aa"},
		{"missing xt", "magnet:?dn=name"},
		{"bad xt prefix", "magnet:?xt=urn:sha1:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"},
		{"short hash", "magnet:?xt=urn:btih:c12fe1"},
		{"non-hex hash", "magnet:?xt=urn:btih:zzzze1c06bba254a9dc9f519b335aa7c1367a88a"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMagnet(tc.input); err == nil {
				t.Fatalf("ParseMagnet(%q) succeeded, want error", tc.input)
			}
		})
	}
}
