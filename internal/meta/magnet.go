package meta

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link: the swarm identifier plus optional display
// name and tracker hints. Acting on one requires BEP 9 metadata exchange,
// which this client does not implement; the parser exists as groundwork.
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
}

// ParseMagnet decodes a magnet URI of the form
// magnet:?xt=urn:btih:<40-hex-char info hash>&dn=<name>&tr=<tracker>...
func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet scheme %q", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet url missing 'xt'")
	}
	hashString, ok := strings.CutPrefix(xt[0], "urn:btih:")
	if !ok {
		return nil, fmt.Errorf("invalid 'xt' value: must be in 'urn:btih:<hash>' format")
	}

	if len(hashString) != sha1.Size*2 { // 20 bytes = 40 hex chars
		return nil, fmt.Errorf("invalid infohash length")
	}
	hashBytes, err := hex.DecodeString(hashString)
	if err != nil {
		return nil, fmt.Errorf("failed to decode infohash: %w", err)
	}
	copy(magnet.InfoHash[:], hashBytes)

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}

	if tr, ok := params["tr"]; ok {
		magnet.Trackers = tr
	}

	return magnet, nil
}
