package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// strideV4 is one compact-format entry: 4 bytes IPv4 + 2 bytes big-endian
// port (BEP 23).
const strideV4 = 6

func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return DecodeCompact([]byte(t))
	case []byte:
		return DecodeCompact(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

// DecodeCompact decodes a BEP 23 compact peer list: exactly k endpoints for
// 6k input bytes.
func DecodeCompact(data []byte) ([]netip.AddrPort, error) {
	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed or invalid compact peers")
	}

	n := len(data) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := data[off : off+strideV4]
		a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		p := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(a, p)
	}

	return out, nil
}

// EncodeCompact is DecodeCompact's inverse, used by tests and the round-trip
// property: re-encoding a decoded list reproduces the input bytes.
func EncodeCompact(peers []netip.AddrPort) ([]byte, error) {
	out := make([]byte, 0, len(peers)*strideV4)
	for _, p := range peers {
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("peer %s is not IPv4", p)
		}
		a4 := p.Addr().As4()
		out = append(out, a4[:]...)
		out = binary.BigEndian.AppendUint16(out, p.Port())
	}
	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		var addr netip.Addr

		switch ipv := m["ip"].(type) {
		case string:
			a, err := netip.ParseAddr(ipv)
			if err != nil {
				return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipv, err)
			}

			addr = a
		case []byte:
			if len(ipv) != 4 {
				return nil, fmt.Errorf("peer[%d]: bad ip bytes len=%d", i, len(ipv))
			}
			addr = netip.AddrFrom4([4]byte{ipv[0], ipv[1], ipv[2], ipv[3]})
		default:
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		p64, ok := m["port"].(int64)
		if !ok || p64 < 1 || p64 > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(p64)))
	}

	return peers, nil
}
