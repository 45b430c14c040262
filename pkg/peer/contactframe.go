package peer

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/arheim/signalmesh/pkg/nat"
)

// The signal server treats a contact frame as opaque (spec §3, §9); this
// file documents and implements the one structure this module's peers
// agree on: a NUL-terminated nickname (the part the server keys on),
// followed by the peer's public IPv4 address, port, and NAT-type byte.

// EncodeContactFrame builds the contact frame a peer publishes to the
// signal server for itself.
func EncodeContactFrame(info nat.PeerInfo) ([]byte, error) {
	ip := net.ParseIP(info.Public.IP).To4()
	if ip == nil {
		return nil, fmt.Errorf("peer: contact frame requires an IPv4 address, got %q", info.Public.IP)
	}

	buf := make([]byte, len(info.Nickname)+1+4+2+1)
	n := copy(buf, info.Nickname)
	buf[n] = 0x00
	n++
	copy(buf[n:], ip)
	n += 4
	binary.BigEndian.PutUint16(buf[n:], uint16(info.Public.Port))
	n += 2
	buf[n] = byte(info.NATType)
	return buf, nil
}

// DecodeContactFrame parses a contact frame published by another peer.
func DecodeContactFrame(frame []byte) (nat.PeerInfo, error) {
	nulAt := -1
	for i, b := range frame {
		if b == 0x00 {
			nulAt = i
			break
		}
	}
	if nulAt < 0 {
		return nat.PeerInfo{}, fmt.Errorf("peer: contact frame missing nickname terminator")
	}

	rest := frame[nulAt+1:]
	if len(rest) != 4+2+1 {
		return nat.PeerInfo{}, fmt.Errorf("peer: contact frame has wrong trailer length %d", len(rest))
	}

	nickname := string(frame[:nulAt])
	ip := net.IP(rest[0:4]).String()
	port := int(binary.BigEndian.Uint16(rest[4:6]))
	natType := nat.NATType(rest[6])

	return nat.PeerInfo{
		Nickname: nickname,
		Public:   nat.HostAddress{IP: ip, Port: port},
		NATType:  natType,
	}, nil
}
