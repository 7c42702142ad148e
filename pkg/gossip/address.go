package gossip

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Address names a node. ID is usually an IPv4 address packed big-endian.
type Address struct {
	ID   uint32
	Port uint16
}

// NullAddress is the "not joined / no address" sentinel.
var NullAddress = Address{}

// IsZero reports whether a is the null sentinel.
func (a Address) IsZero() bool { return a == NullAddress }

func (a Address) String() string {
	return strconv.FormatUint(uint64(a.ID), 10) + ":" + strconv.FormatUint(uint64(a.Port), 10)
}

// IP returns the IPv4 form of ID.
func (a Address) IP() net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, a.ID)
	return ip
}

// HostPort renders the address as an ip:port pair for dialing.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.IP().String(), strconv.FormatUint(uint64(a.Port), 10))
}

// ParseAddress accepts "id:port" or "a.b.c.d:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: bad port: %w", s, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return Address{}, fmt.Errorf("parse address %q: not an IPv4 host", s)
		}
		return Address{ID: binary.BigEndian.Uint32(ip4), Port: uint16(port)}, nil
	}
	id, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: bad id: %w", s, err)
	}
	return Address{ID: uint32(id), Port: uint16(port)}, nil
}

// MustParseAddress is ParseAddress for literals in tests and tools.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
