package node

import (
	"fmt"
	"net"
	"strings"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// NormalizeHostPort cuts the http://, https:// and tcp:// prefixes from the
// input address and adds a default port.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"http://", "https://", "tcp://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// ResolveAddress turns a host[:port] into a gossip address. Host names are
// looked up and the first IPv4 result wins; "id:port" literals pass through.
func ResolveAddress(addr, defPort string) (gossip.Address, error) {
	hp := NormalizeHostPort(addr, defPort)
	if a, err := gossip.ParseAddress(hp); err == nil {
		return a, nil
	}

	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return gossip.NullAddress, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return gossip.NullAddress, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return gossip.ParseAddress(net.JoinHostPort(ip4.String(), port))
		}
	}
	return gossip.NullAddress, fmt.Errorf("resolve %s: no IPv4 address", host)
}
