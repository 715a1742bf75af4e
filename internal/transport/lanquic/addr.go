package lanquic

import (
	"errors"
	"fmt"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// HostPort resolves a peer address to the host:port form the QUIC stack
// dials. Multiaddrs need an ip4 or ip6 host and a udp port; a plain
// host:port string passes through unchanged.
func HostPort(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if s == "" {
		return "", errors.New("empty address")
	}
	if !strings.HasPrefix(s, "/") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return "", fmt.Errorf("address %q: %w", addr, err)
		}
		return s, nil
	}
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	host, err := m.ValueForProtocol(ma.P_IP4)
	if err != nil {
		host, err = m.ValueForProtocol(ma.P_IP6)
		if err != nil {
			return "", fmt.Errorf("address %q has no ip4 or ip6 host", addr)
		}
	}
	port, err := m.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return "", fmt.Errorf("address %q has no udp port", addr)
	}
	return net.JoinHostPort(host, port), nil
}
