package server

import (
	"net"
	"strconv"
)

// GetHostPortFromAddr splits addr into host and numeric port. Addresses
// without a port yield port 0.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// PeerIdentifier is the default Mode Store key for a connection: the peer's
// IP address.
func PeerIdentifier(addr net.Addr) string {
	host, _ := GetHostPortFromAddr(addr)
	return host
}
