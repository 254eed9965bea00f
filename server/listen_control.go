//go:build dragonfly || freebsd || linux || netbsd || openbsd || darwin

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen queue length used for mail listeners.
const DefaultBacklog = 1024

// ListenWithBacklog opens a TCP listener with SO_REUSEADDR and an explicit
// listen backlog. A wildcard host listens dual-stack.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	family, sockaddr, v6only := sockaddrFor(addr)

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		syscall.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", address, err)
	}

	setup := func() error {
		if family == unix.AF_INET6 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
				return fmt.Errorf("IPV6_V6ONLY: %w", err)
			}
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			return fmt.Errorf("nonblock: %w", err)
		}
		if err := unix.Bind(fd, sockaddr); err != nil {
			return fmt.Errorf("bind %s: %w", address, err)
		}
		if err := unix.Listen(fd, backlog); err != nil {
			return fmt.Errorf("listen %s: %w", address, err)
		}
		return nil
	}
	if err := setup(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// FileListener dups the descriptor.
	file := os.NewFile(uintptr(fd), "listener:"+address)
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("listener %s: %w", address, err)
	}
	return ln, nil
}

func sockaddrFor(addr *net.TCPAddr) (family int, sa unix.Sockaddr, v6only int) {
	switch {
	case addr.IP == nil || addr.IP.IsUnspecified() && addr.IP.To4() == nil:
		return unix.AF_INET6, &unix.SockaddrInet6{Port: addr.Port}, 0
	case addr.IP.To4() != nil:
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], addr.IP.To4())
		return unix.AF_INET, sa4, 0
	default:
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa6.ZoneId = uint32(iface.Index)
			}
		}
		return unix.AF_INET6, sa6, 1
	}
}
