//go:build !(dragonfly || freebsd || linux || netbsd || openbsd || darwin)

package server

import (
	"context"
	"net"
)

const DefaultBacklog = 1024

// ListenWithBacklog falls back to the platform default backlog.
func ListenWithBacklog(ctx context.Context, network, address string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}
