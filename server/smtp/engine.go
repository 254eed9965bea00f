// Package smtp is the SMTP protocol engine. It speaks enough ESMTP for a
// mail client to reach its authentication and submission decision points,
// and applies the connection's scenario at each of them.
package smtp

import (
	"bufio"
	"context"

	"github.com/migadu/selftest/config"
	"github.com/migadu/selftest/server"
)

// MaxMessageSize is advertised in EHLO and enforced on DATA.
const MaxMessageSize = 35882577

const protocolName = "smtp"

// Engine serves SMTP conversations. It is stateless; everything per
// connection lives in a session.
type Engine struct {
	hostname string
}

// New returns an engine greeting as hostname unless a listener overrides it.
func New(hostname string) *Engine {
	return &Engine{hostname: hostname}
}

func (e *Engine) Serve(ctx context.Context, cc *server.ConnContext) {
	hostname := cc.Spec.Hostname
	if hostname == "" {
		hostname = e.hostname
	}
	idle := cc.Spec.IdleTimeout
	if idle <= 0 {
		idle = config.DefaultIdleTimeout
	}
	maxErrors := cc.Spec.MaxErrors
	if maxErrors <= 0 {
		maxErrors = config.DefaultMaxErrors
	}

	s := &session{
		cc:        cc,
		hostname:  hostname,
		idle:      idle,
		maxErrors: maxErrors,
	}
	s.setTransport()
	s.run(ctx)
}

func (s *session) setTransport() {
	s.r = bufio.NewReader(s.cc.Conn)
	s.w = bufio.NewWriter(s.cc.Conn)
}
