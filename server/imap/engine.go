// Package imap is the IMAP protocol engine: a single-mailbox IMAP4rev1
// responder that lets a mail client log in and read one canned message
// while the connection's scenario decides how STARTTLS behaves.
package imap

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/selftest/config"
	"github.com/migadu/selftest/server"
)

// Engine serves IMAP conversations against one shared read-only INBOX.
type Engine struct {
	hostname string
	inbox    *mailbox
}

// New builds the engine and composes the canned INBOX message.
func New(hostname string) (*Engine, error) {
	inbox, err := newMailbox(hostname)
	if err != nil {
		return nil, fmt.Errorf("compose inbox: %w", err)
	}
	return &Engine{hostname: hostname, inbox: inbox}, nil
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
		inbox:     e.inbox,
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

// capabilities lists what the server offers in its current state.
func capabilities(starttls bool) []imap.Cap {
	caps := []imap.Cap{imap.CapIMAP4rev1}
	if starttls {
		caps = append(caps, imap.CapStartTLS)
	}
	for _, mech := range server.AuthMechanisms {
		caps = append(caps, imap.AuthCap(mech))
	}
	return append(caps, imap.CapSASLIR, imap.CapIdle, imap.CapNamespace, imap.CapID, imap.CapEnable)
}

func capabilityString(caps []imap.Cap) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, " ")
}
