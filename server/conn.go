package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/exaring/ja4plus"
)

// ErrHandshakeInterrupted is returned by InterruptTLS once the ClientHello
// has been answered with cleartext.
var ErrHandshakeInterrupted = errors.New("tls handshake interrupted after client hello")

// Conn is an accepted connection whose transport can be upgraded from
// plain TCP to TLS in place. It remembers the JA4 fingerprint of the last
// ClientHello and enforces an absolute session lifetime.
//
// Read, Write and the upgrade methods are called from the connection's own
// goroutine only; Close may be called from anywhere.
type Conn struct {
	raw  net.Conn
	cur  net.Conn
	tls  *tls.Conn
	mu   sync.Mutex
	ja4  string
	once sync.Once

	started time.Time
	timer   *time.Timer
}

// NewConn wraps raw. A positive lifetime closes the connection when it
// expires.
func NewConn(raw net.Conn, lifetime time.Duration) *Conn {
	c := &Conn{raw: raw, cur: raw, started: time.Now()}
	if lifetime > 0 {
		c.timer = time.AfterFunc(lifetime, func() { c.Close() })
	}
	return c
}

func (c *Conn) Read(b []byte) (int, error)  { return c.cur.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.cur.Write(b) }

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Lock()
		cur := c.cur
		c.mu.Unlock()
		err = cur.Close()
		if cur != c.raw {
			c.raw.Close()
		}
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.cur.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.cur.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.cur.SetWriteDeadline(t) }

// Raw returns the TCP connection under any TLS layer.
func (c *Conn) Raw() net.Conn { return c.raw }

// Started is when the connection was accepted.
func (c *Conn) Started() time.Time { return c.started }

// IsTLS reports whether a TLS handshake has completed on the connection.
func (c *Conn) IsTLS() bool {
	return c.tls != nil
}

// TLSState returns the negotiated TLS state, if any.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	if c.tls == nil {
		return tls.ConnectionState{}, false
	}
	return c.tls.ConnectionState(), true
}

func (c *Conn) JA4() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ja4
}

func (c *Conn) setJA4(fp string) {
	c.mu.Lock()
	c.ja4 = fp
	c.mu.Unlock()
}

// captureConfig clones cfg with a hook that records the client's JA4 and
// then defers to hook, if given.
func (c *Conn) captureConfig(cfg *tls.Config, hook func(*tls.ClientHelloInfo) (*tls.Config, error)) *tls.Config {
	clone := cfg.Clone()
	orig := cfg.GetConfigForClient
	clone.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		c.setJA4(ja4plus.JA4(hello))
		if hook != nil {
			return hook(hello)
		}
		if orig != nil {
			return orig(hello)
		}
		return nil, nil
	}
	return clone
}

// StartTLS runs a server handshake over the raw connection and switches
// reads and writes to it on success.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config, timeout time.Duration) error {
	if c.tls != nil {
		return errors.New("tls already active")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tc := tls.Server(c.raw, c.captureConfig(cfg, nil))
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.tls = tc
	c.cur = tc
	c.mu.Unlock()
	return nil
}

// InterruptTLS starts a server handshake but, as soon as the ClientHello
// has been read, writes line in cleartext on the raw socket where the
// ServerHello would go and aborts. It returns ErrHandshakeInterrupted when
// the interruption happened, or the handshake error if the client never
// sent a usable ClientHello. The connection stays in plaintext.
func (c *Conn) InterruptTLS(ctx context.Context, cfg *tls.Config, line string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fired := false
	hook := func(*tls.ClientHelloInfo) (*tls.Config, error) {
		fired = true
		c.raw.Write([]byte(line))
		return nil, ErrHandshakeInterrupted
	}
	err := tls.Server(c.raw, c.captureConfig(cfg, hook)).HandshakeContext(ctx)
	if fired {
		return ErrHandshakeInterrupted
	}
	if err == nil {
		return errors.New("tls handshake unexpectedly completed")
	}
	return err
}
