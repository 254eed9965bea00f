package server

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/resolver"
)

// ConnContext is everything an engine knows about one connection. The
// scenario decision is taken once at accept and never re-read.
type ConnContext struct {
	*Session
	Conn     *Conn
	Spec     ListenerSpec
	Port     int
	Decision modestore.Decision

	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration

	recorder *eventlog.Recorder
	session  string
	reason   string
}

// Scenario is the scenario snapshot for this connection.
func (cc *ConnContext) Scenario() modestore.Scenario {
	return cc.Decision.Scenario
}

// TLS reports whether the connection is currently encrypted.
func (cc *ConnContext) TLS() bool {
	return cc.Conn.IsTLS()
}

// ResolvedSession is the test session resolved from a username on this
// connection, or "".
func (cc *ConnContext) ResolvedSession() string {
	return cc.session
}

// SetCloseReason names why the connection ends. The first reason set wins.
func (cc *ConnContext) SetCloseReason(reason string) {
	if cc.reason == "" {
		cc.reason = reason
	}
}

// CloseReason is the reason recorded on the disconnect event.
func (cc *ConnContext) CloseReason() string {
	if cc.reason == "" {
		return "closed"
	}
	return cc.reason
}

func (cc *ConnContext) meta() eventlog.Meta {
	return eventlog.Meta{
		Protocol:     cc.Spec.Protocol,
		Scenario:     cc.Decision.Scenario,
		ModeSource:   cc.Decision.Source,
		ArmedSession: cc.Decision.Session,
		ServerPort:   cc.Port,
		Client:       cc.RemoteIP,
		ConnID:       cc.ID,
	}
}

// Record appends an event stamped with this connection's context and its
// current TLS state.
func (cc *ConnContext) Record(ctx context.Context, kind eventlog.Kind, attrs map[string]any) eventlog.Event {
	return cc.recorder.Record(ctx, cc.meta(), kind, cc.TLS(), cc.session, attrs)
}

// Credentials records that a client sent credentials for username with the
// given event kind. The username is resolved to a test session, which then
// tags every later event of the connection. The username itself is never
// recorded.
func (cc *ConnContext) Credentials(ctx context.Context, kind eventlog.Kind, username string, attrs map[string]any) {
	tls := cc.TLS()
	metrics.AuthenticationAttempts.WithLabelValues(cc.Spec.Protocol, boolLabel(tls)).Inc()

	token, ok := resolver.Resolve(username)
	if ok {
		if armed := cc.Decision.Session; armed != "" && armed != token {
			cc.Record(ctx, eventlog.KindSessionMismatch, map[string]any{
				"armed_session":    armed,
				"username_session": token,
			})
		}
		cc.session = token
		cc.Session.TestSession = token
	}

	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["resolved"] = ok
	cc.Record(ctx, kind, attrs)
	cc.DebugLog("credentials received (%s, tls=%t, resolved=%t)", kind, tls, ok)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
