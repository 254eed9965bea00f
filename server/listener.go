package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/netutil"

	"github.com/migadu/selftest/consts"
	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/metrics"
)

// TLS styles.
const (
	TLSStyleSTARTTLS = "starttls"
	TLSStyleImplicit = "implicit"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDrainTimeout     = 30 * time.Second
)

// ListenerSpec is one row of the port table.
type ListenerSpec struct {
	Name     string
	Protocol string // "smtp" or "imap"
	Addr     string
	TLSStyle string // TLSStyleSTARTTLS or TLSStyleImplicit
	Hostname string

	MaxConnections  int
	IdleTimeout     time.Duration
	SessionLifetime time.Duration
	MaxErrors       int
}

// Engine speaks one protocol over an accepted connection. Serve returns
// when the conversation is over; the manager closes the connection.
type Engine interface {
	Serve(ctx context.Context, cc *ConnContext)
}

// ManagerOptions are the collaborators shared by every listener.
type ManagerOptions struct {
	Modes            *modestore.Store
	Recorder         *eventlog.Recorder
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	Engines          map[string]Engine
	// Identifier derives the Mode Store key from the peer address.
	// Defaults to PeerIdentifier.
	Identifier func(net.Addr) string
}

type boundListener struct {
	spec ListenerSpec
	ln   net.Listener
	port int
}

// Manager owns the listening sockets and the connections they accept.
type Manager struct {
	specs []ListenerSpec
	opts  ManagerOptions

	mu       sync.Mutex
	bound    []*boundListener
	conns    map[*Conn]struct{}
	closing  bool
	acceptWg sync.WaitGroup
	connWg   sync.WaitGroup
}

// NewManager checks the port table against the registered engines.
func NewManager(specs []ListenerSpec, opts ManagerOptions) (*Manager, error) {
	if opts.Modes == nil || opts.Recorder == nil {
		return nil, errors.New("listener manager needs a mode store and a recorder")
	}
	if len(specs) == 0 {
		return nil, errors.New("no listeners configured")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Identifier == nil {
		opts.Identifier = PeerIdentifier
	}
	for _, s := range specs {
		if _, ok := opts.Engines[s.Protocol]; !ok {
			return nil, fmt.Errorf("listener %s: %w %q", s.Name, consts.ErrNoEngine, s.Protocol)
		}
		switch s.TLSStyle {
		case TLSStyleSTARTTLS, TLSStyleImplicit:
		default:
			return nil, fmt.Errorf("listener %s: unknown tls style %q", s.Name, s.TLSStyle)
		}
		if opts.TLSConfig == nil {
			return nil, fmt.Errorf("listener %s: %w", s.Name, consts.ErrTLSUnavailable)
		}
	}
	return &Manager{
		specs: specs,
		opts:  opts,
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Start binds every listener, then starts accepting on all of them. If any
// bind fails the sockets bound so far are closed and nothing is served.
func (m *Manager) Start(ctx context.Context) error {
	bound := make([]*boundListener, 0, len(m.specs))
	for _, spec := range m.specs {
		ln, err := ListenWithBacklog(ctx, "tcp", spec.Addr, DefaultBacklog)
		if err != nil {
			for _, b := range bound {
				b.ln.Close()
			}
			return fmt.Errorf("%w: %s (%s): %v", consts.ErrListenerBind, spec.Name, spec.Addr, err)
		}
		if spec.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, spec.MaxConnections)
		}
		_, port := GetHostPortFromAddr(ln.Addr())
		bound = append(bound, &boundListener{spec: spec, ln: ln, port: port})
	}

	m.mu.Lock()
	m.bound = bound
	m.mu.Unlock()

	for _, b := range bound {
		logger.Info("Listener bound", "name", b.spec.Name, "protocol", b.spec.Protocol, "addr", b.ln.Addr().String(), "tls_style", b.spec.TLSStyle)
		m.acceptWg.Add(1)
		go m.acceptLoop(ctx, b)
	}
	go func() {
		<-ctx.Done()
		m.closeListeners()
	}()
	return nil
}

// Addrs returns the bound address of each listener by name.
func (m *Manager) Addrs() map[string]net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]net.Addr, len(m.bound))
	for _, b := range m.bound {
		out[b.spec.Name] = b.ln.Addr()
	}
	return out
}

func (m *Manager) acceptLoop(ctx context.Context, b *boundListener) {
	defer m.acceptWg.Done()
	for {
		raw, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			logger.Warn("Accept failed", "name", b.spec.Name, "error", err)
			continue
		}
		m.handle(ctx, b, raw)
	}
}

// handle takes the scenario decision for raw and hands it to the engine on
// a new goroutine.
func (m *Manager) handle(ctx context.Context, b *boundListener, raw net.Conn) {
	spec := b.spec
	remote, _ := GetHostPortFromAddr(raw.RemoteAddr())
	decision := m.opts.Modes.Decide(m.opts.Identifier(raw.RemoteAddr()))

	conn := NewConn(raw, spec.SessionLifetime)
	if !m.track(conn) {
		raw.Close()
		return
	}

	cc := &ConnContext{
		Session: &Session{
			ID:         ulid.Make().String(),
			RemoteIP:   remote,
			Protocol:   spec.Protocol,
			ServerName: spec.Name,
		},
		Conn:             conn,
		Spec:             spec,
		Port:             b.port,
		Decision:         decision,
		TLSConfig:        m.opts.TLSConfig,
		HandshakeTimeout: m.opts.HandshakeTimeout,
		recorder:         m.opts.Recorder,
	}

	metrics.ConnectionsTotal.WithLabelValues(spec.Protocol, spec.TLSStyle).Inc()
	metrics.ScenarioConnections.WithLabelValues(spec.Protocol, decision.Scenario.String(), string(decision.Source)).Inc()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		defer m.untrack(conn)
		m.serve(ctx, cc)
	}()
}

func (m *Manager) serve(ctx context.Context, cc *ConnContext) {
	protocol := cc.Spec.Protocol
	metrics.ConnectionsCurrent.WithLabelValues(protocol).Inc()
	cc.Record(ctx, eventlog.KindConnect, map[string]any{"tls_style": cc.Spec.TLSStyle})
	cc.DebugLog("connected on %s (scenario %s from %s)", cc.Spec.Name, cc.Scenario(), cc.Decision.Source)
	defer func() {
		cc.Conn.Close()
		cc.Record(ctx, eventlog.KindDisconnect, map[string]any{
			"reason":      cc.CloseReason(),
			"duration_ms": time.Since(cc.Conn.Started()).Milliseconds(),
		})
		metrics.ConnectionsCurrent.WithLabelValues(protocol).Dec()
		metrics.ConnectionDuration.WithLabelValues(protocol).Observe(time.Since(cc.Conn.Started()).Seconds())
		cc.DebugLog("disconnected (%s)", cc.CloseReason())
	}()

	if cc.Spec.TLSStyle == TLSStyleImplicit {
		if cc.Scenario().Downgrading() {
			// Push the client toward the STARTTLS port where the scenario
			// is exercised.
			metrics.ImplicitTLSBlocked.WithLabelValues(protocol).Inc()
			cc.SetCloseReason("implicit_tls_blocked")
			return
		}
		if err := cc.Conn.StartTLS(ctx, cc.TLSConfig, cc.HandshakeTimeout); err != nil {
			cc.Record(ctx, eventlog.KindTLSHandshake, map[string]any{"result": "failed", "ja4": cc.Conn.JA4()})
			cc.SetCloseReason("handshake_failed")
			if IsConnectionError(err) {
				cc.DebugLog("implicit TLS handshake failed: %v", err)
			} else {
				cc.WarnLog("implicit TLS handshake failed: %v", err)
			}
			return
		}
		cc.Record(ctx, eventlog.KindTLSHandshake, map[string]any{"result": "ok", "ja4": cc.Conn.JA4()})
	}

	m.opts.Engines[protocol].Serve(ctx, cc)
}

func (m *Manager) track(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.conns[c] = struct{}{}
	return true
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

func (m *Manager) closeListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	for _, b := range m.bound {
		b.ln.Close()
	}
}

// Close stops accepting and waits for connections to finish. Connections
// still open after the drain timeout are closed.
func (m *Manager) Close() error {
	m.closeListeners()
	m.acceptWg.Wait()

	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.opts.DrainTimeout):
	}

	m.mu.Lock()
	remaining := len(m.conns)
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	logger.Warn("Listener manager: closed connections after drain timeout", "count", remaining)
	<-done
	return nil
}
