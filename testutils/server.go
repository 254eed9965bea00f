package testutils

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/server"
)

// TestHostname is the name test servers greet with and certify.
const TestHostname = "selftest.test"

// TLSConfigs returns a server config with a fresh self-signed ECDSA
// certificate for TestHostname and a client config trusting it.
func TLSConfigs(t *testing.T) (srv *tls.Config, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: TestHostname},
		DNSNames:              []string{TestHostname},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	srv = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: TestHostname, MinVersion: tls.VersionTLS12}
	return srv, client
}

// TestServer is a listener manager bound to loopback ports with a file
// event log in a temporary directory.
type TestServer struct {
	Manager   *server.Manager
	Modes     *modestore.Store
	Log       *eventlog.FileLog
	Recorder  *eventlog.Recorder
	ClientTLS *tls.Config
	addrs     map[string]net.Addr
}

// Addr returns host:port of the named listener.
func (ts *TestServer) Addr(name string) string {
	a, ok := ts.addrs[name]
	if !ok {
		return ""
	}
	return a.String()
}

// Events returns everything logged for session so far.
func (ts *TestServer) Events(t *testing.T, session, protocol string) []eventlog.Event {
	t.Helper()
	return eventlog.Collect(ts.Log.Query(context.Background(), session, protocol))
}

// AllEvents returns every event in the log, including those without a
// session.
func (ts *TestServer) AllEvents(t *testing.T) []eventlog.Event {
	t.Helper()
	return eventlog.Collect(ts.Log.All(context.Background()))
}

// WaitForEvent polls the log until an event of kind shows up.
func (ts *TestServer) WaitForEvent(t *testing.T, kind eventlog.Kind) eventlog.Event {
	t.Helper()
	var found eventlog.Event
	require.Eventually(t, func() bool {
		for _, ev := range ts.AllEvents(t) {
			if ev.Kind == kind {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no %s event", kind)
	return found
}

// StartServer binds every spec on 127.0.0.1 with an ephemeral port and
// serves them with engines. The Mode Store default is baseline.
func StartServer(t *testing.T, specs []server.ListenerSpec, engines map[string]server.Engine) *TestServer {
	t.Helper()

	srvTLS, clientTLS := TLSConfigs(t)
	modes, err := modestore.New(modestore.Baseline)
	require.NoError(t, err)

	log, err := eventlog.OpenFile(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	filter, err := eventlog.NewFilter("test-key")
	require.NoError(t, err)
	rec := eventlog.NewRecorder(log, filter)

	for i := range specs {
		specs[i].Addr = "127.0.0.1:0"
		if specs[i].Hostname == "" {
			specs[i].Hostname = TestHostname
		}
	}
	mgr, err := server.NewManager(specs, server.ManagerOptions{
		Modes:            modes,
		Recorder:         rec,
		TLSConfig:        srvTLS,
		HandshakeTimeout: 5 * time.Second,
		DrainTimeout:     2 * time.Second,
		Engines:          engines,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() {
		cancel()
		mgr.Close()
		log.Close()
	})

	return &TestServer{
		Manager:   mgr,
		Modes:     modes,
		Log:       log,
		Recorder:  rec,
		ClientTLS: clientTLS,
		addrs:     mgr.Addrs(),
	}
}

// LineConn is a raw line-oriented client for driving a server by hand.
type LineConn struct {
	t    *testing.T
	Conn net.Conn
	R    *bufio.Reader
}

// Dial connects to addr with a short deadline on every read.
func Dial(t *testing.T, addr string) *LineConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &LineConn{t: t, Conn: c, R: bufio.NewReader(c)}
}

// Send writes line followed by CRLF.
func (lc *LineConn) Send(line string) {
	lc.t.Helper()
	_, err := lc.Conn.Write([]byte(line + "\r\n"))
	require.NoError(lc.t, err)
}

// ReadLine reads one line without its terminator.
func (lc *LineConn) ReadLine() string {
	lc.t.Helper()
	lc.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := lc.R.ReadString('\n')
	require.NoError(lc.t, err, "partial line %q", line)
	return strings.TrimRight(line, "\r\n")
}

// ReadUntil reads lines until one starts with prefix and returns all of
// them, the matching line last.
func (lc *LineConn) ReadUntil(prefix string) []string {
	lc.t.Helper()
	var lines []string
	for {
		l := lc.ReadLine()
		lines = append(lines, l)
		if strings.HasPrefix(l, prefix) {
			return lines
		}
	}
}

// ReadErr reads until the connection fails and returns the error seen.
func (lc *LineConn) ReadErr() error {
	lc.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, err := lc.R.ReadString('\n'); err != nil {
			return err
		}
	}
}

// StartTLS upgrades the connection in place as a client.
func (lc *LineConn) StartTLS(cfg *tls.Config) error {
	tc := tls.Client(lc.Conn, cfg)
	tc.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tc.Handshake(); err != nil {
		return err
	}
	tc.SetDeadline(time.Time{})
	lc.Conn = tc
	lc.R = bufio.NewReader(tc)
	return nil
}
