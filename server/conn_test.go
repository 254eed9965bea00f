package server_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/server"
	"github.com/migadu/selftest/testutils"
)

// loopback returns both ends of a TCP connection on 127.0.0.1.
func loopback(t *testing.T) (client net.Conn, srv net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv = <-accepted
	require.NotNil(t, srv)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func TestConnStartTLS(t *testing.T) {
	srvTLS, clientTLS := testutils.TLSConfigs(t)
	client, raw := loopback(t)
	conn := server.NewConn(raw, 0)
	defer conn.Close()

	assert.False(t, conn.IsTLS())
	_, ok := conn.TLSState()
	assert.False(t, ok)

	errc := make(chan error, 1)
	go func() { errc <- conn.StartTLS(context.Background(), srvTLS, 5*time.Second) }()

	tc := tls.Client(client, clientTLS)
	require.NoError(t, tc.Handshake())
	require.NoError(t, <-errc)

	assert.True(t, conn.IsTLS())
	state, ok := conn.TLSState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)
	assert.True(t, strings.HasPrefix(conn.JA4(), "t1"), conn.JA4())

	_, err := tc.Write([]byte("hello\r\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\r\n", line)

	assert.Error(t, conn.StartTLS(context.Background(), srvTLS, time.Second), "second upgrade")
}

func TestConnInterruptTLS(t *testing.T) {
	srvTLS, clientTLS := testutils.TLSConfigs(t)
	client, raw := loopback(t)
	conn := server.NewConn(raw, 0)

	errc := make(chan error, 1)
	go func() {
		errc <- conn.InterruptTLS(context.Background(), srvTLS, "421 go away\r\n", 5*time.Second)
		conn.Close()
	}()

	var seen strings.Builder
	tc := tls.Client(&teeConn{Conn: client, w: &seen}, clientTLS)
	tc.SetDeadline(time.Now().Add(5 * time.Second))
	assert.Error(t, tc.Handshake())
	io.Copy(&seen, client)

	assert.ErrorIs(t, <-errc, server.ErrHandshakeInterrupted)
	assert.True(t, strings.HasPrefix(seen.String(), "421 go away\r\n"), "%q", seen.String())
	assert.False(t, conn.IsTLS())
	assert.NotEmpty(t, conn.JA4())
}

func TestConnInterruptTLSWithoutHello(t *testing.T) {
	srvTLS, _ := testutils.TLSConfigs(t)
	client, raw := loopback(t)
	conn := server.NewConn(raw, 0)
	defer conn.Close()

	_, err := client.Write([]byte("QUIT\r\n"))
	require.NoError(t, err)
	err = conn.InterruptTLS(context.Background(), srvTLS, "unused\r\n", 2*time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, server.ErrHandshakeInterrupted)
	assert.Empty(t, conn.JA4())
}

func TestConnLifetime(t *testing.T) {
	client, raw := loopback(t)
	conn := server.NewConn(raw, 50*time.Millisecond)
	defer conn.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, conn.Close(), "closing twice is harmless")
}

type teeConn struct {
	net.Conn
	w io.Writer
}

func (c *teeConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.w.Write(b[:n])
	return n, err
}
