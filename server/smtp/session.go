package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/helpers"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/server"
)

// maxHeaderBytes is how much of a message is kept to count its header
// fields. The rest is discarded as it streams in.
const maxHeaderBytes = 64 * 1024

// errIO marks a failure of the connection itself, as opposed to a
// protocol-level problem the client can recover from.
type errIO struct{ err error }

func (e errIO) Error() string { return e.err.Error() }
func (e errIO) Unwrap() error { return e.err }

type session struct {
	cc        *server.ConnContext
	r         *bufio.Reader
	w         *bufio.Writer
	hostname  string
	idle      time.Duration
	maxErrors int

	helo       string
	authed     bool
	mailFrom   bool
	recipients int
	errors     int
	closing    bool
	// disruptNext is set once credentials went over TLS under t4.
	disruptNext bool
}

func (s *session) run(ctx context.Context) {
	if err := s.reply("220 %s ESMTP", s.hostname); err != nil {
		s.transportError(err)
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				if s.protocolError("500 5.5.2 Line too long") {
					return
				}
				continue
			}
			s.transportError(err)
			return
		}

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		arg = strings.TrimSpace(arg)
		s.cc.DebugLog("C: %s", helpers.MaskSensitive(line, verb, "AUTH"))

		if s.disruptNext {
			s.disrupt(ctx, verb)
			return
		}

		done, err := s.handle(ctx, verb, arg)
		if err != nil {
			s.transportError(err)
			return
		}
		if done || s.closing {
			return
		}
	}
}

// handle runs one command. It returns done when the conversation is over.
func (s *session) handle(ctx context.Context, verb, arg string) (bool, error) {
	switch verb {
	case "EHLO", "HELO":
		return false, s.handleHelo(ctx, verb, arg)
	case "STARTTLS":
		return s.handleStartTLS(ctx)
	case "AUTH":
		return false, s.handleAuth(ctx, arg)
	case "MAIL":
		return false, s.handleMail(arg)
	case "RCPT":
		return false, s.handleRcpt(arg)
	case "DATA":
		return false, s.handleData(ctx)
	case "RSET":
		s.resetTransaction()
		return false, s.ok("250 2.0.0 OK")
	case "NOOP":
		return false, s.ok("250 2.0.0 OK")
	case "VRFY":
		return false, s.ok("252 2.5.2 Cannot VRFY user")
	case "QUIT":
		s.cc.SetCloseReason("quit")
		return true, s.reply("221 2.0.0 Bye")
	case "":
		return false, s.fail("500 5.5.2 Syntax error")
	default:
		return false, s.fail("502 5.5.1 Command not implemented")
	}
}

func (s *session) handleHelo(ctx context.Context, verb, arg string) error {
	if arg == "" {
		return s.fail(fmt.Sprintf("501 5.5.4 Syntax: %s hostname", verb))
	}
	s.helo = arg
	s.resetTransaction()

	if verb == "HELO" {
		s.cc.Record(ctx, eventlog.KindEHLO, map[string]any{"verb": verb, "starttls_advertised": false})
		return s.ok("250 %s", s.hostname)
	}

	advertise := !s.cc.TLS() && server.AdvertiseSTARTTLS(s.cc.Scenario())
	lines := []string{
		s.hostname,
		"PIPELINING",
		fmt.Sprintf("SIZE %d", MaxMessageSize),
		"AUTH " + strings.Join(server.AuthMechanisms, " "),
	}
	if advertise {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "HELP")

	s.cc.Record(ctx, eventlog.KindEHLO, map[string]any{"verb": verb, "starttls_advertised": advertise})
	s.errors = 0
	return s.multiline("250", lines)
}

func (s *session) handleStartTLS(ctx context.Context) (bool, error) {
	protocol := s.cc.Spec.Protocol
	if s.cc.TLS() {
		s.recordStartTLS(ctx, server.ResultAlreadyTLS)
		return false, s.fail("454 4.7.0 TLS not available due to temporary reason")
	}

	switch server.STARTTLSActionFor(s.cc.Scenario()) {
	case server.STARTTLSRefuse:
		s.recordStartTLS(ctx, server.ResultRefused)
		return false, s.reply("454 4.7.0 TLS not available due to temporary reason")

	case server.STARTTLSInterrupt:
		if err := s.reply("220 2.0.0 Ready to start TLS"); err != nil {
			return true, err
		}
		err := s.cc.Conn.InterruptTLS(ctx, s.cc.TLSConfig, "421 4.7.0 TLS negotiation interrupted\r\n", s.cc.HandshakeTimeout)
		if errors.Is(err, server.ErrHandshakeInterrupted) {
			s.recordStartTLS(ctx, server.ResultDisruptedHandshake)
			metrics.DisruptionsTotal.WithLabelValues(protocol, s.cc.Scenario().String()).Inc()
			s.cc.SetCloseReason(server.ResultDisruptedHandshake)
			s.cc.Log("STARTTLS handshake interrupted with cleartext")
			return true, nil
		}
		s.recordStartTLS(ctx, server.ResultHandshakeFailed)
		s.cc.SetCloseReason(server.ResultHandshakeFailed)
		s.cc.DebugLog("STARTTLS client hello never arrived: %v", err)
		return true, nil

	case server.STARTTLSUpgrade:
		if err := s.reply("220 2.0.0 Ready to start TLS"); err != nil {
			return true, err
		}
		if err := s.cc.Conn.StartTLS(ctx, s.cc.TLSConfig, s.cc.HandshakeTimeout); err != nil {
			s.recordStartTLS(ctx, server.ResultHandshakeFailed)
			s.cc.SetCloseReason(server.ResultHandshakeFailed)
			s.cc.DebugLog("STARTTLS handshake failed: %v", err)
			return true, nil
		}
		// Anything pipelined behind STARTTLS was sent in the clear and is
		// dropped with the old reader.
		s.setTransport()
		s.helo = ""
		s.authed = false
		s.resetTransaction()
		s.recordStartTLS(ctx, server.ResultOK)
		return false, nil
	}
	return false, nil
}

func (s *session) recordStartTLS(ctx context.Context, result string) {
	metrics.StartTLSTotal.WithLabelValues(s.cc.Spec.Protocol, result).Inc()
	attrs := map[string]any{"result": result}
	if ja4 := s.cc.Conn.JA4(); ja4 != "" {
		attrs["ja4"] = ja4
	}
	s.cc.Record(ctx, eventlog.KindStartTLS, attrs)
}

func (s *session) handleAuth(ctx context.Context, arg string) error {
	if s.authed {
		return s.fail("503 5.5.1 Already authenticated")
	}
	mechanism, initial, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)

	var username string
	authenticated := false
	srv, err := server.NewAuthServer(mechanism, func(u string) {
		username = u
		authenticated = true
	})
	if err != nil {
		return s.fail("504 5.5.4 Unrecognized authentication type")
	}

	initial = strings.TrimSpace(initial)
	responded := initial != ""
	err = server.SASLExchange(srv, initial,
		func(challenge string) error {
			if err := s.reply("334 %s", challenge); err != nil {
				return errIO{err}
			}
			return nil
		},
		func() (string, error) {
			line, err := s.readLine()
			if err != nil && !errors.Is(err, server.ErrLineTooLong) {
				return "", errIO{err}
			}
			s.cc.DebugLog("C: %s", helpers.MaskAll(line))
			if strings.TrimSpace(line) != "*" {
				responded = true
			}
			return line, err
		})

	var ioErr errIO
	if err != nil && responded && !errors.As(err, &ioErr) {
		s.cc.Credentials(ctx, eventlog.KindAuthAttempt, "", map[string]any{
			"mechanism": mechanism,
			"malformed": true,
		})
	}
	switch {
	case errors.As(err, &ioErr):
		return ioErr.err
	case errors.Is(err, server.ErrAuthCancelled):
		return s.fail("501 5.7.0 Authentication cancelled")
	case errors.Is(err, server.ErrAuthDecode), errors.Is(err, server.ErrLineTooLong):
		return s.fail("501 5.5.2 Cannot decode response")
	case err != nil || !authenticated:
		return s.fail("535 5.7.8 Authentication credentials invalid")
	}

	s.cc.Credentials(ctx, eventlog.KindAuthAttempt, username, map[string]any{"mechanism": mechanism})
	s.authed = true
	if s.cc.TLS() && server.DisruptsAfterAuth(s.cc.Scenario()) {
		s.disruptNext = true
	}
	return s.ok("235 2.7.0 Authentication successful")
}

func (s *session) handleMail(arg string) error {
	if !hasPrefixFold(arg, "FROM:") {
		return s.fail("501 5.5.4 Syntax: MAIL FROM:<address>")
	}
	s.resetTransaction()
	s.mailFrom = true
	return s.ok("250 2.1.0 OK")
}

func (s *session) handleRcpt(arg string) error {
	if !s.mailFrom {
		return s.fail("503 5.5.1 Bad sequence of commands")
	}
	if !hasPrefixFold(arg, "TO:") {
		return s.fail("501 5.5.4 Syntax: RCPT TO:<address>")
	}
	s.recipients++
	return s.ok("250 2.1.5 OK")
}

func (s *session) handleData(ctx context.Context) error {
	if !s.mailFrom || s.recipients == 0 {
		return s.fail("503 5.5.1 Bad sequence of commands")
	}
	if err := s.reply("354 End data with <CR><LF>.<CR><LF>"); err != nil {
		return err
	}

	var head bytes.Buffer
	size := 0
	inHeader := true
	for {
		line, err := s.readLine()
		if err != nil && !errors.Is(err, server.ErrLineTooLong) {
			return err
		}
		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")
		size += len(line) + 2
		if inHeader && head.Len() < maxHeaderBytes {
			head.WriteString(line)
			head.WriteString("\r\n")
		}
		if line == "" {
			inHeader = false
		}
	}

	recipients := s.recipients
	s.resetTransaction()
	if size > MaxMessageSize {
		return s.fail("552 5.3.4 Message size exceeds fixed limit")
	}

	s.cc.Record(ctx, eventlog.KindDataEnd, map[string]any{
		"bytes":      size,
		"recipients": recipients,
		"headers":    countHeaderFields(head.Bytes()),
	})
	return s.ok("250 2.0.0 OK: queued")
}

// countHeaderFields parses the header block of a message. A malformed
// header counts as zero fields.
func countHeaderFields(raw []byte) int {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		raw = append(raw, "\r\n"...)
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return 0
	}
	n := 0
	fields := h.Fields()
	for fields.Next() {
		n++
	}
	return n
}

// disrupt answers the command that follows a TLS authentication under t4
// with a bogus line and drops the connection.
func (s *session) disrupt(ctx context.Context, verb string) {
	s.w.WriteString(server.InjectedSMTPLine + "\r\n")
	s.w.Flush()
	metrics.DisruptionsTotal.WithLabelValues(s.cc.Spec.Protocol, s.cc.Scenario().String()).Inc()
	s.cc.Record(ctx, eventlog.KindDisrupt, map[string]any{
		"reason":  "after_auth_command",
		"payload": server.InjectedSMTPLine,
		"command": verb,
	})
	s.cc.SetCloseReason("disrupted")
	s.cc.Log("connection disrupted after authentication (command %s)", verb)
}

func (s *session) resetTransaction() {
	s.mailFrom = false
	s.recipients = 0
}

func (s *session) readLine() (string, error) {
	if err := s.cc.Conn.SetReadDeadline(time.Now().Add(s.idle)); err != nil {
		return "", err
	}
	return server.ReadLine(s.r, server.MaxLineLength)
}

func (s *session) reply(format string, args ...any) error {
	if _, err := fmt.Fprintf(s.w, format+"\r\n", args...); err != nil {
		return err
	}
	return s.w.Flush()
}

// ok sends a success reply and clears the error streak.
func (s *session) ok(format string, args ...any) error {
	s.errors = 0
	return s.reply(format, args...)
}

func (s *session) multiline(code string, lines []string) error {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := s.w.WriteString(code + sep + l + "\r\n"); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// fail sends an error reply. Once the streak of consecutive errors
// exceeds maxErrors the session is marked closing instead.
func (s *session) fail(msg string) error {
	if s.protocolError(msg) {
		s.closing = true
	}
	return nil
}

func (s *session) protocolError(msg string) bool {
	s.errors++
	if s.errors > s.maxErrors {
		s.reply("421 4.7.0 Too many errors")
		s.cc.SetCloseReason("too_many_errors")
		return true
	}
	if err := s.reply("%s", msg); err != nil {
		s.transportError(err)
		return true
	}
	return false
}

func (s *session) transportError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.cc.SetCloseReason("client_closed")
	case errors.As(err, &ne) && ne.Timeout():
		s.reply("421 4.4.2 %s Idle timeout, closing connection", s.hostname)
		s.cc.SetCloseReason("idle_timeout")
	default:
		s.cc.SetCloseReason("transport_error")
	}
	if server.IsConnectionError(err) {
		s.cc.DebugLog("connection error: %v", err)
		return
	}
	s.cc.WarnLog("unexpected error: %v", err)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
