package imap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/helpers"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/server"
)

// errIO wraps failures of the connection inside a SASL exchange.
type errIO struct{ err error }

func (e errIO) Error() string { return e.err.Error() }
func (e errIO) Unwrap() error { return e.err }

type session struct {
	cc        *server.ConnContext
	inbox     *mailbox
	r         *bufio.Reader
	w         *bufio.Writer
	hostname  string
	idle      time.Duration
	maxErrors int

	authenticated bool
	selected      bool
	readOnly      bool
	errors        int
	closing       bool
	disruptNext   bool
}

func (s *session) run(ctx context.Context) {
	advertise := s.advertiseSTARTTLS()
	s.cc.Record(ctx, eventlog.KindCapability, map[string]any{"via": "greeting", "starttls_advertised": advertise})
	if err := s.reply("* OK [CAPABILITY %s] %s IMAP4rev1 Service Ready", capabilityString(capabilities(advertise)), s.hostname); err != nil {
		s.transportError(err)
		return
	}

	for {
		line, logged, err := s.readCommand()
		if err != nil {
			switch {
			case errors.Is(err, server.ErrLineTooLong):
				s.fail("* BAD Line too long")
			case errors.Is(err, server.ErrLiteralTooLarge):
				tag, _, _ := strings.Cut(logged, " ")
				s.fail(tag + " BAD Literal too large")
			default:
				s.transportError(err)
				return
			}
			if s.closing {
				return
			}
			continue
		}

		cmd, perr := server.ParseCommand(line, true)
		s.cc.DebugLog("C: %s", helpers.MaskSensitive(logged, cmd.Name, "LOGIN", "AUTHENTICATE"))

		if s.disruptNext {
			s.disrupt(ctx, cmd.Name)
			return
		}

		var done bool
		switch {
		case cmd.Tag == "":
			err = s.fail("* BAD Missing tag")
		case cmd.Name == "":
			err = s.fail(cmd.Tag + " BAD Missing command")
		case perr != nil:
			err = s.fail(cmd.Tag + " BAD " + perr.Error())
		default:
			done, err = s.handle(ctx, cmd)
		}
		if err != nil {
			s.transportError(err)
			return
		}
		if done || s.closing {
			return
		}
	}
}

// handle runs one tagged command. It returns done once the connection
// should be closed.
func (s *session) handle(ctx context.Context, cmd server.Command) (bool, error) {
	switch cmd.Name {
	case "CAPABILITY":
		return false, s.handleCapability(ctx, cmd)
	case "NOOP":
		return false, s.ok(cmd.Tag + " OK NOOP completed")
	case "LOGOUT":
		s.cc.SetCloseReason("logout")
		if err := s.reply("* BYE Logging out"); err != nil {
			return true, err
		}
		return true, s.reply("%s OK LOGOUT completed", cmd.Tag)
	case "STARTTLS":
		return s.handleStartTLS(ctx, cmd)
	case "LOGIN":
		return false, s.handleLogin(ctx, cmd)
	case "AUTHENTICATE":
		return false, s.handleAuthenticate(ctx, cmd)
	case "ID":
		return false, s.multi(cmd.Tag+" OK ID completed", `* ID ("name" "selftest")`)
	case "SELECT", "EXAMINE", "LIST", "LSUB", "STATUS", "FETCH", "SEARCH", "UID",
		"CHECK", "CLOSE", "EXPUNGE", "IDLE", "NAMESPACE", "ENABLE":
		if !s.authenticated {
			return false, s.fail(cmd.Tag + " NO Not authenticated")
		}
		s.cc.Record(ctx, eventlog.KindCommand, map[string]any{"command": cmd.Name})
		return false, s.handleMailbox(cmd)
	default:
		return false, s.fail(cmd.Tag + " BAD Unknown command")
	}
}

func (s *session) advertiseSTARTTLS() bool {
	return !s.cc.TLS() && server.AdvertiseSTARTTLS(s.cc.Scenario())
}

func (s *session) handleCapability(ctx context.Context, cmd server.Command) error {
	advertise := s.advertiseSTARTTLS()
	s.cc.Record(ctx, eventlog.KindCapability, map[string]any{"via": "command", "starttls_advertised": advertise})
	return s.multi(cmd.Tag+" OK CAPABILITY completed", "* CAPABILITY "+capabilityString(capabilities(advertise)))
}

func (s *session) handleStartTLS(ctx context.Context, cmd server.Command) (bool, error) {
	protocol := s.cc.Spec.Protocol
	if s.cc.TLS() {
		s.recordStartTLS(ctx, server.ResultAlreadyTLS)
		return false, s.fail(cmd.Tag + " BAD TLS already active")
	}

	switch server.STARTTLSActionFor(s.cc.Scenario()) {
	case server.STARTTLSRefuse:
		s.recordStartTLS(ctx, server.ResultRefused)
		return false, s.reply("%s BAD STARTTLS not available", cmd.Tag)

	case server.STARTTLSInterrupt:
		if err := s.reply("%s OK Begin TLS negotiation now", cmd.Tag); err != nil {
			return true, err
		}
		err := s.cc.Conn.InterruptTLS(ctx, s.cc.TLSConfig, "* BYE TLS negotiation interrupted\r\n", s.cc.HandshakeTimeout)
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
		if err := s.reply("%s OK Begin TLS negotiation now", cmd.Tag); err != nil {
			return true, err
		}
		if err := s.cc.Conn.StartTLS(ctx, s.cc.TLSConfig, s.cc.HandshakeTimeout); err != nil {
			s.recordStartTLS(ctx, server.ResultHandshakeFailed)
			s.cc.SetCloseReason(server.ResultHandshakeFailed)
			s.cc.DebugLog("STARTTLS handshake failed: %v", err)
			return true, nil
		}
		s.setTransport()
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

func (s *session) handleLogin(ctx context.Context, cmd server.Command) error {
	if s.authenticated {
		return s.fail(cmd.Tag + " BAD Already authenticated")
	}
	if len(cmd.Args) < 2 {
		return s.fail(cmd.Tag + " BAD LOGIN expects username and password")
	}
	// Only the username is kept; the password argument is dropped here.
	username := cmd.Arg(0)

	s.cc.Credentials(ctx, eventlog.KindLoginCommand, username, nil)
	s.loggedIn()
	return s.ok(fmt.Sprintf("%s OK [CAPABILITY %s] Logged in", cmd.Tag, capabilityString(capabilities(false))))
}

func (s *session) handleAuthenticate(ctx context.Context, cmd server.Command) error {
	if s.authenticated {
		return s.fail(cmd.Tag + " BAD Already authenticated")
	}
	if len(cmd.Args) < 1 {
		return s.fail(cmd.Tag + " BAD AUTHENTICATE expects a mechanism")
	}
	mechanism := strings.ToUpper(cmd.Arg(0))

	var username string
	accepted := false
	srv, err := server.NewAuthServer(mechanism, func(u string) {
		username = u
		accepted = true
	})
	if err != nil {
		return s.fail(cmd.Tag + " NO Unsupported authentication mechanism")
	}

	responded := cmd.Arg(1) != ""
	err = server.SASLExchange(srv, cmd.Arg(1),
		func(challenge string) error {
			if err := s.reply("+ %s", challenge); err != nil {
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
		return s.fail(cmd.Tag + " BAD Authentication cancelled")
	case errors.Is(err, server.ErrAuthDecode), errors.Is(err, server.ErrLineTooLong):
		return s.fail(cmd.Tag + " BAD Cannot decode response")
	case err != nil || !accepted:
		return s.fail(cmd.Tag + " NO [AUTHENTICATIONFAILED] Authentication failed")
	}

	s.cc.Credentials(ctx, eventlog.KindAuthAttempt, username, map[string]any{"mechanism": mechanism})
	s.loggedIn()
	return s.ok(cmd.Tag + " OK Success")
}

func (s *session) loggedIn() {
	s.authenticated = true
	if s.cc.TLS() && server.DisruptsAfterAuth(s.cc.Scenario()) {
		s.disruptNext = true
	}
}

func (s *session) handleMailbox(cmd server.Command) error {
	tag := cmd.Tag
	switch cmd.Name {
	case "SELECT", "EXAMINE":
		if !s.inbox.matches(cmd.Arg(0)) {
			s.selected = false
			return s.fail(tag + " NO Mailbox does not exist")
		}
		s.selected = true
		s.readOnly = cmd.Name == "EXAMINE"
		access := "READ-WRITE"
		if s.readOnly {
			access = "READ-ONLY"
		}
		return s.multi(fmt.Sprintf("%s OK [%s] %s completed", tag, access, cmd.Name),
			"* FLAGS ("+mailboxFlags+")",
			fmt.Sprintf("* %d EXISTS", s.inbox.exists()),
			"* 0 RECENT",
			"* OK [PERMANENTFLAGS ()] No permanent flags permitted",
			fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", uidValidity),
			fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", messageUID+1),
		)

	case "LIST", "LSUB":
		if len(cmd.Args) < 2 {
			return s.fail(tag + " BAD " + cmd.Name + " expects reference and pattern")
		}
		var lines []string
		switch pattern := cmd.Arg(1); {
		case pattern == "" && cmd.Name == "LIST":
			lines = append(lines, `* LIST (\Noselect) "/" ""`)
		case listed(pattern):
			lines = append(lines, fmt.Sprintf(`* %s (\HasNoChildren) "/" %s`, cmd.Name, inboxName))
		}
		return s.multi(tag+" OK "+cmd.Name+" completed", lines...)

	case "STATUS":
		if !s.inbox.matches(cmd.Arg(0)) {
			return s.fail(tag + " NO Mailbox does not exist")
		}
		items := make([]string, 0, len(cmd.Args))
		for _, a := range cmd.Args[1:] {
			items = append(items, strings.Trim(a, "()"))
		}
		return s.multi(tag+" OK STATUS completed",
			fmt.Sprintf("* STATUS %s (%s)", inboxName, s.inbox.statusItems(items)))

	case "NAMESPACE":
		return s.multi(tag+" OK NAMESPACE completed", `* NAMESPACE (("" "/")) NIL NIL`)

	case "ENABLE":
		return s.multi(tag+" OK ENABLE completed", "* ENABLED")

	case "IDLE":
		return s.idleUntilDone(tag)
	}

	if !s.selected {
		return s.fail(tag + " BAD No mailbox selected")
	}

	switch cmd.Name {
	case "FETCH":
		return s.fetch(tag, cmd.Args, false)
	case "SEARCH":
		return s.multi(tag+" OK SEARCH completed", "* SEARCH 1")
	case "UID":
		sub := strings.ToUpper(cmd.Arg(0))
		switch sub {
		case "FETCH":
			return s.fetch(tag, cmd.Args[1:], true)
		case "SEARCH":
			return s.multi(tag+" OK UID SEARCH completed", fmt.Sprintf("* SEARCH %d", messageUID))
		default:
			return s.fail(tag + " BAD Unknown UID command")
		}
	case "CHECK":
		return s.ok(tag + " OK CHECK completed")
	case "CLOSE":
		s.selected = false
		return s.ok(tag + " OK CLOSE completed")
	case "EXPUNGE":
		return s.ok(tag + " OK EXPUNGE completed")
	}
	return s.fail(tag + " BAD Unknown command")
}

func (s *session) fetch(tag string, args []string, uid bool) error {
	name := "FETCH"
	if uid {
		name = "UID FETCH"
	}
	if len(args) < 2 {
		return s.fail(tag + " BAD " + name + " expects a sequence set and data items")
	}
	var lines []string
	if containsFirst(args[0]) {
		lines = append(lines, s.inbox.fetchResponse(fetchItems(strings.Join(args[1:], " ")), uid))
	}
	return s.multi(tag+" OK "+name+" completed", lines...)
}

func (s *session) idleUntilDone(tag string) error {
	if err := s.reply("+ idling"); err != nil {
		return err
	}
	for {
		line, err := s.readLine()
		if err != nil && !errors.Is(err, server.ErrLineTooLong) {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(line), "DONE") {
			return s.ok(tag + " OK IDLE terminated")
		}
		if err := s.reply("* BAD Expected DONE"); err != nil {
			return err
		}
	}
}

// disrupt answers the command following a TLS login under t4 with a bogus
// untagged line and drops the connection.
func (s *session) disrupt(ctx context.Context, command string) {
	s.w.WriteString(server.InjectedIMAPLine + "\r\n")
	s.w.Flush()
	metrics.DisruptionsTotal.WithLabelValues(s.cc.Spec.Protocol, s.cc.Scenario().String()).Inc()
	s.cc.Record(ctx, eventlog.KindDisrupt, map[string]any{
		"reason":  "after_auth_command",
		"payload": server.InjectedIMAPLine,
		"command": command,
	})
	s.cc.SetCloseReason("disrupted")
	s.cc.Log("connection disrupted after authentication (command %s)", command)
}

// readCommand reads a command line with its literals; see
// server.ReadCommandLine.
func (s *session) readCommand() (line, logged string, err error) {
	if err := s.cc.Conn.SetReadDeadline(time.Now().Add(s.idle)); err != nil {
		return "", "", err
	}
	return server.ReadCommandLine(s.r, server.MaxLineLength, func() error {
		return s.reply("+ Ready for literal data")
	})
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

// multi writes untagged lines followed by the tagged completion.
func (s *session) multi(completion string, untagged ...string) error {
	for _, l := range untagged {
		if _, err := s.w.WriteString(l + "\r\n"); err != nil {
			return err
		}
	}
	return s.ok(completion)
}

func (s *session) ok(line string) error {
	s.errors = 0
	return s.reply("%s", line)
}

// fail sends a BAD or NO response; past maxErrors consecutive failures the
// connection is closed instead.
func (s *session) fail(line string) error {
	s.errors++
	if s.errors > s.maxErrors {
		s.reply("* BYE Too many errors")
		s.cc.SetCloseReason("too_many_errors")
		s.closing = true
		return nil
	}
	return s.reply("%s", line)
}

func (s *session) transportError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.cc.SetCloseReason("client_closed")
	case errors.As(err, &ne) && ne.Timeout():
		s.reply("* BYE Idle timeout, closing connection")
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
