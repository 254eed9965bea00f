package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/migadu/selftest/server/httpapi"
	"github.com/migadu/selftest/verdict"
)

func handleSessionCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printSessionUsage()
		os.Exit(1)
	}

	switch sub := args[0]; sub {
	case "new":
		return handleSessionNew(ctx, args[1:])
	case "events":
		return handleSessionEvents(ctx, args[1:])
	case "verdict":
		return handleSessionVerdict(ctx, args[1:])
	case "report":
		return handleSessionReport(ctx, args[1:])
	case "observe":
		return handleSessionObserve(ctx, args[1:], false)
	case "skip":
		return handleSessionObserve(ctx, args[1:], true)
	case "archive":
		return handleSessionArchive(ctx, args[1:])
	case "help", "--help", "-h":
		printSessionUsage()
		return nil
	default:
		fmt.Printf("Unknown session subcommand: %s\n\n", sub)
		printSessionUsage()
		os.Exit(1)
	}
	return nil
}

func printSessionUsage() {
	fmt.Printf(`Test sessions

Usage:
  selftest-admin session <subcommand> [options]

Subcommands:
  new       Mint a session token, optionally arming a scenario for it
  events    Show the events recorded for a session
  verdict   Show the verdict of a session
  report    Show the per-protocol report of a session
  observe   Record an outcome seen outside the wire (WARN, NOT_APPLICABLE, ...)
  skip      Mark a protocol as skipped for a session
  archive   Upload the session report and events to the archive bucket

Examples:
  selftest-admin session new --identifier 198.51.100.7 --scenario t2
  selftest-admin session events --session 01J0Z8K3Q4Y6M2N5P7R9S1T3V5 --protocol imap
  selftest-admin session skip --session 01J0Z8K3Q4Y6M2N5P7R9S1T3V5 --protocol imap --note "no IMAP account"
`)
}

func sessionPath(session, suffix string) string {
	return "/sessions/" + url.PathEscape(session) + suffix
}

func protocolQuery(protocol string) url.Values {
	if protocol == "" {
		return nil
	}
	return url.Values{"protocol": []string{protocol}}
}

func handleSessionNew(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session new", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	identifier := fs.String("identifier", "", "Client address to arm a scenario for")
	scenario := fs.String("scenario", "", "Scenario to arm (requires --identifier)")
	ttl := fs.String("ttl", "", "Override lifetime (default from server config)")
	fs.Parse(args)

	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.CreateSessionResponse
	raw, err := c.do(ctx, "POST", "/sessions", nil,
		httpapi.CreateSessionRequest{Identifier: *identifier, Scenario: *scenario, TTL: *ttl}, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	fmt.Printf("Username: %s\n", resp.Username)
	if resp.Mode != nil {
		fmt.Println()
		printMode(*resp.Mode)
	}
	return nil
}

func handleSessionEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session events", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	session := fs.String("session", "", "Session token or username (required)")
	protocol := fs.String("protocol", "", "Restrict to smtp or imap")
	fs.Parse(args)

	if err := requireFlag("session", *session); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.EventsResponse
	raw, err := c.do(ctx, "GET", sessionPath(*session, "/events"), protocolQuery(*protocol), nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}

	if len(resp.Events) == 0 {
		fmt.Printf("No events for session %s.\n", resp.Session)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROTO\tPORT\tMODE\tTLS\tEVENT\tATTRS")
	for _, ev := range resp.Events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\t%s\n",
			ev.Timestamp.Local().Format("15:04:05.000"), ev.Protocol, ev.ServerPort, ev.Scenario, ev.TLS, ev.Kind, formatAttrs(ev.Attrs))
	}
	return w.Flush()
}

func formatAttrs(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, " ")
}

func handleSessionVerdict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session verdict", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	session := fs.String("session", "", "Session token or username (required)")
	protocol := fs.String("protocol", "", "Restrict to smtp or imap")
	fs.Parse(args)

	if err := requireFlag("session", *session); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.VerdictResponse
	raw, err := c.do(ctx, "GET", sessionPath(*session, "/verdict"), protocolQuery(*protocol), nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	scope := resp.Protocol
	if scope == "" {
		scope = "all protocols"
	}
	fmt.Printf("%s (%s): %s\n", resp.Session, scope, resp.Verdict)
	printResultDetail(resp.Result)
	return nil
}

func printResultDetail(r verdict.Result) {
	fmt.Printf("  rule: %s\n", r.Rule)
	if len(r.Evidence) > 0 {
		fmt.Printf("  evidence: %s\n", strings.Join(r.Evidence, ", "))
	}
	if r.Observation != nil {
		fmt.Printf("  observation: %s %s\n", r.Observation.Result, r.Observation.Note)
	}
}

func handleSessionReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session report", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	session := fs.String("session", "", "Session token or username (required)")
	fs.Parse(args)

	if err := requireFlag("session", *session); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var rep verdict.Report
	raw, err := c.do(ctx, "GET", sessionPath(*session, "/report"), nil, nil, &rep)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	printReport(rep)
	return nil
}

func printReport(rep verdict.Report) {
	fmt.Printf("Session %s: %s\n", rep.Session, rep.Result.Verdict)
	if rep.FirstEvent != nil && rep.LastEvent != nil {
		fmt.Printf("  %d events between %s and %s\n", rep.Events,
			rep.FirstEvent.Local().Format(time.RFC3339), rep.LastEvent.Local().Format(time.RFC3339))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROTOCOL\tVERDICT\tCONNECTS\tAUTH PLAIN\tAUTH TLS\tSTARTTLS\tDISRUPTED")
	for _, proto := range verdict.Protocols {
		p, ok := rep.Protocols[proto]
		if !ok {
			continue
		}
		s := p.Summary
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", proto, p.Result.Verdict, s.Connects, s.AuthPlain, s.AuthTLS, s.StartTLS, s.Disruptions)
	}
	w.Flush()

	if rep.RetryLike {
		fmt.Println("\nThe client reconnected repeatedly without sending credentials.")
	}
	if rep.StartTLSRefusedLike > 0 {
		fmt.Printf("\n%d STARTTLS attempts did not complete.\n", rep.StartTLSRefusedLike)
	}
}

func handleSessionObserve(ctx context.Context, args []string, skip bool) error {
	name := "session observe"
	if skip {
		name = "session skip"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	conn := addConnectionFlags(fs)
	session := fs.String("session", "", "Session token or username (required)")
	protocol := fs.String("protocol", "", "smtp or imap (empty applies to the whole session)")
	note := fs.String("note", "", "Free-form note")
	result := new(string)
	if !skip {
		result = fs.String("result", "", "FAIL, WARN, NOT_APPLICABLE or SKIPPED (required)")
	}
	fs.Parse(args)

	if err := requireFlag("session", *session); err != nil {
		return err
	}
	if !skip {
		if err := requireFlag("result", *result); err != nil {
			return err
		}
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var obs verdict.Observation
	raw, err := c.do(ctx, "POST", sessionPath(*session, "/observations"), nil,
		httpapi.ObservationRequest{Protocol: *protocol, Result: *result, Note: *note, Skip: skip}, &obs)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	fmt.Printf("Recorded %s for %s (event %s)\n", obs.Result, *session, obs.EventID)
	return nil
}

func handleSessionArchive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session archive", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	session := fs.String("session", "", "Session token or username (required)")
	fs.Parse(args)

	if err := requireFlag("session", *session); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.ArchiveResponse
	raw, err := c.do(ctx, "POST", sessionPath(*session, "/archive"), nil, nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	fmt.Printf("Archived session %s to %s\n", resp.Session, resp.Key)
	return nil
}
