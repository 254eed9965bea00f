package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/server/httpapi"
)

func handleModeCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printModeUsage()
		os.Exit(1)
	}

	switch sub := args[0]; sub {
	case "set":
		return handleModeSet(ctx, args[1:])
	case "get":
		return handleModeGet(ctx, args[1:])
	case "clear":
		return handleModeClear(ctx, args[1:])
	case "extend":
		return handleModeExtend(ctx, args[1:])
	case "list":
		return handleModeList(ctx, args[1:])
	case "default":
		return handleModeDefault(ctx, args[1:])
	case "help", "--help", "-h":
		printModeUsage()
		return nil
	default:
		fmt.Printf("Unknown mode subcommand: %s\n\n", sub)
		printModeUsage()
		os.Exit(1)
	}
	return nil
}

func printModeUsage() {
	fmt.Printf(`Scenario overrides

Usage:
  selftest-admin mode <subcommand> [options]

Subcommands:
  set       Arm a scenario for a client address
  get       Show the scenario a client address would be served
  clear     Remove the override for a client address
  extend    Push the expiry of an override
  list      List live overrides
  default   Show or change the fallback scenario

Scenarios: baseline, t1 (STARTTLS stripped), t2 (handshake interrupted),
t3 (STARTTLS refused), t4 (disrupted after TLS login)

Examples:
  selftest-admin mode set --identifier 198.51.100.7 --scenario t1 --ttl 20m
  selftest-admin mode clear --identifier 198.51.100.7
  selftest-admin mode default --scenario baseline
`)
}

func printMode(m httpapi.ModeResponse) {
	expires := "never"
	if m.ExpiresAt != nil {
		expires = fmt.Sprintf("%s (in %s)", m.ExpiresAt.Local().Format(time.RFC3339), time.Until(*m.ExpiresAt).Round(time.Second))
	}
	fmt.Printf("Identifier: %s\n", m.Identifier)
	fmt.Printf("Scenario:   %s (%s)\n", m.Scenario, m.Source)
	if m.Source == modestore.SourceOverride {
		fmt.Printf("Expires:    %s\n", expires)
	}
	if m.Session != "" {
		fmt.Printf("Session:    %s\n", m.Session)
	}
}

func handleModeSet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode set", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	identifier := fs.String("identifier", "", "Client address to arm (required)")
	scenario := fs.String("scenario", "", "Scenario to serve (required)")
	ttl := fs.String("ttl", "", "Override lifetime, e.g. 15m (default from server config)")
	session := fs.String("session", "", "Session token the override is armed for")
	fs.Parse(args)

	if err := requireFlag("identifier", *identifier); err != nil {
		return err
	}
	if err := requireFlag("scenario", *scenario); err != nil {
		return err
	}
	if _, err := modestore.ParseScenario(*scenario); err != nil {
		return err
	}

	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.ModeResponse
	raw, err := c.do(ctx, "PUT", "/modes/"+url.PathEscape(*identifier), nil,
		httpapi.SetModeRequest{Scenario: *scenario, TTL: *ttl, Session: *session}, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	printMode(resp)
	return nil
}

func handleModeGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode get", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	identifier := fs.String("identifier", "", "Client address (required)")
	fs.Parse(args)

	if err := requireFlag("identifier", *identifier); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.ModeResponse
	raw, err := c.do(ctx, "GET", "/modes/"+url.PathEscape(*identifier), nil, nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	printMode(resp)
	return nil
}

func handleModeClear(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode clear", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	identifier := fs.String("identifier", "", "Client address (required)")
	fs.Parse(args)

	if err := requireFlag("identifier", *identifier); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.ModeResponse
	raw, err := c.do(ctx, "DELETE", "/modes/"+url.PathEscape(*identifier), nil, nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	fmt.Printf("Override for %s cleared; now served %s\n", *identifier, resp.Scenario)
	return nil
}

func handleModeExtend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode extend", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	identifier := fs.String("identifier", "", "Client address (required)")
	add := fs.String("add", "15m", "Time to add to the expiry")
	fs.Parse(args)

	if err := requireFlag("identifier", *identifier); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp httpapi.ModeResponse
	raw, err := c.do(ctx, "POST", "/modes/"+url.PathEscape(*identifier)+"/extend", nil,
		httpapi.ExtendModeRequest{Add: *add}, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	printMode(resp)
	return nil
}

func handleModeList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode list", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	fs.Parse(args)

	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp struct {
		Default     modestore.Scenario     `json:"default"`
		Assignments []modestore.Assignment `json:"assignments"`
	}
	raw, err := c.do(ctx, "GET", "/modes", nil, nil, &resp)
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}

	fmt.Printf("Default scenario: %s\n\n", resp.Default)
	if len(resp.Assignments) == 0 {
		fmt.Println("No active overrides.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tSCENARIO\tEXPIRES\tSESSION")
	for _, a := range resp.Assignments {
		expires := "never"
		if !a.ExpiresAt.IsZero() {
			expires = time.Until(a.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Identifier, a.Scenario, expires, a.Session)
	}
	return w.Flush()
}

func handleModeDefault(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mode default", flag.ExitOnError)
	conn := addConnectionFlags(fs)
	scenario := fs.String("scenario", "", "New fallback scenario (omit to show the current one)")
	fs.Parse(args)

	c, err := conn.client()
	if err != nil {
		return err
	}
	var resp struct {
		Scenario modestore.Scenario `json:"scenario"`
	}
	var raw []byte
	if *scenario == "" {
		raw, err = c.do(ctx, "GET", "/default", nil, nil, &resp)
	} else {
		raw, err = c.do(ctx, "PUT", "/default", nil, httpapi.SetDefaultRequest{Scenario: *scenario}, &resp)
	}
	if err != nil {
		return err
	}
	if *conn.jsonOutput {
		return printJSON(raw)
	}
	fmt.Printf("Default scenario: %s\n", resp.Scenario)
	return nil
}
