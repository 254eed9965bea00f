package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/selftest/config"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := os.Args[1]; command {
	case "mode":
		err = handleModeCommand(ctx, os.Args[2:])
	case "session":
		err = handleSessionCommand(ctx, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("selftest-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`selftest admin tool

Usage:
  selftest-admin <command> <subcommand> [options]

Commands:
  mode      Arm, inspect and clear scenario overrides
  session   Create test sessions and read their events and verdicts
  version   Show version information
  help      Show this help message

Examples:
  selftest-admin session new --identifier 198.51.100.7 --scenario t1
  selftest-admin mode set --identifier 198.51.100.7 --scenario t3 --ttl 30m
  selftest-admin session verdict --session 01J0Z8K3Q4Y6M2N5P7R9S1T3V5 --protocol smtp

Use 'selftest-admin <command> --help' for more information about a command.
`)
}

// connection holds the flags shared by every subcommand.
type connection struct {
	configPath *string
	addr       *string
	apiKey     *string
	insecure   *bool
	jsonOutput *bool
}

func addConnectionFlags(fs *flag.FlagSet) *connection {
	return &connection{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		addr:       fs.String("addr", "", "Control API address (overrides [admin_cli] addr)"),
		apiKey:     fs.String("api-key", "", "Control API key (overrides [admin_cli] api_key)"),
		insecure:   fs.Bool("insecure", false, "Skip TLS certificate verification"),
		jsonOutput: fs.Bool("json", false, "Print the raw JSON response"),
	}
}

// client resolves the API address and key from flags, falling back to the
// [admin_cli] section of the configuration file.
func (c *connection) client() (*apiClient, error) {
	cfg := config.NewDefaultConfig()
	// A missing file is fine when the flags carry everything; newAPIClient
	// reports what is still unset.
	if err := config.LoadConfigFromFile(*c.configPath, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load configuration %s: %w", *c.configPath, err)
	}
	addr, key := cfg.AdminCLI.Addr, cfg.AdminCLI.APIKey
	if *c.addr != "" {
		addr = *c.addr
	}
	if *c.apiKey != "" {
		key = *c.apiKey
	}
	return newAPIClient(addr, key, *c.insecure)
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
