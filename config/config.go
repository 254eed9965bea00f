package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/migadu/selftest/helpers"
	"github.com/migadu/selftest/modestore"
)

// Server types. acme_http answers Let's Encrypt HTTP-01 challenges,
// normally on :80.
const (
	TypeSMTP     = "smtp"
	TypeIMAP     = "imap"
	TypeMetrics  = "metrics"
	TypeHTTPAPI  = "http_api"
	TypeACMEHTTP = "acme_http"
)

// TLS styles of a mail listener.
const (
	TLSStyleSTARTTLS = "starttls"
	TLSStyleImplicit = "implicit"
)

// Event log backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const (
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultSessionTimeout   = 30 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxErrors        = 10
	DefaultModeTTL          = 15 * time.Minute
	DefaultMaxModeTTL       = time.Hour
	DefaultMetricsPath      = "/metrics"
	DefaultEventsPath       = "/var/lib/selftest/events.jsonl"
)

var validServerTypes = []string{TypeSMTP, TypeIMAP, TypeMetrics, TypeHTTPAPI, TypeACMEHTTP}

// LoggingConfig controls the operational log.
type LoggingConfig struct {
	Output string `toml:"output"` // stderr, stdout, syslog or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// TLSLetsEncryptConfig configures ACME certificates. Certificates are
// cached on local disk.
type TLSLetsEncryptConfig struct {
	Email         string   `toml:"email"`
	Domains       []string `toml:"domains"`
	DefaultDomain string   `toml:"default_domain"` // used when the client sends no SNI
	CacheDir      string   `toml:"cache_dir"`
}

// TLSConfig is the certificate used for implicit TLS and STARTTLS.
type TLSConfig struct {
	Provider         string                `toml:"provider"` // "file" or "letsencrypt"
	CertFile         string                `toml:"cert_file"`
	KeyFile          string                `toml:"key_file"`
	HandshakeTimeout string                `toml:"handshake_timeout"`
	LetsEncrypt      *TLSLetsEncryptConfig `toml:"letsencrypt"`
}

func (c *TLSConfig) GetHandshakeTimeout() (time.Duration, error) {
	if c.HandshakeTimeout == "" {
		return DefaultHandshakeTimeout, nil
	}
	return helpers.ParseDuration(c.HandshakeTimeout)
}

func (c *TLSConfig) Validate() error {
	switch c.Provider {
	case "", "file":
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("tls: cert_file and key_file are required for the file provider")
		}
	case "letsencrypt":
		if c.LetsEncrypt == nil || len(c.LetsEncrypt.Domains) == 0 {
			return fmt.Errorf("tls: letsencrypt provider requires at least one domain")
		}
		if c.LetsEncrypt.Email == "" {
			return fmt.Errorf("tls: letsencrypt provider requires an email")
		}
	default:
		return fmt.Errorf("tls: unknown provider %q", c.Provider)
	}
	if _, err := c.GetHandshakeTimeout(); err != nil {
		return fmt.Errorf("tls: handshake_timeout: %w", err)
	}
	return nil
}

// ModesConfig sets the scenario used when no override is armed and the
// bounds on override lifetimes.
type ModesConfig struct {
	Default    string `toml:"default"`
	DefaultTTL string `toml:"default_ttl"`
	MaxTTL     string `toml:"max_ttl"`
}

func (c *ModesConfig) GetDefault() (modestore.Scenario, error) {
	if c.Default == "" {
		return modestore.Baseline, nil
	}
	return modestore.ParseScenario(c.Default)
}

func (c *ModesConfig) GetDefaultTTL() (time.Duration, error) {
	if c.DefaultTTL == "" {
		return DefaultModeTTL, nil
	}
	return helpers.ParseDuration(c.DefaultTTL)
}

func (c *ModesConfig) GetMaxTTL() (time.Duration, error) {
	if c.MaxTTL == "" {
		return DefaultMaxModeTTL, nil
	}
	return helpers.ParseDuration(c.MaxTTL)
}

func (c *ModesConfig) Validate() error {
	if _, err := c.GetDefault(); err != nil {
		return fmt.Errorf("modes: %w", err)
	}
	def, err := c.GetDefaultTTL()
	if err != nil {
		return fmt.Errorf("modes: default_ttl: %w", err)
	}
	maxTTL, err := c.GetMaxTTL()
	if err != nil {
		return fmt.Errorf("modes: max_ttl: %w", err)
	}
	if maxTTL > 0 && def > maxTTL {
		return fmt.Errorf("modes: default_ttl %s exceeds max_ttl %s", def, maxTTL)
	}
	return nil
}

// NATSConfig mirrors stored events onto a NATS subject.
type NATSConfig struct {
	URL       string `toml:"url"`
	Subject   string `toml:"subject"`
	QueueSize int    `toml:"queue_size"`
}

// ArchiveConfig is the S3-compatible bucket session archives are written to.
type ArchiveConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
	Debug     bool   `toml:"debug"`
}

// EventsConfig selects the event log backend.
type EventsConfig struct {
	Backend      string         `toml:"backend"` // file, sqlite or postgres
	Path         string         `toml:"path"`    // file and sqlite
	DSN          string         `toml:"dsn"`     // postgres
	PseudonymKey string         `toml:"pseudonym_key"`
	NATS         *NATSConfig    `toml:"nats"`
	Archive      *ArchiveConfig `toml:"archive"`
}

func (c *EventsConfig) Validate() error {
	switch c.Backend {
	case "", BackendFile, BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("events: path is required for the %s backend", c.backend())
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("events: dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("events: unknown backend %q", c.Backend)
	}
	if c.NATS != nil && c.NATS.URL == "" {
		return fmt.Errorf("events: nats.url is required when [events.nats] is present")
	}
	if c.Archive != nil && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("events: archive needs endpoint and bucket")
	}
	return nil
}

func (c *EventsConfig) backend() string {
	if c.Backend == "" {
		return BackendFile
	}
	return c.Backend
}

// GetBackend returns the configured backend, defaulting to file.
func (c *EventsConfig) GetBackend() string {
	return c.backend()
}

// AdminCLIConfig is read by selftest-admin.
type AdminCLIConfig struct {
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
}

// ServerConfig is one [[server]] entry. Mail listeners use TLSStyle and
// the timeouts; the HTTP API uses APIKey and AllowedHosts; the metrics
// server uses Path.
type ServerConfig struct {
	Type           string   `toml:"type"`
	Name           string   `toml:"name"`
	Addr           string   `toml:"addr"`
	TLSStyle       string   `toml:"tls_style"`
	Hostname       string   `toml:"hostname"`
	MaxConnections int      `toml:"max_connections"`
	MaxErrors      int      `toml:"max_errors"`
	IdleTimeout    string   `toml:"idle_timeout"`
	SessionTimeout string   `toml:"session_timeout"`
	APIKey         string   `toml:"api_key"`
	AllowedHosts   []string `toml:"allowed_hosts"`
	TrustedProxies []string `toml:"trusted_proxies"`
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
	Path           string   `toml:"path"`
	Debug          bool     `toml:"debug"`
}

// IsEnabled reports whether the entry is complete enough to start.
func (s *ServerConfig) IsEnabled() bool {
	return s.Type != "" && s.Name != "" && s.Addr != ""
}

// IsMail reports whether the entry is a protocol listener.
func (s *ServerConfig) IsMail() bool {
	return s.Type == TypeSMTP || s.Type == TypeIMAP
}

func (s *ServerConfig) GetTLSStyle() string {
	if s.TLSStyle == "" {
		return TLSStyleSTARTTLS
	}
	return s.TLSStyle
}

func (s *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return DefaultIdleTimeout, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

func (s *ServerConfig) GetSessionTimeout() (time.Duration, error) {
	if s.SessionTimeout == "" {
		return DefaultSessionTimeout, nil
	}
	return helpers.ParseDuration(s.SessionTimeout)
}

func (s *ServerConfig) GetMaxErrors() int {
	if s.MaxErrors <= 0 {
		return DefaultMaxErrors
	}
	return s.MaxErrors
}

func (s *ServerConfig) GetPath() string {
	if s.Path == "" {
		return DefaultMetricsPath
	}
	return s.Path
}

// Validate checks a single server entry.
func (s *ServerConfig) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("server type is required")
	}
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if !slices.Contains(validServerTypes, s.Type) {
		return fmt.Errorf("invalid server type '%s', must be one of: %s", s.Type, strings.Join(validServerTypes, ", "))
	}

	if s.IsMail() {
		switch s.GetTLSStyle() {
		case TLSStyleSTARTTLS, TLSStyleImplicit:
		default:
			return fmt.Errorf("server %s: tls_style must be %q or %q", s.Name, TLSStyleSTARTTLS, TLSStyleImplicit)
		}
		if _, err := s.GetIdleTimeout(); err != nil {
			return fmt.Errorf("server %s: idle_timeout: %w", s.Name, err)
		}
		if _, err := s.GetSessionTimeout(); err != nil {
			return fmt.Errorf("server %s: session_timeout: %w", s.Name, err)
		}
		if s.MaxConnections < 0 {
			return fmt.Errorf("server %s: max_connections cannot be negative", s.Name)
		}
	}
	if s.Type == TypeHTTPAPI {
		for _, h := range s.TrustedProxies {
			if strings.TrimSpace(h) == "" {
				return fmt.Errorf("server %s: trusted_proxies entries must not be empty", s.Name)
			}
		}
		if s.APIKey == "" {
			return fmt.Errorf("server %s: api_key is required for the control API", s.Name)
		}
		if s.TLS && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
			return fmt.Errorf("server %s: tls_cert_file and tls_key_file are required when tls is enabled", s.Name)
		}
	}
	return nil
}

// Config is the root of config.toml.
type Config struct {
	Hostname       string         `toml:"hostname"`
	Logging        LoggingConfig  `toml:"logging"`
	TLS            TLSConfig      `toml:"tls"`
	Modes          ModesConfig    `toml:"modes"`
	Events         EventsConfig   `toml:"events"`
	AdminCLI       AdminCLIConfig `toml:"admin_cli"`
	DynamicServers []ServerConfig `toml:"server"`
}

// NewDefaultConfig returns the configuration used before the file is read.
// It has no servers; see DefaultServers.
func NewDefaultConfig() Config {
	return Config{
		Hostname: "localhost",
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		TLS: TLSConfig{
			Provider: "file",
		},
		Modes: ModesConfig{
			Default:    modestore.Baseline.String(),
			DefaultTTL: "15m",
			MaxTTL:     "1h",
		},
		Events: EventsConfig{
			Backend: BackendFile,
			Path:    DefaultEventsPath,
		},
	}
}

// DefaultServers is the standard port table: IMAP and SMTP with STARTTLS
// and their implicit TLS counterparts.
func DefaultServers() []ServerConfig {
	return []ServerConfig{
		{Type: TypeIMAP, Name: "imap-143", Addr: ":143", TLSStyle: TLSStyleSTARTTLS},
		{Type: TypeIMAP, Name: "imaps-993", Addr: ":993", TLSStyle: TLSStyleImplicit},
		{Type: TypeSMTP, Name: "smtp-25", Addr: ":25", TLSStyle: TLSStyleSTARTTLS},
		{Type: TypeSMTP, Name: "submission-587", Addr: ":587", TLSStyle: TLSStyleSTARTTLS},
		{Type: TypeSMTP, Name: "submissions-465", Addr: ":465", TLSStyle: TLSStyleImplicit},
	}
}

// GetAllServers returns the enabled [[server]] entries.
func (c *Config) GetAllServers() []ServerConfig {
	var all []ServerConfig
	for _, server := range c.DynamicServers {
		if server.IsEnabled() {
			all = append(all, server)
		}
	}
	return all
}

// HasMailServers reports whether any protocol listener is configured.
func (c *Config) HasMailServers() bool {
	for _, s := range c.GetAllServers() {
		if s.IsMail() {
			return true
		}
	}
	return false
}

// Validate checks the sections shared by all servers. Server entries are
// validated one by one by the caller so errors can name the entry.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if err := c.Modes.Validate(); err != nil {
		return err
	}
	if err := c.Events.Validate(); err != nil {
		return err
	}
	if c.HasMailServers() {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	return nil
}
