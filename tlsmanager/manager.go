package tlsmanager

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/migadu/selftest/config"
	"github.com/migadu/selftest/logger"
)

// ErrMissingServerName is returned when a client sends no SNI and no
// default domain is configured.
var ErrMissingServerName = errors.New("missing server name")

// ErrHostNotAllowed is returned for SNI names outside the configured domains.
var ErrHostNotAllowed = errors.New("host not allowed")

// ErrCertificateUnavailable wraps ACME failures. They are usually transient
// and only fail the one handshake.
var ErrCertificateUnavailable = errors.New("certificate unavailable")

const (
	defaultCacheDir   = "/var/lib/selftest/certs"
	defaultRetryAfter = 24 * time.Hour
)

// Manager provides the certificate shared by implicit TLS listeners and
// STARTTLS, from files or from Let's Encrypt.
type Manager struct {
	config      config.TLSConfig
	autocertMgr *autocert.Manager
	tlsConfig   *tls.Config

	rateLimitMu  sync.RWMutex
	rateLimitMap map[string]time.Time
}

func New(cfg config.TLSConfig) (*Manager, error) {
	m := &Manager{
		config:       cfg,
		rateLimitMap: make(map[string]time.Time),
	}

	switch cfg.Provider {
	case "", "file":
		if err := m.initFileProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize file provider: %w", err)
		}
	case "letsencrypt":
		if err := m.initLetsEncryptProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize Let's Encrypt provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", cfg.Provider)
	}

	logger.Info("TLS manager initialized", "provider", cfg.Provider)
	return m, nil
}

func (m *Manager) initFileProvider() error {
	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required for provider='file'")
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	m.tlsConfig = &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}
	logger.Info("Loaded TLS certificate from files", "cert", m.config.CertFile, "key", m.config.KeyFile)
	return nil
}

func (m *Manager) initLetsEncryptProvider() error {
	leCfg := m.config.LetsEncrypt
	if leCfg == nil {
		return fmt.Errorf("letsencrypt configuration is required for provider='letsencrypt'")
	}
	if leCfg.Email == "" {
		return fmt.Errorf("letsencrypt.email is required")
	}
	if len(leCfg.Domains) == 0 {
		return fmt.Errorf("letsencrypt.domains is required and must not be empty")
	}

	cacheDir := leCfg.CacheDir
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}

	m.autocertMgr = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      leCfg.Email,
		HostPolicy: autocert.HostWhitelist(leCfg.Domains...),
		Cache:      autocert.DirCache(cacheDir),
		Client: &acme.Client{
			DirectoryURL: acme.LetsEncryptURL,
		},
	}

	defaultDomain := leCfg.DefaultDomain
	if defaultDomain == "" {
		defaultDomain = leCfg.Domains[0]
	}

	m.tlsConfig = &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.getCertificate(hello, defaultDomain)
		},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("Let's Encrypt autocert initialized", "domains", leCfg.Domains, "cache_dir", cacheDir, "default_domain", defaultDomain)
	return nil
}

// getCertificate resolves SNI-less and mixed-case names before handing the
// hello to autocert. Mail clients often omit SNI on STARTTLS.
func (m *Manager) getCertificate(hello *tls.ClientHelloInfo, defaultDomain string) (*tls.Certificate, error) {
	serverName := hello.ServerName
	if serverName == "" {
		if defaultDomain == "" {
			return nil, ErrMissingServerName
		}
		logger.Debug("TLS: Missing SNI - using default domain", "domain", defaultDomain)
		serverName = defaultDomain
	}
	serverName = strings.ToLower(serverName)

	if err := m.autocertMgr.HostPolicy(nil, serverName); err != nil {
		logger.Info("TLS: Rejected certificate request for unconfigured domain", "domain", serverName)
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, serverName)
	}

	if limited, retryAfter := m.isRateLimited(serverName); limited {
		return nil, fmt.Errorf("%w for %s: rate limited until %v", ErrCertificateUnavailable, serverName, retryAfter)
	}

	modified := *hello
	modified.ServerName = serverName
	cert, err := m.autocertMgr.GetCertificate(&modified)
	if err != nil {
		if retryAfter, ok := parseRateLimit(err); ok {
			m.markRateLimited(serverName, retryAfter)
		}
		logger.Error("TLS: Failed to get certificate", "server_name", serverName, "error", err)
		return nil, fmt.Errorf("%w for %s: %v", ErrCertificateUnavailable, serverName, err)
	}
	m.clearRateLimit(serverName)
	return cert, nil
}

// parseRateLimit recognises a Let's Encrypt 429 and extracts its
// "retry after" time, defaulting to a day.
func parseRateLimit(err error) (time.Time, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "429") || !strings.Contains(msg, "rateLimited") {
		return time.Time{}, false
	}
	retryAfter := time.Now().Add(defaultRetryAfter)
	if _, after, found := strings.Cut(msg, "retry after "); found {
		stamp, _, _ := strings.Cut(after, ": ")
		if t, perr := time.Parse("2006-01-02 15:04:05 MST", strings.TrimSpace(stamp)); perr == nil {
			retryAfter = t
		}
	}
	return retryAfter, true
}

// GetTLSConfig returns the server TLS configuration.
func (m *Manager) GetTLSConfig() *tls.Config {
	return m.tlsConfig
}

// HTTPHandler answers ACME HTTP-01 challenges and redirects everything
// else. It returns nil for the file provider.
func (m *Manager) HTTPHandler() http.Handler {
	if m.autocertMgr == nil {
		return nil
	}
	return m.autocertMgr.HTTPHandler(nil)
}

func (m *Manager) isRateLimited(domain string) (bool, time.Time) {
	m.rateLimitMu.RLock()
	defer m.rateLimitMu.RUnlock()

	retryAfter, exists := m.rateLimitMap[domain]
	if !exists || time.Now().After(retryAfter) {
		return false, time.Time{}
	}
	return true, retryAfter
}

func (m *Manager) markRateLimited(domain string, retryAfter time.Time) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()
	m.rateLimitMap[domain] = retryAfter
	logger.Warn("TLS: Domain marked as rate-limited", "domain", domain, "retry_after", retryAfter)
}

func (m *Manager) clearRateLimit(domain string) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()
	delete(m.rateLimitMap, domain)
}
