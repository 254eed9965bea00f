package tlsmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/config"
)

func writeCertFiles(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example.test"},
		DNSNames:     []string{"mail.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestNewFileProvider(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)

	m, err := New(config.TLSConfig{Provider: "file", CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	cfg := m.GetTLSConfig()
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, m.HTTPHandler())

	_, err = New(config.TLSConfig{Provider: "file"})
	assert.EqualError(t, err, "failed to initialize file provider: cert_file and key_file are required for provider='file'")

	_, err = New(config.TLSConfig{Provider: "file", CertFile: certFile, KeyFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.TLSConfig{Provider: "vault"})
	assert.EqualError(t, err, "unknown TLS provider: vault (must be 'file' or 'letsencrypt')")
}

func TestNewLetsEncryptValidation(t *testing.T) {
	tests := []struct {
		name string
		le   *config.TLSLetsEncryptConfig
		want string
	}{
		{"missing section", nil, "letsencrypt configuration is required"},
		{"missing email", &config.TLSLetsEncryptConfig{Domains: []string{"a.test"}}, "letsencrypt.email is required"},
		{"missing domains", &config.TLSLetsEncryptConfig{Email: "ops@a.test"}, "letsencrypt.domains is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(config.TLSConfig{Provider: "letsencrypt", LetsEncrypt: tt.le})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func newLetsEncrypt(t *testing.T) *Manager {
	t.Helper()
	m, err := New(config.TLSConfig{
		Provider: "letsencrypt",
		LetsEncrypt: &config.TLSLetsEncryptConfig{
			Email:    "ops@example.test",
			Domains:  []string{"mail.example.test"},
			CacheDir: t.TempDir(),
		},
	})
	require.NoError(t, err)
	return m
}

func TestLetsEncryptHostPolicy(t *testing.T) {
	m := newLetsEncrypt(t)
	assert.NotNil(t, m.HTTPHandler())

	_, err := m.GetTLSConfig().GetCertificate(&tls.ClientHelloInfo{ServerName: "other.example.test"})
	assert.ErrorIs(t, err, ErrHostNotAllowed)

	_, err = m.getCertificate(&tls.ClientHelloInfo{}, "")
	assert.ErrorIs(t, err, ErrMissingServerName)
}

func TestLetsEncryptRateLimit(t *testing.T) {
	m := newLetsEncrypt(t)
	until := time.Now().Add(time.Hour)
	m.markRateLimited("mail.example.test", until)

	_, err := m.GetTLSConfig().GetCertificate(&tls.ClientHelloInfo{ServerName: "MAIL.example.test"})
	assert.ErrorIs(t, err, ErrCertificateUnavailable)

	limited, retry := m.isRateLimited("mail.example.test")
	assert.True(t, limited)
	assert.WithinDuration(t, until, retry, time.Second)

	m.clearRateLimit("mail.example.test")
	limited, _ = m.isRateLimited("mail.example.test")
	assert.False(t, limited)

	m.markRateLimited("old.example.test", time.Now().Add(-time.Minute))
	limited, _ = m.isRateLimited("old.example.test")
	assert.False(t, limited, "expired limits are ignored")
}

func TestParseRateLimit(t *testing.T) {
	_, ok := parseRateLimit(errors.New("dial tcp: connection refused"))
	assert.False(t, ok)

	at, ok := parseRateLimit(errors.New(`429 urn:ietf:params:acme:error:rateLimited: too many certificates, retry after 2026-01-25 12:42:05 UTC: see https://letsencrypt.org/docs/rate-limits/`))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 25, 12, 42, 5, 0, time.UTC), at.UTC())

	at, ok = parseRateLimit(errors.New("429 rateLimited"))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(defaultRetryAfter), at, time.Minute)
}
