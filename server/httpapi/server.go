// Package httpapi is the operator control surface: it arms scenarios for
// client addresses, mints session tokens and answers event and verdict
// queries. Every route lives under /api/v1 and requires a Bearer API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/server"
	"github.com/migadu/selftest/storage"
	"github.com/migadu/selftest/verdict"
)

const maxBodySize = 64 * 1024

// Server represents the HTTP API server
type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	realIP       *server.RealIPExtractor
	modes        *modestore.Store
	recorder     *eventlog.Recorder
	events       eventlog.Log
	verdicts     *verdict.Engine
	archiver     *storage.Archiver
	defaultTTL   time.Duration
	maxTTL       time.Duration
	server       *http.Server
	tls          bool
	tlsConfig    *tls.Config
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Name           string
	Addr           string
	APIKey         string
	AllowedHosts   []string
	TrustedProxies []string
	Modes          *modestore.Store
	Recorder       *eventlog.Recorder
	Archiver       *storage.Archiver // nil disables the archive route
	DefaultTTL     time.Duration
	MaxTTL         time.Duration // 0 means uncapped
	TLS            bool
	TLSConfig      *tls.Config // from the TLS manager, takes precedence over cert files
	TLSCertFile    string
	TLSKeyFile     string
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Modes == nil || options.Recorder == nil {
		return nil, fmt.Errorf("mode store and event recorder are required for HTTP API server")
	}
	if options.TLS && options.TLSConfig == nil {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled (or use TLS manager)")
		}
	}

	realIP, err := server.NewRealIPExtractor(server.RealIPConfig{TrustedProxies: options.TrustedProxies})
	if err != nil {
		return nil, err
	}

	return &Server{
		name:         options.Name,
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		realIP:       realIP,
		modes:        options.Modes,
		recorder:     options.Recorder,
		events:       options.Recorder.Log(),
		verdicts:     verdict.New(options.Recorder.Log()),
		archiver:     options.Archiver,
		defaultTTL:   options.DefaultTTL,
		maxTTL:       options.MaxTTL,
		tls:          options.TLS,
		tlsConfig:    options.TLSConfig,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Failures are
// reported on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	s, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "name", options.Name, "protocol", protocol, "addr", options.Addr)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	if s.tls {
		if s.tlsConfig != nil {
			s.server.TLSConfig = s.tlsConfig.Clone()
			return s.server.ListenAndServeTLS("", "")
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.metricsMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Scenario overrides
	v1.HandleFunc("/modes", s.handleListModes).Methods("GET")
	v1.HandleFunc("/modes/{identifier}", s.handleSetMode).Methods("PUT")
	v1.HandleFunc("/modes/{identifier}", s.handleGetMode).Methods("GET")
	v1.HandleFunc("/modes/{identifier}", s.handleDeleteMode).Methods("DELETE")
	v1.HandleFunc("/modes/{identifier}/extend", s.handleExtendMode).Methods("POST")
	v1.HandleFunc("/default", s.handleGetDefault).Methods("GET")
	v1.HandleFunc("/default", s.handleSetDefault).Methods("PUT")

	// Test sessions
	v1.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	v1.HandleFunc("/sessions/{session}/events", s.handleSessionEvents).Methods("GET")
	v1.HandleFunc("/sessions/{session}/verdict", s.handleVerdict).Methods("GET")
	v1.HandleFunc("/sessions/{session}/report", s.handleReport).Methods("GET")
	v1.HandleFunc("/sessions/{session}/observations", s.handleObservation).Methods("POST")
	v1.HandleFunc("/sessions/{session}/archive", s.handleArchive).Methods("POST")

	return router
}

// Middleware functions

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		logger.Debug("HTTP API: Request", "name", s.name, "request_id", id, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "name", s.name, "request_id", id, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = r.Method + " " + tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.realIP.ClientIP(r)
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") && ip != nil {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
					allowed = true
					break
				}
			}
		}

		if !allowed {
			logger.Info("HTTP API: Rejected request from disallowed host", "name", s.name, "client", clientIP)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
