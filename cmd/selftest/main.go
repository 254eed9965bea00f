package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/selftest/config"
	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/eventlog/natsmirror"
	"github.com/migadu/selftest/eventlog/sqlstore"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/errors"
	serverPkg "github.com/migadu/selftest/server"
	"github.com/migadu/selftest/server/httpapi"
	"github.com/migadu/selftest/server/imap"
	"github.com/migadu/selftest/server/smtp"
	"github.com/migadu/selftest/storage"
	"github.com/migadu/selftest/tlsmanager"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies are the services shared by all servers.
type serverDependencies struct {
	config        config.Config
	modes         *modestore.Store
	eventLog      eventlog.Log
	mirror        *natsmirror.Mirror
	recorder      *eventlog.Recorder
	tlsManager    *tlsmanager.Manager
	archiver      *storage.Archiver
	defaultTTL    time.Duration
	maxTTL        time.Duration
	serverManager *serverManager
}

func (d *serverDependencies) close() {
	if d.mirror != nil {
		if err := d.mirror.Close(); err != nil {
			logger.Warn("Error closing NATS mirror", "error", err)
		}
	}
	if d.eventLog != nil {
		if err := d.eventLog.Close(); err != nil {
			logger.Warn("Error closing event log", "error", err)
		}
	}
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("selftest version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SELFTEST: Warning initializing logger: %v\n", err)
	}
	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	// Re-initialize with the loaded logging section.
	if logFile, err = logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "SELFTEST: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SELFTEST: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("selftest starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, initErr := initializeServices(ctx, cfg)
	if initErr != nil {
		errorHandler.FatalError("initialize services", initErr)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for all servers to stop gracefully...")

		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(45 * time.Second):
			logger.Warn("Server shutdown timeout reached after 45 seconds")
		}
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
		deps.close()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads the configuration file and checks every
// server entry. Any error here stops the process.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using the built-in port table", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if len(cfg.GetAllServers()) == 0 {
		cfg.DynamicServers = config.DefaultServers()
	}
	allServers := cfg.GetAllServers()

	for _, server := range allServers {
		if err := server.Validate(); err != nil {
			errorHandler.ValidationError(fmt.Sprintf("server '%s'", server.Name), err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	serverNames := make(map[string]bool)
	serverAddresses := make(map[string]string)
	for _, server := range allServers {
		if serverNames[server.Name] {
			errorHandler.ValidationError("server configuration", fmt.Errorf("duplicate server name '%s' found. Each server must have a unique name", server.Name))
			os.Exit(errorHandler.WaitForExit())
		}
		serverNames[server.Name] = true

		if existing, exists := serverAddresses[server.Addr]; exists {
			errorHandler.ValidationError("server configuration", fmt.Errorf("duplicate server address '%s' found. Server '%s' and '%s' cannot bind to the same address", server.Addr, existing, server.Name))
			os.Exit(errorHandler.WaitForExit())
		}
		serverAddresses[server.Addr] = server.Name
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logger.Info("Found configured servers", "count", len(allServers))
}

// initializeServices builds the mode store, the event pipeline, the TLS
// manager and the optional archive bucket.
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{config: cfg, serverManager: &serverManager{}}

	def, err := cfg.Modes.GetDefault()
	if err != nil {
		return nil, err
	}
	if deps.modes, err = modestore.New(def); err != nil {
		return nil, err
	}
	if deps.defaultTTL, err = cfg.Modes.GetDefaultTTL(); err != nil {
		return nil, err
	}
	if deps.maxTTL, err = cfg.Modes.GetMaxTTL(); err != nil {
		return nil, err
	}
	logger.Info("Mode store ready", "default", def, "default_ttl", deps.defaultTTL, "max_ttl", deps.maxTTL)

	if deps.eventLog, err = openEventLog(ctx, cfg.Events); err != nil {
		return nil, err
	}

	filter, err := eventlog.NewFilter(cfg.Events.PseudonymKey)
	if err != nil {
		deps.close()
		return nil, err
	}
	if cfg.Events.PseudonymKey == "" {
		logger.Warn("events.pseudonym_key is not set; client pseudonyms are predictable")
	}

	var mirrors []eventlog.Mirror
	if n := cfg.Events.NATS; n != nil {
		queue := n.QueueSize
		if queue <= 0 {
			queue = natsmirror.DefaultQueueLen
		}
		if deps.mirror, err = natsmirror.Connect(n.URL, n.Subject, queue); err != nil {
			deps.close()
			return nil, err
		}
		mirrors = append(mirrors, deps.mirror)
	}
	deps.recorder = eventlog.NewRecorder(deps.eventLog, filter, mirrors...)

	if cfg.HasMailServers() || cfg.TLS.Provider == "letsencrypt" {
		if deps.tlsManager, err = tlsmanager.New(cfg.TLS); err != nil {
			deps.close()
			return nil, err
		}
	}

	if a := cfg.Events.Archive; a != nil {
		s3, err := storage.New(a.Endpoint, a.AccessKey, a.SecretKey, a.Bucket, a.UseSSL, a.Debug)
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		deps.archiver = storage.NewArchiver(s3, a.Prefix)
		logger.Info("Session archives enabled", "endpoint", a.Endpoint, "bucket", a.Bucket, "prefix", a.Prefix)
	}
	return deps, nil
}

func openEventLog(ctx context.Context, cfg config.EventsConfig) (eventlog.Log, error) {
	switch cfg.GetBackend() {
	case config.BackendSQLite, config.BackendPostgres:
		driver, dsn := sqlstore.SQLite, cfg.Path
		if cfg.GetBackend() == config.BackendPostgres {
			driver, dsn = sqlstore.Postgres, cfg.DSN
		}
		store, err := sqlstore.Open(ctx, driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s event log: %w", driver, err)
		}
		logger.Info("Event log: using SQL store", "driver", driver)
		return store, nil
	default:
		file, err := eventlog.OpenFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		logger.Info("Event log: using JSON lines file", "path", file.Path())
		return file, nil
	}
}

// startServers launches every configured server. Mail listeners share one
// listener manager so a bind failure on any port stops the whole service.
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)

	var specs []serverPkg.ListenerSpec
	for _, server := range deps.config.GetAllServers() {
		switch server.Type {
		case config.TypeSMTP, config.TypeIMAP:
			spec, err := listenerSpec(deps.config, server)
			if err != nil {
				errChan <- err
				return errChan
			}
			specs = append(specs, spec)
		case config.TypeMetrics:
			go startMetricsServer(ctx, deps, server, errChan)
		case config.TypeHTTPAPI:
			go startHTTPAPIServer(ctx, deps, server, errChan)
		case config.TypeACMEHTTP:
			go startACMEHTTPServer(ctx, deps, server, errChan)
		default:
			logger.Warn("Unknown server type, skipping", "type", server.Type, "name", server.Name)
		}
	}

	if len(specs) > 0 {
		if err := startMailListeners(ctx, deps, specs); err != nil {
			errChan <- err
		}
	}
	return errChan
}

func listenerSpec(cfg config.Config, server config.ServerConfig) (serverPkg.ListenerSpec, error) {
	idle, err := server.GetIdleTimeout()
	if err != nil {
		return serverPkg.ListenerSpec{}, err
	}
	lifetime, err := server.GetSessionTimeout()
	if err != nil {
		return serverPkg.ListenerSpec{}, err
	}
	hostname := server.Hostname
	if hostname == "" {
		hostname = cfg.Hostname
	}
	return serverPkg.ListenerSpec{
		Name:            server.Name,
		Protocol:        server.Type,
		Addr:            server.Addr,
		TLSStyle:        server.GetTLSStyle(),
		Hostname:        hostname,
		MaxConnections:  server.MaxConnections,
		IdleTimeout:     idle,
		SessionLifetime: lifetime,
		MaxErrors:       server.GetMaxErrors(),
	}, nil
}

func startMailListeners(ctx context.Context, deps *serverDependencies, specs []serverPkg.ListenerSpec) error {
	imapEngine, err := imap.New(deps.config.Hostname)
	if err != nil {
		return fmt.Errorf("failed to create IMAP engine: %w", err)
	}
	handshake, err := deps.config.TLS.GetHandshakeTimeout()
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if deps.tlsManager != nil {
		tlsConfig = deps.tlsManager.GetTLSConfig()
	}

	manager, err := serverPkg.NewManager(specs, serverPkg.ManagerOptions{
		Modes:            deps.modes,
		Recorder:         deps.recorder,
		TLSConfig:        tlsConfig,
		HandshakeTimeout: handshake,
		Engines: map[string]serverPkg.Engine{
			config.TypeSMTP: smtp.New(deps.config.Hostname),
			config.TypeIMAP: imapEngine,
		},
	})
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}

	deps.serverManager.Add()
	go func() {
		defer deps.serverManager.Done()
		<-ctx.Done()
		logger.Info("Stopping mail listeners")
		manager.Close()
	}()
	return nil
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	mux := http.NewServeMux()
	mux.Handle(serverConfig.GetPath(), promhttp.Handler())
	serveHTTP(ctx, serverConfig, mux, "metrics", errChan)
}

func startACMEHTTPServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	if deps.tlsManager == nil || deps.tlsManager.HTTPHandler() == nil {
		logger.Warn("ACME HTTP server configured without the letsencrypt TLS provider, skipping", "name", serverConfig.Name)
		return
	}
	serveHTTP(ctx, serverConfig, deps.tlsManager.HTTPHandler(), "ACME HTTP", errChan)
}

func serveHTTP(ctx context.Context, serverConfig config.ServerConfig, handler http.Handler, kind string, errChan chan error) {
	server := &http.Server{
		Addr:              serverConfig.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server", "kind", kind, "name", serverConfig.Name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down server", "kind", kind, "name", serverConfig.Name, "error", err)
		}
	}()

	logger.Info("Starting server", "kind", kind, "name", serverConfig.Name, "addr", serverConfig.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("%s server %s failed: %w", kind, serverConfig.Name, err)
	}
}

func startHTTPAPIServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	httpapi.Start(ctx, httpapi.ServerOptions{
		Name:           serverConfig.Name,
		Addr:           serverConfig.Addr,
		APIKey:         serverConfig.APIKey,
		AllowedHosts:   serverConfig.AllowedHosts,
		TrustedProxies: serverConfig.TrustedProxies,
		Modes:          deps.modes,
		Recorder:       deps.recorder,
		Archiver:       deps.archiver,
		DefaultTTL:     deps.defaultTTL,
		MaxTTL:         deps.maxTTL,
		TLS:            serverConfig.TLS,
		TLSCertFile:    serverConfig.TLSCertFile,
		TLSKeyFile:     serverConfig.TLSKeyFile,
	}, errChan)
}
