// ABOUTME: Gateway orchestrator wiring issuance, sessions, and dispatch
// ABOUTME: Manages the HTTP server, WebSocket upgrades, and component lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/grant"
	"github.com/2389/relay-gateway/internal/rpc"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/status"
	"github.com/2389/relay-gateway/internal/tools"
	"github.com/2389/relay-gateway/internal/usage"
)

// closeInvalidCredential is the application close code sent when a
// connection presents an unknown, expired, or already-consumed credential.
// Sent after the upgrade completes so the client actually receives it.
const closeInvalidCredential = websocket.StatusCode(4003)

// maxFrameBytes bounds a single inbound WebSocket frame.
const maxFrameBytes = 1 << 20

// Gateway orchestrates the relay-gateway server components.
// It owns the HTTP server that carries credential issuance, WebSocket
// upgrades, and the status endpoint.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	grants     *grant.Store
	window     *grant.RateWindow
	registry   *session.Registry
	dispatcher *tools.Dispatcher
	reporter   *status.Reporter
	sink       usage.Sink
	issuer     *auth.Issuer
	engine     *rpc.Engine
	httpServer *http.Server

	// connCtx governs the lifetime of serving WebSocket connections.
	// Cancelled on shutdown so hijacked connections drain; the HTTP
	// server's own Shutdown does not cover them.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	grants := grant.NewStore(cfg.Auth.GrantTTL, logger)
	window := grant.NewRateWindow(cfg.Auth.RateWindow, logger)
	registry := session.NewRegistry(grants, cfg.Session.MaxConnections, logger)

	dispatcher := tools.NewDispatcher(tools.Config{
		Timeout: cfg.Session.CallTimeout,
		Logger:  logger,
	})
	if err := tools.RegisterBuiltins(dispatcher, tools.BuiltinConfig{Logger: logger}); err != nil {
		grants.Close()
		window.Close()
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	dispatcher.Seal()

	sink, err := initSink(cfg, logger)
	if err != nil {
		grants.Close()
		window.Close()
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("operator bypass enabled")
	} else {
		logger.Warn("operator bypass disabled - no jwt_secret configured")
	}

	reporter := status.NewReporter(registry, version, logger)

	issuer := auth.NewIssuer(auth.IssuerConfig{
		Grants:            grants,
		Window:            window,
		Logger:            logger,
		Verifier:          verifier,
		PublicURL:         cfg.Server.PublicURL,
		TrustProxyHeaders: cfg.Auth.TrustProxyHeaders,
	})

	engine := rpc.NewEngine(rpc.EngineConfig{
		Registry:      registry,
		Tools:         dispatcher,
		Status:        reporter,
		Usage:         sink,
		Logger:        logger,
		IdleTimeout:   cfg.Session.IdleTimeout,
		MaxInFlight:   cfg.Session.MaxInFlight,
		CloseGrace:    cfg.Session.CloseGrace,
		ServerName:    "relay-gateway",
		ServerVersion: version,
	})

	connCtx, connCancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		grants:     grants,
		window:     window,
		registry:   registry,
		dispatcher: dispatcher,
		reporter:   reporter,
		sink:       sink,
		issuer:     issuer,
		engine:     engine,
		connCtx:    connCtx,
		connCancel: connCancel,
	}

	mux := http.NewServeMux()
	mux.Handle("/auth", issuer)
	mux.HandleFunc("/ws/", g.handleWebSocket)
	mux.Handle("/status", reporter)
	mux.HandleFunc("/health", g.handleHealth)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// initSink creates the usage sink based on config.
func initSink(cfg *config.Config, logger *slog.Logger) (usage.Sink, error) {
	if !cfg.Usage.Enabled {
		return usage.NopSink{}, nil
	}
	sink, err := usage.NewSQLiteSink(cfg.Usage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing usage sink: %w", err)
	}
	return sink, nil
}

// Handler exposes the gateway's HTTP routing for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the server and releases resources. Serving
// WebSocket connections are cancelled and drain within the engine's close
// grace; pending usage records flush until the context expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.connCancel()

	if err := g.sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("usage sink close: %w", err))
	}
	g.grants.Close()
	g.window.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleWebSocket upgrades the connection and admits it against the grant
// store. Admission failures close the socket with an application close code
// rather than an HTTP status so the client sees why after the upgrade.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := strings.TrimPrefix(r.URL.Path, "/ws/")
	if credential == "" || strings.Contains(credential, "/") {
		http.NotFound(w, r)
		return
	}

	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sock.SetReadLimit(maxFrameBytes)

	conn, err := g.registry.Admit(credential, r.RemoteAddr)
	if err != nil {
		code, reason := admissionClose(err)
		g.logger.Info("connection rejected",
			"remote_addr", r.RemoteAddr,
			"reason", reason,
		)
		_ = sock.Close(code, reason)
		return
	}

	g.engine.Serve(g.connCtx, conn, sock)
}

// admissionClose maps an admission error onto a WebSocket close code.
func admissionClose(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, session.ErrRegistryFull):
		return websocket.StatusTryAgainLater, "server at capacity"
	case errors.Is(err, grant.ErrExpiredCredential):
		return closeInvalidCredential, "credential expired"
	case errors.Is(err, grant.ErrConsumedCredential):
		return closeInvalidCredential, "credential already used"
	default:
		return closeInvalidCredential, "invalid credential"
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
