// ABOUTME: Gateway that serves credential issuance, run sockets, and health endpoints
// ABOUTME: Owns the store, run registry, orchestrator, broadcast hub, and optional tailnet listener

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-runs/internal/auth"
	"github.com/2389/coven-runs/internal/broadcast"
	"github.com/2389/coven-runs/internal/config"
	"github.com/2389/coven-runs/internal/credential"
	"github.com/2389/coven-runs/internal/flow"
	"github.com/2389/coven-runs/internal/orchestrator"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/telemetry"
)

// Gateway serves the run socket protocol over HTTP.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *run.Registry
	orchestrator *orchestrator.Orchestrator
	issuer       *credential.Issuer
	hub          *broadcast.Hub
	notifier     *broadcast.Notifier
	relay        *broadcast.RedisRelay
	redis        *redis.Client
	metrics      *telemetry.Metrics
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// cancels background work started by Run (the redis relay)
	stopBackground context.CancelFunc
	closeOnce      sync.Once

	mu       sync.Mutex
	sessions map[string]*session.Session
	// set by Shutdown; no session is added afterwards
	closing bool
	// one count per serveSocket still tearing down its session
	sockets sync.WaitGroup
}

// Options overrides collaborators, mostly for tests. Zero values build the
// defaults from config.
type Options struct {
	Store  store.Store
	Runner orchestrator.FlowRunner
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{}, logger)
}

// NewWithOptions creates a gateway, using any collaborators set in opts.
func NewWithOptions(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	s := opts.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	metrics, err := telemetry.New()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = jwtVerifier
		logger.Info("credential issuance requires a bearer token")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: run.NewRegistry(),
		issuer:   credential.NewIssuer(cfg.Credentials.TTL, cfg.Credentials.MaxPending),
		hub:      broadcast.NewHub(logger),
		metrics:  metrics,
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*session.Session),
	}

	if cfg.Redis.Addr != "" {
		gw.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		gw.relay = broadcast.NewRedisRelay(gw.redis, cfg.Redis.Channel, gw.hub, logger)
	}
	gw.notifier = broadcast.NewNotifier(gw.hub, gw.relay, logger)

	runner := opts.Runner
	if runner == nil {
		runner = flow.NewEcho(s, flow.EchoOptions{
			ChunkDelay:       cfg.Runs.ChunkDelay,
			CompactThreshold: cfg.Runs.CompactThreshold,
		}, logger)
	}

	gw.orchestrator, err = orchestrator.New(gw.registry, orchestrator.Options{
		Snapshots:   s,
		Profiles:    s,
		Runner:      runner,
		Toolsets:    toolsetCatalog(cfg.Toolsets),
		Metrics:     metrics,
		StopTimeout: cfg.Runs.StopTimeout,
	}, logger)
	if err != nil {
		gw.closeResources()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	if err := gw.seedProfileTemplates(context.Background()); err != nil {
		gw.closeResources()
		return nil, err
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.HandleFunc(cfg.Metrics.Path, gw.handleMetrics)
	}

	// The socket authenticates with its one-time credential instead
	mux.HandleFunc("/ws", gw.handleSocket)

	authMiddleware := auth.HTTPAuthMiddleware(verifier)
	mux.Handle("/api/credentials", authMiddleware(http.HandlerFunc(gw.handleIssueCredential)))
	mux.Handle("POST /api/projects/structure", authMiddleware(http.HandlerFunc(gw.handleProjectUpdate)))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func toolsetCatalog(toolsets []config.ToolsetConfig) orchestrator.StaticCatalog {
	catalog := make(orchestrator.StaticCatalog, 0, len(toolsets))
	for _, ts := range toolsets {
		catalog = append(catalog, orchestrator.Toolset{
			Name:        ts.Name,
			Description: ts.Description,
			Scope:       ts.Scope,
			Tools:       ts.Tools,
		})
	}
	return catalog
}

// seedProfileTemplates stores each configured template as a global
// template. A template whose body is unchanged keeps its current revision.
func (g *Gateway) seedProfileTemplates(ctx context.Context) error {
	for _, tmpl := range g.config.Profiles {
		current, err := g.store.GetGlobalTemplate(ctx, tmpl.Name)
		switch {
		case err == nil && current.Type == tmpl.Type && sameBody(current.Body, tmpl.Body):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("loading profile template %q: %w", tmpl.Name, err)
		}
		rec, err := g.store.SaveProfile(ctx, store.ProfileTemplate, tmpl.Name, tmpl.Type, tmpl.Body)
		if err != nil {
			return fmt.Errorf("saving profile template %q: %w", tmpl.Name, err)
		}
		g.logger.Info("profile template seeded", "name", rec.Name, "revision", rec.Revision)
	}
	return nil
}

// sameBody compares two profile bodies by their JSON encoding, so numbers
// decoded from YAML and from the database compare equal.
func sameBody(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Orchestrator returns the run orchestrator.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orchestrator
}

// Notifier returns the project update notifier.
func (g *Gateway) Notifier() *broadcast.Notifier {
	return g.notifier
}

// Issuer returns the credential issuer.
func (g *Gateway) Issuer() *credential.Issuer {
	return g.issuer
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts serving and blocks until ctx is cancelled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	g.stopBackground = cancel
	if g.relay != nil {
		go g.runRelay(bgCtx)
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

	// the original context is already done
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// runRelay keeps the Redis relay subscribed, retrying with backoff until ctx
// is done.
func (g *Gateway) runRelay(ctx context.Context) {
	backoff := time.Second
	for {
		err := g.relay.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("redis relay stopped, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-runs", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every live session, and releases
// resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// hijacked websocket connections survive http.Server.Shutdown, so close
	// them here and wait for their runs to stop and save before the store goes
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	for _, sess := range g.liveSessions() {
		sess.Mux.Close()
	}
	errs = appendCloseError(errs, "session teardown", g.waitSockets(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeResources()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// waitSockets blocks until every serveSocket has returned or ctx ends.
func (g *Gateway) waitSockets(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeResources releases everything New created. Later calls do nothing.
func (g *Gateway) closeResources() []error {
	var errs []error
	g.closeOnce.Do(func() {
		if g.stopBackground != nil {
			g.stopBackground()
		}
		g.issuer.Close()
		g.hub.Close()
		if g.redis != nil {
			errs = appendCloseError(errs, "redis close", g.redis.Close())
		}
		errs = appendCloseError(errs, "metrics shutdown", g.metrics.Shutdown(context.Background()))
		errs = appendCloseError(errs, "store close", g.store.Close())
	})
	return errs
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyResponse is the JSON body of GET /health/ready.
type ReadyResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Runs     int    `json:"runs"`
	Pending  int    `json:"pending_credentials"`
	Relay    string `json:"relay,omitempty"`
}

// handleReady reports live sessions and runs. It fails only when a
// configured Redis relay is unreachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:   "ready",
		Sessions: len(g.liveSessions()),
		Runs:     g.registry.Len(),
		Pending:  g.issuer.Pending(),
	}
	status := http.StatusOK
	if g.relay != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.relay.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Relay = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Relay = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// handleMetrics reports the current instrument totals as JSON.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := g.metrics.Collect(r.Context())
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}
