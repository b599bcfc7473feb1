// ABOUTME: Gateway orchestrator that serves WebSocket clients and the HTTP endpoints
// ABOUTME: Wires security, pipeline, registry, staging and the agent backend, and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/stffns/QAI/internal/agent"
	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/config"
	"github.com/stffns/QAI/internal/dedupe"
	"github.com/stffns/QAI/internal/metrics"
	"github.com/stffns/QAI/internal/pipeline"
	"github.com/stffns/QAI/internal/protocol"
	"github.com/stffns/QAI/internal/registry"
	"github.com/stffns/QAI/internal/security"
	"github.com/stffns/QAI/internal/staging"
	"github.com/stffns/QAI/internal/store"
)

// Version is reported in welcome and status events.
const Version = "2.0.0"

// Gateway orchestrates the qai-gateway server components.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	started  time.Time
	upgrader websocket.Upgrader

	store    store.Store // nil when database.path is empty
	security *security.Manager
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	staging  *staging.Store
	dedupe   *dedupe.Window // nil when sessions.dedupe_window is 0
	agent    agent.Service
	metrics  *metrics.Metrics
	accept   *rate.Limiter // nil when accept throttling is disabled

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	shuttingDown atomic.Bool
}

// Option customizes a Gateway built by New.
type Option func(*Gateway)

// WithAgent replaces the configured agent backend.
func WithAgent(svc agent.Service) Option {
	return func(g *Gateway) { g.agent = svc }
}

// WithClock replaces the wall clock used by the limiter, registry and staging.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) { g.clock = clk }
}

// WithStore supplies an already opened store instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		clock:   clock.New(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(gw)
	}
	gw.started = gw.clock.Now()

	if gw.store == nil && cfg.Database.Path != "" {
		s, err := initStore(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		gw.store = s
	}

	sec, err := gw.buildSecurity(cfg)
	if err != nil {
		gw.closeStore()
		return nil, err
	}
	gw.security = sec

	var audit store.AuditStore
	if gw.store != nil {
		audit = gw.store
	}
	gw.pipeline = pipeline.Default(sec, gw.metrics, pipeline.NewLogObserver(logger, audit, gw.metrics))

	gw.registry = registry.New(registry.Options{
		MaxConnections: cfg.Server.MaxConnections,
		QueueSize:      cfg.Server.SendQueueSize,
		Clock:          gw.clock,
		Logger:         logger,
	})

	gw.staging, err = staging.New(cfg.Staging.Dir, cfg.Staging.MaxAttachmentBytes, gw.clock, logger)
	if err != nil {
		gw.closeStore()
		return nil, err
	}

	if cfg.Sessions.DedupeWindow > 0 {
		gw.dedupe = dedupe.New(cfg.Sessions.DedupeWindow.Std(), cfg.Sessions.DedupeSize, gw.clock)
	}

	if gw.agent == nil {
		gw.agent, err = agent.New(agent.Options{
			Backend:     cfg.Agent.Backend,
			HTTPURL:     cfg.Agent.HTTPURL,
			RedisURL:    cfg.Agent.RedisURL,
			Stream:      cfg.Agent.RedisStream,
			ReplyPrefix: cfg.Agent.ReplyPrefix,
			Timeout:     cfg.Agent.Timeout.Std(),
		})
		if err != nil {
			gw.closeStore()
			return nil, fmt.Errorf("creating agent backend: %w", err)
		}
	}

	if cfg.Server.AcceptRate > 0 {
		gw.accept = rate.NewLimiter(rate.Limit(cfg.Server.AcceptRate), max(cfg.Server.AcceptBurst, 1))
	}

	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin policy runs in the pipeline so the client gets an ErrorEvent.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initStore opens the SQLite store, honoring QAI_DB_PATH.
func initStore(path string) (store.Store, error) {
	if envPath := os.Getenv("QAI_DB_PATH"); envPath != "" {
		path = envPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func (g *Gateway) buildSecurity(cfg *config.Config) (*security.Manager, error) {
	var issuer *auth.Issuer
	if cfg.Auth.JWTSecret != "" {
		var err error
		issuer, err = auth.NewIssuer(auth.IssuerConfig{
			Secret:    []byte(cfg.Auth.JWTSecret),
			TTL:       cfg.Auth.TokenTTL.Std(),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			CacheTTL:  cfg.Auth.CacheTTL.Std(),
			CacheSize: cfg.Auth.CacheSize,
			Clock:     g.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("creating token issuer: %w", err)
		}
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured, all connections are anonymous")
	}

	ips, err := security.NewIPFilter(cfg.IPFilter.Blocked)
	if err != nil {
		return nil, fmt.Errorf("loading ip_filter.blocked: %w", err)
	}
	if g.store != nil {
		if err := ips.Attach(context.Background(), g.store); err != nil {
			return nil, fmt.Errorf("loading block list: %w", err)
		}
	}

	var limiter *security.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = security.NewRateLimiter(security.RateLimitConfig{
			Limit:        cfg.RateLimit.MaxRequests,
			Window:       cfg.RateLimit.Window.Std(),
			Burst:        cfg.RateLimit.Burst,
			BurstPeriod:  cfg.RateLimit.BurstPeriod.Std(),
			IdleEviction: cfg.RateLimit.IdleEviction.Std(),
		}, g.clock)
	}

	return security.NewManager(security.ManagerConfig{
		Tokens:         issuer,
		Limiter:        limiter,
		Origins:        security.NewOriginPolicy(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowEmptyOrigin),
		IPs:            ips,
		AllowAnonymous: cfg.Auth.AllowAnonymous || issuer == nil,
	}), nil
}

// Handler returns the HTTP handler serving the WebSocket path and the
// health and metrics endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+g.config.Server.Path, g.handleWebSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// Security exposes the security manager, e.g. for token issuance.
func (g *Gateway) Security() *security.Manager { return g.security }

// Registry exposes the connection registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Metrics exposes the gateway's metric set.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Run starts the gateway and its background workers and blocks until ctx is
// cancelled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", g.config.Server.Path)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		g.registry.Run(gctx, g.config.Sessions.SweepInterval.Std(), g.config.Sessions.IdleTimeout.Std())
		return nil
	})
	grp.Go(func() error {
		g.staging.Run(gctx, g.config.Staging.PurgeInterval.Std(), g.config.Staging.Retention.Std(), func(n int) {
			g.metrics.StagingPurged.Add(float64(n))
		})
		return nil
	})
	grp.Go(func() error {
		g.security.RunJanitor(gctx, g.config.RateLimit.CleanupInterval.Std())
		return nil
	})
	if g.dedupe != nil {
		grp.Go(func() error {
			g.dedupe.Run(gctx, g.config.Sessions.DedupeWindow.Std())
			return nil
		})
	}
	if g.store != nil && g.config.Database.AuditRetention > 0 {
		grp.Go(func() error {
			g.pruneAuditLog(gctx, g.config.Database.AuditRetention.Std())
			return nil
		})
	}
	grp.Go(func() error {
		g.watchLifecycle(gctx)
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown tells every client the server is going away, closes all
// connections and releases resources. Errors from each step are combined.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway", "connections", g.registry.Count())

	notice := protocol.New(protocol.NewSystemEvent("server_shutdown", "server is shutting down", protocol.SeverityWarning, nil))
	g.registry.Broadcast(nil, notice)
	g.registry.CloseAll(registry.ReasonShutdown)

	var err error
	err = multierr.Append(err, wrapErr("HTTP shutdown", g.httpServer.Shutdown(ctx)))
	if g.tsnetServer != nil {
		err = multierr.Append(err, wrapErr("tailscale shutdown", g.tsnetServer.Close()))
	}
	if c, ok := g.agent.(io.Closer); ok {
		err = multierr.Append(err, wrapErr("agent close", c.Close()))
	}
	if g.store != nil {
		err = multierr.Append(err, wrapErr("store close", g.store.Close()))
	}
	return err
}

func wrapErr(label string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", label, err)
}

func (g *Gateway) closeStore() {
	if g.store != nil {
		_ = g.store.Close()
	}
}

// watchLifecycle turns registry events into metrics and audit entries.
func (g *Gateway) watchLifecycle(ctx context.Context) {
	events, _ := g.registry.Events().Subscribe(ctx)
	for ev := range events {
		g.metrics.ConnectionsActive.Set(float64(g.registry.Count()))
		if ev.Kind != registry.EventDisconnected {
			continue
		}
		if ev.Reason == registry.ReasonIdleTimeout {
			g.metrics.ConnectionsEvicted.Inc()
		}
		if g.store == nil {
			continue
		}
		actor := ev.Info.UserID
		if actor == "" {
			actor = "anonymous"
		}
		entry := &store.AuditEntry{
			Actor:        actor,
			Action:       store.AuditConnectionClosed,
			ConnectionID: ev.Info.ID,
			RemoteIP:     ev.Info.RemoteAddr,
			Detail: map[string]any{
				"reason":    ev.Reason,
				"messages":  ev.Info.MessageCount,
				"throttled": ev.Info.ThrottledCount,
				"duration":  g.clock.Since(ev.Info.ConnectedAt).String(),
			},
		}
		// ctx may already be cancelled during shutdown; the entry still matters.
		if err := g.store.AppendAuditLog(context.Background(), entry); err != nil {
			g.logger.Warn("failed to append audit log", "error", err)
		}
	}
}

// auditPruneInterval is how often entries past database.audit_retention are deleted.
const auditPruneInterval = time.Hour

// pruneAuditLog deletes audit entries older than retention at startup and
// then every auditPruneInterval.
func (g *Gateway) pruneAuditLog(ctx context.Context, retention time.Duration) {
	prune := func() {
		if _, err := g.store.PruneAuditLog(ctx, g.clock.Now().Add(-retention)); err != nil && ctx.Err() == nil {
			g.logger.Warn("failed to prune audit log", "error", err)
		}
	}
	prune()

	ticker := g.clock.Ticker(auditPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// listen creates the listener: a tailnet listener when Tailscale is
// enabled, plain TCP otherwise.
func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if !g.config.Tailscale.Enabled {
		ln, err := net.Listen("tcp", g.config.Server.Addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
		}
		return ln, nil
	}
	if g.config.Server.Addr != "" {
		g.logger.Warn("server.addr is ignored when tailscale is enabled", "addr", g.config.Server.Addr)
	}
	return g.listenTailscale(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "qai-gateway", "tailscale"), nil
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

func (g *Gateway) listenTailscale(ctx context.Context) (net.Listener, error) {
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

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK when the gateway can take another connection
// and its agent backend answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	n := g.registry.Count()
	if limit := g.config.Server.MaxConnections; limit > 0 && n >= limit {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "at capacity (%d connections)", n)
		return
	}
	if p, ok := g.agent.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "agent backend unavailable: %v", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", n)
}
