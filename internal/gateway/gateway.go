// ABOUTME: Gateway orchestrator that wires the routing core to its HTTP and gRPC surfaces
// ABOUTME: Owns the store, notifier, dispatcher and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/directory"
	"github.com/2389/switchboard/internal/notify"
	"github.com/2389/switchboard/internal/queue"
	"github.com/2389/switchboard/internal/routing"
	"github.com/2389/switchboard/internal/store"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "switchboard.Routing"

// escalationCacheSize bounds the escalation dedupe window.
const escalationCacheSize = 100_000

// Gateway orchestrates the switchboard server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	service     *routing.Service
	dispatcher  *routing.Dispatcher
	queue       *queue.Manager
	tracker     *agent.Tracker
	directory   *directory.Directory
	notifier    *notify.Notifier
	broadcaster *notify.Broadcaster
	publisher   *notify.AMQPPublisher // nil when analytics is disabled
	escalations *dedupe.Cache
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the SQLite store named by config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.OpenSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by the configured SQLite database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway around an existing store. The gateway takes
// ownership of the store and closes it on shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	tracker := agent.NewTracker(s, logger)
	workloads := agent.NewWorkloadCounter(s)
	workloads.SetDefaultCapacity(cfg.Routing.MaxConcurrentDefault)
	dir := directory.New(s, cfg.Routing.DirectoryCacheSize, cfg.Routing.DirectoryCacheTTL, logger)
	router := agent.NewRouter(workloads, dir, logger)
	q := queue.NewManager(s, workloads, cfg.Routing.ServiceLevelTarget, logger)

	broadcaster := notify.NewBroadcaster(logger)
	sinks := []notify.Sink{broadcaster, notify.NewHistorySink(s)}

	var publisher *notify.AMQPPublisher
	if amqpCfg := cfg.Notifications.AMQP; amqpCfg.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		publisher, err = notify.DialAMQP(ctx, notify.AMQPConfig{
			URL:        amqpCfg.URL,
			Exchange:   amqpCfg.Exchange,
			RoutingKey: amqpCfg.RoutingKey,
			Producer:   amqpCfg.Producer,
			PoolSize:   amqpCfg.PoolSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting analytics channel: %w", err)
		}
		sinks = append(sinks, publisher)
	}

	escalations := dedupe.New(cfg.Notifications.DedupeTTL, escalationCacheSize)
	notifier := notify.NewNotifier(notify.Config{
		BufferSize:  cfg.Notifications.BufferSize,
		Escalations: escalations,
	}, logger, sinks...)

	service := routing.NewService(routing.Deps{
		Store:     s,
		Tracker:   tracker,
		Workloads: workloads,
		Router:    router,
		Queue:     q,
		Notifier:  notifier,
		Logger:    logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       s,
		service:     service,
		dispatcher:  routing.NewDispatcher(service, q, cfg.Routing.PollInterval, logger),
		queue:       q,
		tracker:     tracker,
		directory:   dir,
		notifier:    notifier,
		broadcaster: broadcaster,
		publisher:   publisher,
		escalations: escalations,
		grpcServer:  createGRPCServer(),
		health:      health.NewServer(),
		logger:      logger.With("component", "gateway"),
	}

	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Service returns the routing service the gateway exposes.
func (g *Gateway) Service() *routing.Service {
	return g.service
}

// Handler returns the HTTP handler serving the API and health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run loads routing state, starts the servers, dispatcher and notifier, and
// blocks until ctx is cancelled or a server fails. Returns nil on graceful
// shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.tracker.Load(ctx); err != nil {
		return fmt.Errorf("loading agent availability: %w", err)
	}
	if err := g.queue.Sync(ctx); err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return g.notifier.Run(gctx) })
	group.Go(func() error { return g.dispatcher.Run(gctx) })

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	group.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.stopServers(shutdownCtx)
	})

	serverErr := group.Wait()
	if serverErr != nil {
		g.logger.Error("server error", "error", serverErr)
	}

	closeErr := g.release()
	if serverErr != nil {
		return serverErr
	}
	return closeErr
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
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// stopServers stops accepting requests and closes open SSE streams.
func (g *Gateway) stopServers(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()
	g.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	return errors.Join(errs...)
}

// release closes what the background loops were using. Call after they stopped.
func (g *Gateway) release() error {
	var errs []error
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.publisher != nil {
		errs = appendCloseError(errs, "analytics close", g.publisher.Close())
	}
	g.escalations.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Shutdown stops a gateway that is not running under Run and releases its resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return errors.Join(g.stopServers(ctx), g.release())
}

// storePinger is implemented by stores that can check their connection.
type storePinger interface {
	Ping(ctx context.Context) error
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.store.(storePinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tenants queued)", len(g.queue.Tenants()))
}
