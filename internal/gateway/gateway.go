// ABOUTME: Gateway orchestrator that wires the ordering components behind one HTTP server
// ABOUTME: Manages store, catalog, lock gate, background loops, listeners and shutdown

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
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/order-gateway/internal/auth"
	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/config"
	"github.com/2389/order-gateway/internal/conversation"
	"github.com/2389/order-gateway/internal/deferred"
	"github.com/2389/order-gateway/internal/engine"
	"github.com/2389/order-gateway/internal/gate"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/metrics"
	"github.com/2389/order-gateway/internal/notify"
	"github.com/2389/order-gateway/internal/store"
	"github.com/2389/order-gateway/internal/workflow"
)

// Gateway owns every long-lived component of the ordering service.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	catalog     *catalog.FileProvider
	gate        gate.Gate
	sender      messaging.Sender
	queue       *deferred.Queue
	workflow    *workflow.Engine
	dispatcher  *notify.Dispatcher
	orders      *orderPlacer
	stream      *notify.Broadcaster
	convo       *conversation.Service
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// cancelLoops stops the deferred runner and idle sweeper
	cancelLoops context.CancelFunc
	loops       sync.WaitGroup
}

// initStore opens the sqlite database named in the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initGate picks the per-customer lock backend.
func initGate(cfg config.GateConfig, logger *slog.Logger) gate.Gate {
	if cfg.Backend == "redis" {
		return gate.NewRedisGate(gate.RedisOptions{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			Prefix:        cfg.Redis.Prefix,
			TTL:           cfg.Redis.LockTTL,
			RetryInterval: cfg.Redis.RetryInterval,
		}, logger.With("component", "gate"))
	}
	return gate.NewMemoryGate()
}

// initSender returns the Cloud API sender, or a logging one in dry-run mode.
func initSender(cfg config.WhatsAppConfig, stores messaging.StoreDirectory, logger *slog.Logger) messaging.Sender {
	if cfg.DryRun {
		logger.Warn("whatsapp dry run enabled - outbound messages are only logged")
		return messaging.NewLogSender(logger)
	}
	return messaging.NewCloudSender(messaging.CloudConfig{
		BaseURL:     cfg.APIBaseURL,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.Timeout,
	}, stores, logger)
}

// staffRooms merges the catalog's staff_room entries with the configured
// rooms. The config wins when both name a room for a store.
func staffRooms(stores []catalog.Store, configured map[string]string) map[string]string {
	rooms := make(map[string]string, len(stores)+len(configured))
	for _, st := range stores {
		if st.StaffRoom != "" {
			rooms[st.ID] = st.StaffRoom
		}
	}
	for storeID, room := range configured {
		rooms[storeID] = room
	}
	return rooms
}

// initStaffChannels builds the staff notification fan-out.
func initStaffChannels(cfg config.MatrixConfig, stores []catalog.Store, stream *notify.Broadcaster, logger *slog.Logger) ([]notify.StaffChannel, error) {
	channels := []notify.StaffChannel{notify.NewLogChannel(logger), stream}
	if !cfg.Enabled {
		return channels, nil
	}
	rooms := staffRooms(stores, cfg.Rooms)
	mx, err := notify.NewMatrixChannel(notify.MatrixConfig{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
		Rooms:       rooms,
		DefaultRoom: cfg.DefaultRoom,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating matrix channel: %w", err)
	}
	logger.Info("matrix staff alerts enabled", "homeserver", cfg.Homeserver, "rooms", len(rooms))
	return append(channels, mx), nil
}

// buttonAllowList converts the configured flow names.
func buttonAllowList(raw map[string][]string) map[store.Flow][]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[store.Flow][]string, len(raw))
	for flow, ids := range raw {
		out[store.Flow(flow)] = ids
	}
	return out
}

// orderPlacer places orders in the workflow and tells staff about them.
type orderPlacer struct {
	workflow   *workflow.Engine
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// PlaceOrder implements conversation.OrderPlacer. A failed staff
// notification does not undo the order.
func (p *orderPlacer) PlaceOrder(ctx context.Context, order *store.Order) error {
	if err := p.workflow.PlaceOrder(ctx, order); err != nil {
		return err
	}
	if err := p.dispatcher.NotifyOrderPlaced(ctx, order); err != nil {
		p.logger.Error("notifying staff of new order", "error", err, "order_id", order.ID)
	}
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	stream := notify.NewBroadcaster(logger.With("component", "stream"))
	channels, err := initStaffChannels(cfg.Matrix, provider.Stores(), stream, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	sender := initSender(cfg.WhatsApp, provider, logger)
	dispatcher := notify.NewDispatcher(sender, channels, logger)

	queue := deferred.New(s, logger, deferred.WithBatchSize(cfg.Workflow.BatchSize))
	scheduler := workflow.NewAlertScheduler(queue, cfg.Workflow.WarningFraction, logger)
	flow := workflow.New(s, scheduler, provider, dispatcher, logger)
	queue.Register(workflow.TaskKindAlert, flow.HandleAlertTask)

	g := initGate(cfg.Gate, logger)
	eng := engine.New(engine.Config{
		PageSize:        cfg.Conversation.PageSize,
		ButtonAllowList: buttonAllowList(cfg.Conversation.ButtonAllowList),
	}, provider, logger)

	orders := &orderPlacer{workflow: flow, dispatcher: dispatcher, logger: logger.With("component", "orders")}

	var payments conversation.PaymentLinker
	if cfg.Payments.PixLinkTemplate != "" {
		payments = conversation.TemplateLinker{Template: cfg.Payments.PixLinkTemplate}
	}

	convo := conversation.New(conversation.Config{
		IdleTimeout:   cfg.Conversation.IdleTimeout,
		RatePerSecond: cfg.Conversation.RatePerSecond,
		RateBurst:     cfg.Conversation.RateBurst,
		DedupeTTL:     cfg.Conversation.DedupeTTL,
		DedupeSize:    cfg.Conversation.DedupeSize,
	}, conversation.Deps{
		Store:    s,
		Engine:   eng,
		Gate:     g,
		Sender:   sender,
		Orders:   orders,
		Payments: payments,
	}, logger)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		catalog:    provider,
		gate:       g,
		sender:     sender,
		queue:      queue,
		workflow:   flow,
		dispatcher: dispatcher,
		orders:     orders,
		stream:     stream,
		convo:      convo,
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	// WhatsApp webhook - authenticated by its payload signature
	mux.HandleFunc("GET /webhook", gw.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", gw.handleWebhook)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	if err := gw.registerStaffRoutes(mux, cfg, logger); err != nil {
		gw.closeComponents()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerStaffRoutes mounts the staff API behind JWT auth. Without a
// secret the API is only reachable on the tailnet and every caller is trusted.
func (g *Gateway) registerStaffRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	var authMiddleware func(http.Handler) http.Handler
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		authMiddleware = auth.HTTPAuthMiddleware(verifier)
		logger.Info("HTTP auth middleware enabled")
	} else {
		authMiddleware = auth.AllowAll("tailnet")
		logger.Warn("HTTP auth disabled - no jwt_secret configured, staff API trusts the tailnet")
	}

	routes := map[string]http.HandlerFunc{
		"GET /api/orders":                  g.handleListOrders,
		"GET /api/orders/{id}":             g.handleGetOrder,
		"GET /api/orders/{id}/ticket":      g.handleTicket,
		"POST /api/orders/{id}/transition": g.handleTransition,
		"POST /api/orders/{id}/cancel":     g.handleCancel,
		"POST /api/payments/confirm":       g.handleConfirmPayment,
		"POST /api/tasks/alert":            g.handleAlertTask,
		"GET /api/stores/{store}/events":   g.handleStoreEvents,
		"POST /api/catalog/reload":         g.handleCatalogReload,
		"GET /api/audit":                   g.handleListAudit,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, authMiddleware(h))
	}
	return nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the plain TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
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

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// startLoops runs the deferred task runner and the idle conversation sweeper.
func (g *Gateway) startLoops(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancelLoops = cancel

	g.loops.Go(func() {
		if err := g.queue.Run(loopCtx, g.config.Workflow.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("deferred task runner stopped", "error", err)
		}
	})
	g.loops.Go(func() {
		g.convo.RunSweeper(loopCtx, g.config.Conversation.SweepInterval)
	})
}

// stopLoops cancels the background loops and waits for them.
func (g *Gateway) stopLoops() {
	if g.cancelLoops != nil {
		g.cancelLoops()
	}
	g.loops.Wait()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until ctx is canceled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startLoops(ctx)
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "order-gateway", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and listens on :80, or on :443
// through Funnel so Meta can reach the webhook.
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

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
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

// closeComponents releases everything New created besides the HTTP server.
func (g *Gateway) closeComponents() []error {
	var errs []error
	g.convo.Close()
	g.stream.Close()
	if rg, ok := g.gate.(*gate.RedisGate); ok {
		errs = appendCloseError(errs, "gate close", rg.Close())
	}
	return appendCloseError(errs, "store close", g.store.Close())
}

// Shutdown gracefully stops the server and background loops and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.stopLoops()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// pinger is implemented by backends that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database and lock backend answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "backend", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	if p, ok := g.gate.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "backend", "gate", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("lock backend unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
