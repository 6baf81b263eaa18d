// ABOUTME: Gateway wires configuration into the router and serves its HTTP API
// ABOUTME: Owns the policy store, delegate, event publisher and HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/delegate"
	"github.com/2389/coven-router/internal/events"
	"github.com/2389/coven-router/internal/orchestrator"
	"github.com/2389/coven-router/internal/policy"
	"github.com/2389/coven-router/internal/store"
)

// Gateway is the coven-router server.
type Gateway struct {
	config       *config.Config
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	policies     *policy.Store
	tenants      store.TenantStore // nil when policies come from the config file
	natsConn     *nats.Conn
	verifier     *auth.JWTVerifier // nil when auth is disabled
	handler      http.Handler
	httpServer   *http.Server
}

// Option customizes New.
type Option func(*options)

type options struct {
	delegate   delegate.Delegate
	newSession orchestrator.SessionFactory
	publisher  events.Publisher
}

// WithDelegate replaces the delegate built from the config.
func WithDelegate(d delegate.Delegate) Option {
	return func(o *options) { o.delegate = d }
}

// WithSessionFactory replaces the MCP session factory.
func WithSessionFactory(f orchestrator.SessionFactory) Option {
	return func(o *options) { o.newSession = f }
}

// WithPublisher replaces the publisher built from the config.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	gw := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}

	if err := gw.initPolicies(ctx); err != nil {
		return nil, err
	}

	d := o.delegate
	if d == nil {
		var err error
		d, err = NewDelegate(cfg.Delegate, logger.With("component", "delegate"))
		if err != nil {
			gw.Close()
			return nil, err
		}
	}

	publisher := o.publisher
	if publisher == nil {
		var err error
		publisher, err = gw.initPublisher()
		if err != nil {
			gw.Close()
			return nil, err
		}
	}

	newSession := o.newSession
	if newSession == nil {
		newSession = orchestrator.MCPSessionFactory(orchestrator.Timeouts{
			Endpoint:  cfg.Timeouts.Endpoint,
			Handshake: cfg.Timeouts.Handshake,
			List:      cfg.Timeouts.List,
			Call:      cfg.Timeouts.Call,
		}, logger.With("component", "mcp"))
	}

	services := make([]orchestrator.Service, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		services = append(services, orchestrator.Service{Name: svc.Name, URL: svc.URL, StreamPath: svc.StreamPath})
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Services:       services,
		Policies:       gw.policies,
		Delegate:       d,
		NewSession:     newSession,
		Publisher:      publisher,
		Logger:         logger.With("component", "orchestrator"),
		RequestTimeout: cfg.Timeouts.Request,
	})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	gw.orchestrator = orch

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
	}

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initPolicies loads tenant policies from SQLite when configured, otherwise
// from the config file.
func (g *Gateway) initPolicies(ctx context.Context) error {
	if g.config.Policy.Database == "" {
		g.policies = policy.NewStore(g.config.TenantPolicies())
		g.logger.Info("tenant policies loaded from config", "tenants", len(g.config.Tenants))
		return nil
	}

	s, err := store.NewSQLiteStore(g.config.Policy.Database)
	if err != nil {
		return fmt.Errorf("opening policy database: %w", err)
	}
	policies, err := policy.Load(ctx, s)
	if err != nil {
		_ = s.Close()
		return err
	}
	g.tenants = s
	g.policies = policies
	g.logger.Info("tenant policies loaded from database",
		"path", g.config.Policy.Database,
		"tenants", len(policies.Tenants()),
	)
	return nil
}

func (g *Gateway) initPublisher() (events.Publisher, error) {
	if g.config.Events.NATSURL == "" {
		return events.NoOpPublisher{}, nil
	}
	nc, err := events.Connect(g.config.Events.NATSURL)
	if err != nil {
		return nil, err
	}
	g.natsConn = nc
	g.logger.Info("publishing outcome events", "nats_url", g.config.Events.NATSURL, "subject", g.config.Events.Subject)
	return events.NewNATSPublisher(nc, g.config.Events.Subject, g.logger.With("component", "events")), nil
}

// NewDelegate builds the configured language-model delegate, throttled when
// requests_per_minute is set.
func NewDelegate(cfg config.DelegateConfig, logger *slog.Logger) (delegate.Delegate, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("delegate api key is not configured for provider %s", cfg.Provider)
	}

	var (
		d   delegate.Delegate
		err error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		d, err = delegate.NewOpenAIFromAPIKey(cfg.APIKey, delegate.OpenAIConfig{
			Model:     cfg.Model,
			MaxTokens: int64(cfg.MaxTokens),
			Logger:    logger,
		}, opts...)
	case config.ProviderAnthropic:
		d, err = delegate.NewAnthropicFromAPIKey(cfg.APIKey, delegate.AnthropicConfig{
			Model:     cfg.Model,
			MaxTokens: int64(cfg.MaxTokens),
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown delegate provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s delegate: %w", cfg.Provider, err)
	}

	return delegate.NewRateLimited(d, cfg.RequestsPerMinute), nil
}

// Orchestrator returns the router behind the gateway.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orchestrator
}

// Policies returns the live tenant policy store.
func (g *Gateway) Policies() *policy.Store {
	return g.policies
}

// Handler returns the HTTP API.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	if g.verifier != nil {
		authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)
		adminMiddleware := auth.RequireAdminHTTP(g.logger)
		mux.Handle("POST /api/route", authMiddleware(http.HandlerFunc(g.handleRoute)))
		mux.Handle("GET /api/tenants", authMiddleware(http.HandlerFunc(g.handleListTenants)))
		mux.Handle("GET /api/catalog", authMiddleware(http.HandlerFunc(g.handleCatalog)))
		mux.Handle("PUT /api/tenants/{id}", authMiddleware(adminMiddleware(http.HandlerFunc(g.handlePutTenant))))
		mux.Handle("DELETE /api/tenants/{id}", authMiddleware(adminMiddleware(http.HandlerFunc(g.handleDeleteTenant))))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("POST /api/route", g.handleRoute)
		mux.HandleFunc("GET /api/tenants", g.handleListTenants)
		mux.HandleFunc("GET /api/catalog", g.handleCatalog)
		// Tenant writes need an admin token, so they stay closed without auth.
		mux.HandleFunc("PUT /api/tenants/{id}", g.handleManagementDisabled)
		mux.HandleFunc("DELETE /api/tenants/{id}", g.handleManagementDisabled)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured, tenant management is off")
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases the gateway's resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}
	if err := g.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the policy database and broker connection. Safe to call
// more than once.
func (g *Gateway) Close() error {
	var err error
	if g.natsConn != nil {
		if drainErr := g.natsConn.Drain(); drainErr != nil {
			g.natsConn.Close()
		}
		g.natsConn = nil
	}
	if g.tenants != nil {
		err = g.tenants.Close()
		g.tenants = nil
	}
	return err
}
