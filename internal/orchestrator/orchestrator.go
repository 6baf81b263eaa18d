// ABOUTME: Routes one tenant request to exactly one authorized remote capability.
// ABOUTME: Sessions are opened per request and closed on every exit path.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/delegate"
	"github.com/2389/coven-router/internal/events"
	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/mcp"
	"github.com/2389/coven-router/internal/policy"
	"github.com/2389/coven-router/internal/trace"
)

const instrumentationName = "github.com/2389/coven-router/internal/orchestrator"

// Session is the transport the orchestrator needs from one service
// connection. *mcp.Session satisfies it.
type Session interface {
	catalog.Source
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Close() error
}

// Service is one configured MCP service.
type Service struct {
	Name       string
	URL        string
	StreamPath string
}

// SessionFactory creates a fresh, unopened session for a service.
type SessionFactory func(svc Service) Session

// Timeouts configures per-exchange budgets for sessions built by
// MCPSessionFactory, plus the overall request deadline.
type Timeouts struct {
	Endpoint  time.Duration
	Handshake time.Duration
	List      time.Duration
	Call      time.Duration
	Request   time.Duration
}

// MCPSessionFactory builds SSE sessions with the given timeouts.
func MCPSessionFactory(timeouts Timeouts, logger *slog.Logger) SessionFactory {
	return func(svc Service) Session {
		return mcp.NewSession(mcp.Config{
			Name:             svc.Name,
			BaseURL:          svc.URL,
			StreamPath:       svc.StreamPath,
			Logger:           logger,
			EndpointTimeout:  timeouts.Endpoint,
			HandshakeTimeout: timeouts.Handshake,
			ListTimeout:      timeouts.List,
			CallTimeout:      timeouts.Call,
		})
	}
}

// Config contains configuration options for the Orchestrator.
type Config struct {
	Services   []Service
	Policies   *policy.Store
	Delegate   delegate.Delegate
	NewSession SessionFactory
	Publisher  events.Publisher
	Logger     *slog.Logger

	// RequestTimeout bounds a whole run. Zero leaves the caller's deadline alone.
	RequestTimeout time.Duration
}

// Orchestrator runs routed requests. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	services       []Service
	policies       *policy.Store
	delegate       delegate.Delegate
	newSession     SessionFactory
	publisher      events.Publisher
	logger         *slog.Logger
	requestTimeout time.Duration

	tracer      oteltrace.Tracer
	invocations metric.Int64Counter
}

// New creates an Orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Policies == nil {
		return nil, errors.New("policy store is required")
	}
	if cfg.Delegate == nil {
		return nil, errors.New("delegate is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewSession == nil {
		cfg.NewSession = MCPSessionFactory(Timeouts{}, cfg.Logger)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoOpPublisher{}
	}

	invocations, err := otel.Meter(instrumentationName).Int64Counter("coven_router.invocations",
		metric.WithDescription("Capability invocations by tenant, capability and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating invocation counter: %w", err)
	}

	return &Orchestrator{
		services:       append([]Service(nil), cfg.Services...),
		policies:       cfg.Policies,
		delegate:       cfg.Delegate,
		newSession:     cfg.NewSession,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		tracer:         otel.Tracer(instrumentationName),
		invocations:    invocations,
	}, nil
}

// Tenants returns the tenants known to the policy store.
func (o *Orchestrator) Tenants() []string {
	return o.policies.Tenants()
}

// Discover opens a session per service, builds the full catalog and closes
// the sessions again. It applies no tenant policy.
func (o *Orchestrator) Discover(ctx context.Context) (*catalog.Catalog, error) {
	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}

	sessions := make(map[string]Session, len(o.services))
	sources := make([]catalog.Source, 0, len(o.services))
	defer o.closeSessions(o.logger, sessions)
	for _, svc := range o.services {
		sess := o.newSession(svc)
		sessions[svc.Name] = sess
		sources = append(sources, sess)
	}
	return o.discover(ctx, sources)
}

// Run routes one request. On failure the error is a *RunError carrying the
// partial outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}

	out := &Outcome{
		RunID:    uuid.New().String(),
		TenantID: req.TenantID,
		Trace:    &trace.Trace{},
	}
	logger := o.logger.With("run_id", out.RunID, "tenant_id", req.TenantID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		oteltrace.WithAttributes(
			attribute.String("coven_router.run_id", out.RunID),
			attribute.String("coven_router.tenant_id", req.TenantID),
		),
	)
	defer span.End()

	logger.Info("=== ROUTING REQUEST ===")
	stage, err := o.run(ctx, logger, req, out)
	o.publish(ctx, logger, out, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		logger.Warn("routing failed",
			"stage", stage,
			"error_kind", fault.KindOf(err).String(),
			"error", err,
		)
		return nil, &RunError{Stage: stage, Outcome: out, Err: err}
	}

	logger.Info("=== ROUTING COMPLETE ===", "capability_id", out.SelectedCapability)
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, req Request, out *Outcome) (Stage, error) {
	pol, ok := o.policies.Get(req.TenantID)
	if !ok {
		return StagePolicy, fault.Configuration("unknown tenant: %s", req.TenantID)
	}

	sessions := make(map[string]Session, len(o.services))
	sources := make([]catalog.Source, 0, len(o.services))
	defer o.closeSessions(logger, sessions)
	for _, svc := range o.services {
		sess := o.newSession(svc)
		sessions[svc.Name] = sess
		sources = append(sources, sess)
	}

	logger.Info("→ discovering capabilities", "services", len(sources))
	cat, err := o.discover(ctx, sources)
	if err != nil {
		return StageDiscovery, err
	}
	logger.Info("← capabilities discovered", "count", cat.Len(), "ids", cat.IDs())

	candidates := policy.Filter(cat.Descriptors(), pol)
	if len(candidates) == 0 {
		return StageFilter, fault.Authorization("no capabilities allowed for tenant %s", req.TenantID)
	}
	logger.Info("policy allows capabilities", "count", len(candidates))

	decision, err := o.decide(ctx, req.Text, candidates)
	if err != nil {
		return StageDecision, err
	}
	out.SelectedCapability = decision.CapabilityID
	logger.Info("delegate selected capability", "capability_id", decision.CapabilityID)

	if !pol.Allows(decision.CapabilityID) {
		return StageAuthorize, fault.Authorization("capability denied by policy: %s", decision.CapabilityID)
	}
	chosen, ok := findCandidate(candidates, decision.CapabilityID)
	if !ok {
		return StageAuthorize, fault.Authorization("capability not offered to delegate: %s", decision.CapabilityID)
	}

	if err := delegate.ValidateArgs(chosen.InputSchema, decision.Args); err != nil {
		return StageValidate, err
	}

	sess, ok := sessions[chosen.Service]
	if !ok {
		return StageInvoke, fault.Configuration("no session for service %s", chosen.Service)
	}

	result, err := o.invoke(ctx, sess, chosen, decision.Args)
	o.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("capability_id", chosen.ID),
		attribute.Bool("ok", err == nil),
	))
	if err != nil {
		out.Trace.Failure(chosen.ID, decision.Args, err)
		return StageInvoke, err
	}

	out.Trace.Success(chosen.ID, decision.Args, result)
	out.Result = result
	return "", nil
}

func (o *Orchestrator) discover(ctx context.Context, sources []catalog.Source) (*catalog.Catalog, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.discover")
	defer span.End()

	cat, err := catalog.Discover(ctx, sources)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("coven_router.capabilities", cat.Len()))
	return cat, nil
}

func (o *Orchestrator) decide(ctx context.Context, text string, candidates []catalog.Descriptor) (delegate.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.decide",
		oteltrace.WithAttributes(attribute.Int("coven_router.candidates", len(candidates))),
	)
	defer span.End()

	decision, err := o.delegate.ChooseCapability(ctx, text, candidates)
	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.Decision(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "delegate failed")
		return delegate.Decision{}, err
	}
	if decision.Args == nil {
		decision.Args = map[string]any{}
	}
	span.SetAttributes(attribute.String("coven_router.capability_id", decision.CapabilityID))
	return decision, nil
}

func (o *Orchestrator) invoke(ctx context.Context, sess Session, chosen catalog.Descriptor, args map[string]any) (json.RawMessage, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("coven_router.capability_id", chosen.ID),
			attribute.String("coven_router.service", chosen.Service),
		),
	)
	defer span.End()

	result, err := sess.CallTool(ctx, chosen.Name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		return nil, err
	}
	return result, nil
}

func findCandidate(candidates []catalog.Descriptor, id string) (catalog.Descriptor, bool) {
	for _, c := range candidates {
		if c.ID == id {
			return c, true
		}
	}
	return catalog.Descriptor{}, false
}

// closeSessions closes every session exactly once. Close errors are logged
// and never replace the run's own result.
func (o *Orchestrator) closeSessions(logger *slog.Logger, sessions map[string]Session) {
	for name, sess := range sessions {
		if err := sess.Close(); err != nil {
			logger.Warn("closing session failed", "service", name, "error", err)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, out *Outcome, runErr error) {
	event := &events.OutcomeEvent{
		RunID:              out.RunID,
		TenantID:           out.TenantID,
		SelectedCapability: out.SelectedCapability,
		OK:                 runErr == nil,
		Trace:              out.Trace.Entries(),
		Timestamp:          time.Now().UTC(),
	}
	if runErr != nil {
		event.ErrorKind = fault.KindOf(runErr).String()
		event.Error = trace.Truncate(runErr.Error())
	}
	if event.Trace == nil {
		event.Trace = []trace.Entry{}
	}

	// A request deadline that already fired must not suppress the notification.
	pubCtx := context.WithoutCancel(ctx)
	if err := o.publisher.PublishOutcome(pubCtx, event); err != nil {
		logger.Warn("publishing outcome event failed", "error", err)
	}
}
