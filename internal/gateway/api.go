// ABOUTME: HTTP API handlers for routing requests and managing tenants.
// ABOUTME: Maps the router's error taxonomy onto HTTP status codes.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/orchestrator"
	"github.com/2389/coven-router/internal/policy"
	"github.com/2389/coven-router/internal/store"
	"github.com/2389/coven-router/internal/trace"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RouteRequest is the JSON request body for POST /api/route.
type RouteRequest struct {
	TenantID string `json:"tenant_id"`
	Prompt   string `json:"prompt"`
}

// ErrorBody describes a failed run.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// RouteResponse is the JSON response for POST /api/route, on success and on
// failure alike.
type RouteResponse struct {
	RunID              string          `json:"run_id,omitempty"`
	TenantID           string          `json:"tenant_id"`
	SelectedCapability string          `json:"selected_capability,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Trace              *trace.Trace    `json:"trace"`
	Error              *ErrorBody      `json:"error,omitempty"`
}

// TenantResponse is one tenant in GET /api/tenants.
type TenantResponse struct {
	TenantID            string   `json:"tenant_id"`
	AllowedCapabilities []string `json:"allowed_capabilities"`
	MaxCallsPerRequest  int      `json:"max_calls_per_request"`
}

// PutTenantRequest is the JSON request body for PUT /api/tenants/{id}.
type PutTenantRequest struct {
	AllowedCapabilities []string `json:"allowed_capabilities"`
	MaxCallsPerRequest  int      `json:"max_calls_per_request"`
}

// CatalogResponse is the JSON response for GET /api/catalog.
type CatalogResponse struct {
	Capabilities []catalog.Descriptor `json:"capabilities"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": ErrorBody{Kind: kind, Message: message},
	})
}

// statusForError maps a run failure onto an HTTP status.
func statusForError(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch fault.KindOf(err) {
	case fault.KindConfiguration:
		return http.StatusNotFound
	case fault.KindAuthorization:
		return http.StatusForbidden
	case fault.KindDecision:
		return http.StatusUnprocessableEntity
	case fault.KindConnection, fault.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the short explanation shown to callers for each error kind.
func UserMessage(err error) string {
	switch fault.KindOf(err) {
	case fault.KindConfiguration:
		return "Configuration problem: " + err.Error()
	case fault.KindConnection:
		return "Could not reach a tool service. Are the MCP servers running? " + err.Error()
	case fault.KindAuthorization:
		return "Blocked by tenant policy: " + err.Error()
	case fault.KindProtocol:
		return "A tool service rejected the request: " + err.Error()
	case fault.KindDecision:
		return "The routing model returned an unusable decision: " + err.Error()
	default:
		return err.Error()
	}
}

// callerTenant resolves which tenant a request acts for. An authenticated
// caller may only act for the tenant in its token.
func callerTenant(r *http.Request, requested string) (string, error) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return requested, nil
	}
	if requested == "" || requested == id.TenantID {
		return id.TenantID, nil
	}
	return "", fault.Authorization("token for tenant %s cannot act for tenant %s", id.TenantID, requested)
}

// handleRoute handles POST /api/route.
func (g *Gateway) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request", "invalid JSON body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "request", "prompt is required")
		return
	}

	tenantID, err := callerTenant(r, req.TenantID)
	if err != nil {
		writeError(w, http.StatusForbidden, fault.KindAuthorization.String(), err.Error())
		return
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "request", "tenant_id is required")
		return
	}

	out, err := g.orchestrator.Run(r.Context(), orchestrator.Request{TenantID: tenantID, Text: req.Prompt})
	if err != nil {
		resp := RouteResponse{TenantID: tenantID, Trace: &trace.Trace{}}
		body := &ErrorBody{Kind: fault.KindOf(err).String(), Message: UserMessage(err)}

		var runErr *orchestrator.RunError
		if errors.As(err, &runErr) {
			body.Stage = string(runErr.Stage)
			body.Message = UserMessage(runErr.Err)
			resp.RunID = runErr.Outcome.RunID
			resp.SelectedCapability = runErr.Outcome.SelectedCapability
			resp.Trace = runErr.Outcome.Trace
		}
		resp.Error = body
		writeJSON(w, statusForError(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, RouteResponse{
		RunID:              out.RunID,
		TenantID:           out.TenantID,
		SelectedCapability: out.SelectedCapability,
		Result:             out.Result,
		Trace:              out.Trace,
	})
}

// handleListTenants handles GET /api/tenants. Authenticated non-admin callers
// only see their own tenant.
func (g *Gateway) handleListTenants(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	records := g.policies.Records()
	response := make([]TenantResponse, 0, len(records))
	for _, rec := range records {
		if id != nil && !id.Admin && rec.ID != id.TenantID {
			continue
		}
		response = append(response, TenantResponse{
			TenantID:            rec.ID,
			AllowedCapabilities: rec.AllowedCapabilities,
			MaxCallsPerRequest:  rec.MaxCallsPerRequest,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCatalog handles GET /api/catalog. Authenticated non-admin callers see
// the catalog filtered by their tenant's policy.
func (g *Gateway) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := g.orchestrator.Discover(r.Context())
	if err != nil {
		writeError(w, statusForError(err), fault.KindOf(err).String(), UserMessage(err))
		return
	}

	descs := cat.Descriptors()
	if id := auth.FromContext(r.Context()); id != nil && !id.Admin {
		p, ok := g.policies.Get(id.TenantID)
		if !ok {
			writeError(w, http.StatusNotFound, fault.KindConfiguration.String(), "unknown tenant: "+id.TenantID)
			return
		}
		descs = policy.Filter(descs, p)
	}
	if descs == nil {
		descs = []catalog.Descriptor{}
	}
	writeJSON(w, http.StatusOK, CatalogResponse{Capabilities: descs})
}

// handlePutTenant handles PUT /api/tenants/{id}. Requires a policy database.
func (g *Gateway) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	if g.tenants == nil {
		writeError(w, http.StatusConflict, fault.KindConfiguration.String(), "tenant management requires policy.database")
		return
	}

	tenantID := r.PathValue("id")
	var req PutTenantRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request", "invalid JSON body")
		return
	}
	if req.MaxCallsPerRequest < 0 {
		writeError(w, http.StatusBadRequest, "request", "max_calls_per_request must not be negative")
		return
	}
	for _, capID := range req.AllowedCapabilities {
		if _, _, ok := catalog.SplitID(capID); !ok {
			writeError(w, http.StatusBadRequest, "request", "invalid capability id: "+capID)
			return
		}
	}

	p := policy.New(req.AllowedCapabilities, req.MaxCallsPerRequest)
	rec := &store.Tenant{
		ID:                  tenantID,
		AllowedCapabilities: p.Allowed(),
		MaxCallsPerRequest:  p.MaxCallsPerRequest,
	}
	if err := g.tenants.SaveTenant(r.Context(), rec); err != nil {
		g.logger.Error("failed to save tenant", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage", "failed to save tenant")
		return
	}
	g.policies.Put(tenantID, p)
	g.logger.Info("tenant policy updated", "tenant_id", tenantID, "allowed", rec.AllowedCapabilities)

	writeJSON(w, http.StatusOK, TenantResponse{
		TenantID:            rec.ID,
		AllowedCapabilities: rec.AllowedCapabilities,
		MaxCallsPerRequest:  rec.MaxCallsPerRequest,
	})
}

// handleDeleteTenant handles DELETE /api/tenants/{id}. Requires a policy database.
func (g *Gateway) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if g.tenants == nil {
		writeError(w, http.StatusConflict, fault.KindConfiguration.String(), "tenant management requires policy.database")
		return
	}

	tenantID := r.PathValue("id")
	if err := g.tenants.DeleteTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fault.KindConfiguration.String(), "unknown tenant: "+tenantID)
			return
		}
		g.logger.Error("failed to delete tenant", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage", "failed to delete tenant")
		return
	}
	g.policies.Delete(tenantID)
	g.logger.Info("tenant deleted", "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// handleManagementDisabled answers tenant writes when auth is disabled.
func (g *Gateway) handleManagementDisabled(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusForbidden, fault.KindAuthorization.String(), "tenant management requires auth.jwt_secret")
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
