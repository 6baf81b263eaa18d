// Package gateway serves coven-router over HTTP.
//
// New wires a loaded config.Config into a running router: tenant policies
// (from the config file or a SQLite policy database), the language-model
// delegate, the outcome event publisher and the orchestrator. Run serves the
// API until its context is canceled and then shuts down gracefully.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - POST /api/route - Route one prompt for a tenant
//   - GET /api/tenants - List tenant policies
//   - GET /api/catalog - Discover capabilities across all services
//   - PUT /api/tenants/{id} - Create or replace a tenant (admin, needs policy.database)
//   - DELETE /api/tenants/{id} - Remove a tenant (admin, needs policy.database)
//
// Tenant writes need an admin token, so they answer 403 when auth.jwt_secret
// is unset.
//
// A route request:
//
//	POST /api/route
//	{"tenant_id": "acme", "prompt": "CVX-12 is overheating, what do I check?"}
//
// succeeds with the selected capability, the raw tool result and the trace:
//
//	{"run_id": "...", "tenant_id": "acme", "selected_capability": "kb.query",
//	 "result": {...}, "trace": [{"capability_id": "kb.query", "ok": true, ...}]}
//
// Failures carry the same shape plus an error object, with the status chosen
// by error kind: configuration 404, authorization 403, decision 422,
// connection and protocol 502, an expired request deadline 504.
//
// When auth.jwt_secret is set every /api endpoint requires a bearer token
// whose subject is the tenant; see package auth.
package gateway
