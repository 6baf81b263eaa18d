// Package store persists tenant policies in SQLite.
//
// # Schema
//
//	tenants(id TEXT PRIMARY KEY, max_calls_per_request INTEGER, updated_at DATETIME)
//	tenant_capabilities(tenant_id TEXT, capability_id TEXT, PRIMARY KEY (tenant_id, capability_id))
//
// The schema is created on open. SaveTenant replaces a tenant's capability set
// in a single transaction.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite backed, used by the policy loader and
//     the "policy import" command
//   - MockStore: in-memory, for tests
package store
