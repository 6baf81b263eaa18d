// ABOUTME: TenantStore interface and record types for tenant policy persistence
// ABOUTME: Implemented by SQLiteStore and by MockStore for tests

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant is the persisted form of one tenant's policy.
type Tenant struct {
	ID                  string
	AllowedCapabilities []string
	MaxCallsPerRequest  int
	UpdatedAt           time.Time
}

// TenantStore reads and writes tenant policies.
type TenantStore interface {
	ListTenants(ctx context.Context) ([]*Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	SaveTenant(ctx context.Context, tenant *Tenant) error
	DeleteTenant(ctx context.Context, id string) error
	Close() error
}
