// ABOUTME: Mock TenantStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory TenantStore implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{tenants: make(map[string]*Tenant)}
}

func copyTenant(t *Tenant) *Tenant {
	c := *t
	c.AllowedCapabilities = append([]string{}, t.AllowedCapabilities...)
	sort.Strings(c.AllowedCapabilities)
	return &c
}

// ListTenants returns every tenant ordered by id.
func (m *MockStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, copyTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTenant retrieves a tenant by id.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTenant(t), nil
}

// SaveTenant inserts or replaces a tenant.
func (m *MockStore) SaveTenant(ctx context.Context, tenant *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := copyTenant(tenant)
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = t
	return nil
}

// DeleteTenant removes a tenant.
func (m *MockStore) DeleteTenant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(m.tenants, id)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var _ TenantStore = (*MockStore)(nil)
