// ABOUTME: Tenant authorization policies and the in-memory store that serves them.
// ABOUTME: Filter intersects a catalog with a tenant's allowed capabilities.

package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/store"
)

// DefaultMaxCallsPerRequest applies when a tenant does not set a limit.
const DefaultMaxCallsPerRequest = 2

// Policy is one tenant's authorization: the set of capability ids it may
// invoke. The zero value allows nothing.
type Policy struct {
	allowed map[string]struct{}

	// MaxCallsPerRequest is carried for a future multi-call planner.
	// Routing makes exactly one call per request.
	MaxCallsPerRequest int
}

// New creates a policy allowing the given capability ids.
func New(allowed []string, maxCallsPerRequest int) Policy {
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	if maxCallsPerRequest <= 0 {
		maxCallsPerRequest = DefaultMaxCallsPerRequest
	}
	return Policy{allowed: set, MaxCallsPerRequest: maxCallsPerRequest}
}

// Allows reports whether the capability id is permitted.
func (p Policy) Allows(id string) bool {
	_, ok := p.allowed[id]
	return ok
}

// Allowed returns the permitted capability ids, sorted.
func (p Policy) Allowed() []string {
	ids := make([]string, 0, len(p.allowed))
	for id := range p.allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter returns the descriptors the policy permits, in catalog order.
func Filter(descriptors []catalog.Descriptor, p Policy) []catalog.Descriptor {
	out := make([]catalog.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if p.Allows(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

// Store maps tenant ids to policies. Routing only reads it; tenant
// management replaces or removes whole policies with Put and Delete after
// persisting them. It is safe for concurrent use, and a run reads its
// tenant's policy once at the start, so writes never affect a run in flight.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]Policy
}

// NewStore creates a store from tenant policies.
func NewStore(tenants map[string]Policy) *Store {
	m := make(map[string]Policy, len(tenants))
	for id, p := range tenants {
		m[id] = p
	}
	return &Store{tenants: m}
}

// Load builds a store from every tenant in a persistent tenant store.
func Load(ctx context.Context, ts store.TenantStore) (*Store, error) {
	records, err := ts.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tenants: %w", err)
	}
	tenants := make(map[string]Policy, len(records))
	for _, r := range records {
		tenants[r.ID] = New(r.AllowedCapabilities, r.MaxCallsPerRequest)
	}
	return &Store{tenants: tenants}, nil
}

// Get returns the policy for a tenant.
func (s *Store) Get(tenantID string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tenants[tenantID]
	return p, ok
}

// Put adds or replaces a tenant's policy.
func (s *Store) Put(tenantID string, p Policy) {
	s.mu.Lock()
	s.tenants[tenantID] = p
	s.mu.Unlock()
}

// Delete removes a tenant. It reports whether the tenant existed.
func (s *Store) Delete(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[tenantID]
	delete(s.tenants, tenantID)
	return ok
}

// Tenants returns the known tenant ids, sorted.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs()
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records converts the store into persistable tenant records.
func (s *Store) Records() []*store.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Tenant, 0, len(s.tenants))
	for _, id := range s.sortedIDs() {
		p := s.tenants[id]
		out = append(out, &store.Tenant{
			ID:                  id,
			AllowedCapabilities: p.Allowed(),
			MaxCallsPerRequest:  p.MaxCallsPerRequest,
		})
	}
	return out
}
