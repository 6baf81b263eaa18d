// ABOUTME: Capability catalog built by listing tools from every configured MCP service.
// ABOUTME: Capabilities are namespaced "<service>.<tool>" and discovery is all-or-nothing.

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/mcp"
)

// ErrCapabilityCollision indicates two tools resolved to the same capability id.
var ErrCapabilityCollision = errors.New("capability id collision")

// Separator joins a service name and a tool name into a capability id.
const Separator = "."

// Descriptor describes one remote capability. Descriptors are immutable once
// discovered.
type Descriptor struct {
	ID          string          `json:"id"`
	Service     string          `json:"service"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Source is a service that can list its tools. *mcp.Session satisfies it.
type Source interface {
	Name() string
	ListTools(ctx context.Context) ([]mcp.ToolInfo, error)
}

// ID builds the capability id for a tool of a service.
func ID(service, name string) string {
	return service + Separator + name
}

// SplitID splits a capability id on its first separator. Tool names may
// themselves contain the separator.
func SplitID(id string) (service, name string, ok bool) {
	service, name, ok = strings.Cut(id, Separator)
	if !ok || service == "" || name == "" {
		return "", "", false
	}
	return service, name, true
}

// Catalog is an ordered, read-only set of descriptors.
type Catalog struct {
	descriptors []Descriptor
	byID        map[string]int
}

// New builds a catalog from descriptors in the given order.
func New(descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{
		descriptors: make([]Descriptor, 0, len(descriptors)),
		byID:        make(map[string]int, len(descriptors)),
	}
	for _, d := range descriptors {
		if _, exists := c.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityCollision, d.ID)
		}
		c.byID[d.ID] = len(c.descriptors)
		c.descriptors = append(c.descriptors, d)
	}
	return c, nil
}

// Discover lists tools from each source in order and namespaces them. Any
// failing source aborts discovery with a connection error naming it.
func Discover(ctx context.Context, sources []Source) (*Catalog, error) {
	var all []Descriptor
	for _, src := range sources {
		tools, err := src.ListTools(ctx)
		if err != nil {
			// Sessions already report connection faults with their service.
			if fault.KindOf(err) == fault.KindConnection {
				return nil, err
			}
			return nil, fault.Connection(src.Name(), "discover", err)
		}
		for _, t := range tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = mcp.EmptyObjectSchema
			}
			all = append(all, Descriptor{
				ID:          ID(src.Name(), t.Name),
				Service:     src.Name(),
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}

	c, err := New(all)
	if err != nil {
		return nil, fault.Protocol("", "discover", err)
	}
	return c, nil
}

// Len returns the number of capabilities.
func (c *Catalog) Len() int { return len(c.descriptors) }

// Descriptors returns the capabilities in discovery order.
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// IDs returns the capability ids in discovery order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.descriptors))
	for i, d := range c.descriptors {
		ids[i] = d.ID
	}
	return ids
}

// Lookup finds a capability by id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.descriptors[i], true
}
