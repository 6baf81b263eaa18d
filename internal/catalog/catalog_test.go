// ABOUTME: Tests for capability discovery and id handling.
// ABOUTME: Uses in-memory sources in place of live MCP sessions.

package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/mcp"
)

type fakeSource struct {
	name  string
	tools []mcp.ToolInfo
	err   error
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	f.calls++
	return f.tools, f.err
}

func tool(name string) mcp.ToolInfo {
	return mcp.ToolInfo{Name: name, Description: name + " tool", InputSchema: []byte(`{"type":"object"}`)}
}

func TestDiscover(t *testing.T) {
	t.Run("namespaces tools in source order", func(t *testing.T) {
		tickets := &fakeSource{name: "tickets", tools: []mcp.ToolInfo{tool("search"), tool("create")}}
		kb := &fakeSource{name: "kb", tools: []mcp.ToolInfo{tool("search"), tool("query")}}

		c, err := Discover(context.Background(), []Source{tickets, kb})
		require.NoError(t, err)

		assert.Equal(t, []string{"tickets.search", "tickets.create", "kb.search", "kb.query"}, c.IDs())

		d, ok := c.Lookup("kb.query")
		require.True(t, ok)
		assert.Equal(t, "kb", d.Service)
		assert.Equal(t, "query", d.Name)
		assert.Equal(t, "query tool", d.Description)
	})

	t.Run("same tool name in two services yields distinct ids", func(t *testing.T) {
		tickets := &fakeSource{name: "tickets", tools: []mcp.ToolInfo{tool("search")}}
		kb := &fakeSource{name: "kb", tools: []mcp.ToolInfo{tool("search")}}

		c, err := Discover(context.Background(), []Source{tickets, kb})
		require.NoError(t, err)
		require.Equal(t, 2, c.Len())

		a, _ := c.Lookup("tickets.search")
		b, _ := c.Lookup("kb.search")
		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, a.Name, b.Name)
	})

	t.Run("failing service aborts discovery", func(t *testing.T) {
		tickets := &fakeSource{name: "tickets", tools: []mcp.ToolInfo{tool("search")}}
		kb := &fakeSource{name: "kb", err: errors.New("connection refused")}
		later := &fakeSource{name: "later", tools: []mcp.ToolInfo{tool("x")}}

		c, err := Discover(context.Background(), []Source{tickets, kb, later})
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Equal(t, fault.KindConnection, fault.KindOf(err))
		assert.Contains(t, err.Error(), "kb")
		assert.Equal(t, 0, later.calls)
	})

	t.Run("connection faults are not wrapped twice", func(t *testing.T) {
		cause := fault.Connection("kb", "connect", errors.New("connection refused"))
		kb := &fakeSource{name: "kb", err: cause}

		_, err := Discover(context.Background(), []Source{kb})
		require.Error(t, err)
		assert.Equal(t, "connection error: kb connect: connection refused", err.Error())
		assert.Equal(t, 1, strings.Count(err.Error(), "connection error"))
	})

	t.Run("other failures are tagged with the service", func(t *testing.T) {
		kb := &fakeSource{name: "kb", err: fault.Protocol("kb", "tools/list", errors.New("bad cursor"))}

		_, err := Discover(context.Background(), []Source{kb})
		require.Error(t, err)
		assert.Equal(t, fault.KindConnection, fault.KindOf(err))
		assert.True(t, errors.Is(err, fault.ErrProtocol))
		assert.True(t, strings.HasPrefix(err.Error(), "connection error: kb discover: "))
	})

	t.Run("missing schema gets the empty object schema", func(t *testing.T) {
		src := &fakeSource{name: "kb", tools: []mcp.ToolInfo{{Name: "bare"}}}

		c, err := Discover(context.Background(), []Source{src})
		require.NoError(t, err)

		d, _ := c.Lookup("kb.bare")
		assert.JSONEq(t, `{"type":"object","properties":{}}`, string(d.InputSchema))
	})

	t.Run("duplicate tool within a service is rejected", func(t *testing.T) {
		src := &fakeSource{name: "kb", tools: []mcp.ToolInfo{tool("query"), tool("query")}}

		_, err := Discover(context.Background(), []Source{src})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCapabilityCollision))
	})
}

func TestSplitID(t *testing.T) {
	tests := []struct {
		id      string
		service string
		name    string
		ok      bool
	}{
		{"kb.query", "kb", "query", true},
		{"tickets.search.v2", "tickets", "search.v2", true},
		{"noseparator", "", "", false},
		{".query", "", "", false},
		{"kb.", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			service, name, ok := SplitID(tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestDescriptorsIsACopy(t *testing.T) {
	c, err := New([]Descriptor{{ID: "kb.query", Service: "kb", Name: "query"}})
	require.NoError(t, err)

	ds := c.Descriptors()
	ds[0].ID = "changed"

	_, ok := c.Lookup("kb.query")
	assert.True(t, ok)
	assert.Equal(t, []string{"kb.query"}, c.IDs())
}
