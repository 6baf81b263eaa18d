// ABOUTME: In-memory ticket desk exposed as the "tickets" demo MCP service.
// ABOUTME: Provides keyword search over a time window and ticket creation.

package toolserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Ticket is one support ticket.
type Ticket struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	Summary   string `json:"summary"`
	Priority  string `json:"priority,omitempty"`
}

const dateLayout = "2006-01-02"

// TicketDesk holds tickets in memory.
type TicketDesk struct {
	mu      sync.Mutex
	tickets []Ticket
	now     func() time.Time
}

// NewTicketDesk creates a desk seeded with demo tickets dated relative to now.
func NewTicketDesk(now func() time.Time) *TicketDesk {
	if now == nil {
		now = time.Now
	}
	today := now().UTC()
	daysAgo := func(n int) string { return today.AddDate(0, 0, -n).Format(dateLayout) }

	return &TicketDesk{
		now: now,
		tickets: []Ticket{
			{ID: "T-1001", Asset: "CVX-12", Status: "open", CreatedAt: daysAgo(3), Summary: "Overheating alarm"},
			{ID: "T-1002", Asset: "CVX-12", Status: "closed", CreatedAt: daysAgo(8), Summary: "Sensor calibration"},
			{ID: "T-1003", Asset: "QRT-9", Status: "open", CreatedAt: daysAgo(1), Summary: "Vibration anomaly"},
		},
	}
}

// Search returns tickets created within the last days whose id, asset,
// status or summary contains query (case-insensitive).
func (d *TicketDesk) Search(query string, days int) []Ticket {
	cutoff := d.now().UTC().AddDate(0, 0, -days).Format(dateLayout)
	q := strings.ToLower(query)

	d.mu.Lock()
	defer d.mu.Unlock()

	hits := []Ticket{}
	for _, t := range d.tickets {
		// ISO dates compare lexically.
		if t.CreatedAt < cutoff {
			continue
		}
		blob := strings.ToLower(strings.Join([]string{t.ID, t.Asset, t.Status, t.Summary}, " "))
		if strings.Contains(blob, q) {
			hits = append(hits, t)
		}
	}
	return hits
}

// Create opens a new ticket and returns it.
func (d *TicketDesk) Create(asset, summary, priority string) Ticket {
	if priority == "" {
		priority = "medium"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t := Ticket{
		ID:        fmt.Sprintf("T-%d", 1000+len(d.tickets)+1),
		Asset:     asset,
		Status:    "open",
		CreatedAt: d.now().UTC().Format(dateLayout),
		Summary:   summary,
		Priority:  priority,
	}
	d.tickets = append(d.tickets, t)
	return t
}

// SearchTickets handles the tickets "search" tool.
type SearchTickets struct {
	desk *TicketDesk
}

// Definition returns the MCP tool definition.
func (t *SearchTickets) Definition() mcp.Tool {
	return mcp.NewTool("search",
		mcp.WithDescription("Search tickets by keyword within a time window of recent days."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Keyword matched against ticket id, asset, status and summary"),
		),
		mcp.WithNumber("days",
			mcp.Description("Only tickets created in the last N days (default: 30)"),
			mcp.DefaultNumber(30),
		),
	)
}

// Handle processes the search tool call.
func (t *SearchTickets) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	days := req.GetInt("days", 30)

	hits := t.desk.Search(query, days)
	return structured(map[string]any{"count": len(hits), "tickets": hits})
}

// CreateTicket handles the tickets "create" tool.
type CreateTicket struct {
	desk *TicketDesk
}

// Definition returns the MCP tool definition.
func (t *CreateTicket) Definition() mcp.Tool {
	return mcp.NewTool("create",
		mcp.WithDescription("Create a new open ticket for an asset."),
		mcp.WithString("asset",
			mcp.Required(),
			mcp.Description("Asset identifier, e.g. CVX-12"),
		),
		mcp.WithString("summary",
			mcp.Required(),
			mcp.Description("Short problem summary"),
		),
		mcp.WithString("priority",
			mcp.Description("Ticket priority"),
			mcp.Enum("low", "medium", "high"),
			mcp.DefaultString("medium"),
		),
	)
}

// Handle processes the create tool call.
func (t *CreateTicket) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset, err := req.RequireString("asset")
	if err != nil {
		return mcp.NewToolResultError("'asset' is required"), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError("'summary' is required"), nil
	}

	ticket := t.desk.Create(asset, summary, req.GetString("priority", "medium"))
	return structured(map[string]any{"created": true, "ticket": ticket})
}
