// ABOUTME: In-memory knowledge base exposed as the "kb" demo MCP service.
// ABOUTME: Ranks documents by naive keyword scoring.

package toolserver

import (
	"context"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Doc is one knowledge base article.
type Doc struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DefaultDocs are the demo articles served by the kb service.
var DefaultDocs = []Doc{
	{ID: "KB-1", Title: "CVX-12 Overheating - First Response", Body: "Check condenser airflow, verify setpoint, inspect coolant levels."},
	{ID: "KB-2", Title: "Vibration Diagnostics - QRT Series", Body: "Check mounting, bearing wear, and imbalance. Review FFT spectrum."},
	{ID: "KB-3", Title: "Sensor Calibration Procedure", Body: "Use reference probe, run calibration routine, confirm offsets."},
}

// KnowledgeBase is a read-only set of documents.
type KnowledgeBase struct {
	docs []Doc
}

// NewKnowledgeBase creates a knowledge base over docs.
func NewKnowledgeBase(docs []Doc) *KnowledgeBase {
	return &KnowledgeBase{docs: docs}
}

// Query returns up to k documents that share at least one query token,
// best match first.
func (kb *KnowledgeBase) Query(query string, k int) []Doc {
	tokens := strings.Fields(strings.ToLower(query))

	type scored struct {
		score int
		doc   Doc
	}
	ranked := make([]scored, 0, len(kb.docs))
	for _, d := range kb.docs {
		text := strings.ToLower(d.Title + " " + d.Body)
		score := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				score++
			}
		}
		ranked = append(ranked, scored{score: score, doc: d})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	hits := []Doc{}
	for i, r := range ranked {
		if i >= k {
			break
		}
		if r.score > 0 {
			hits = append(hits, r.doc)
		}
	}
	return hits
}

// QueryKB handles the kb "query" tool.
type QueryKB struct {
	kb *KnowledgeBase
}

// Definition returns the MCP tool definition.
func (t *QueryKB) Definition() mcp.Tool {
	return mcp.NewTool("query",
		mcp.WithDescription("Return the top-k knowledge base articles by keyword score."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		),
		mcp.WithNumber("k",
			mcp.Description("Number of results to return (default: 3)"),
			mcp.DefaultNumber(3),
		),
	)
}

// Handle processes the query tool call.
func (t *QueryKB) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	hits := t.kb.Query(query, req.GetInt("k", 3))
	return structured(map[string]any{"count": len(hits), "docs": hits})
}
