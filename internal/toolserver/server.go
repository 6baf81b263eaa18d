// ABOUTME: Builds and serves the demo MCP services over SSE.
// ABOUTME: Each service runs its own SSE listener and shuts down with its context.

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported in the initialize handshake.
var Version = "0.1.0"

// Service names and their demo listen addresses.
const (
	TicketsName = "tickets"
	KBName      = "kb"

	DefaultTicketsAddr = "127.0.0.1:8000"
	DefaultKBAddr      = "127.0.0.1:8001"
)

// NewTickets creates the tickets MCP server backed by desk.
func NewTickets(desk *TicketDesk) *server.MCPServer {
	s := server.NewMCPServer(TicketsName, Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	search := &SearchTickets{desk: desk}
	s.AddTool(search.Definition(), search.Handle)

	create := &CreateTicket{desk: desk}
	s.AddTool(create.Definition(), create.Handle)

	return s
}

// NewKB creates the kb MCP server backed by kb.
func NewKB(kb *KnowledgeBase) *server.MCPServer {
	s := server.NewMCPServer(KBName, Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	query := &QueryKB{kb: kb}
	s.AddTool(query.Definition(), query.Handle)

	return s
}

// New builds a demo service by name.
func New(name string) (*server.MCPServer, error) {
	switch name {
	case TicketsName:
		return NewTickets(NewTicketDesk(nil)), nil
	case KBName:
		return NewKB(NewKnowledgeBase(DefaultDocs)), nil
	default:
		return nil, fmt.Errorf("unknown demo service %q", name)
	}
}

// Serve runs s over SSE on addr until ctx is cancelled.
func Serve(ctx context.Context, name, addr string, s *server.MCPServer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sse := server.NewSSEServer(s, server.WithBaseURL("http://"+addr))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("demo MCP service listening", "service", name, "addr", addr)
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", name, err)
	}
	logger.Info("demo MCP service stopped", "service", name)
	return nil
}

// structured returns v as structured content with a JSON text fallback.
func structured(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultStructured(v, string(data)), nil
}
