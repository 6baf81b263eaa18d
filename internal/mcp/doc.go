// Package mcp implements the client side of the Model Context Protocol over
// Server-Sent Events.
//
// # Transport
//
// A Session holds one duplex channel to a single MCP service. Inbound traffic
// arrives on a long-lived GET stream (default path /sse); outbound JSON-RPC
// messages are POSTed to the endpoint the server announces as the first event
// on that stream:
//
//	event: endpoint
//	data: /messages/?session_id=7f3c...
//
// Responses to POSTed requests come back asynchronously on the stream as
// "message" events.
//
// # Correlation
//
// Every request carries a fresh id. A single background reader decodes stream
// events and resolves the matching entry in the pending table, so several
// requests may be in flight on one session and may complete in any order.
// Responses with unknown ids are logged and dropped. Messages that carry a
// method (server-initiated requests and notifications) are ignored.
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Initializing -> Ready -> Closed
//
// Establish opens the stream, waits for the endpoint announcement, performs
// the initialize handshake and sends notifications/initialized. ListTools and
// CallTool establish on demand. Close cancels the reader, waits for it to exit
// and releases every pending waiter. Sessions are not reused after Close.
//
// # Usage
//
//	sess := mcp.NewSession(mcp.Config{Name: "kb", BaseURL: "http://localhost:8001"})
//	defer sess.Close()
//
//	tools, err := sess.ListTools(ctx)
//	...
//	result, err := sess.CallTool(ctx, "query", map[string]any{"query": "overheating"})
//
// Every failure is a *fault.Error: connection faults for unreachable services
// and timeouts, protocol faults wrapping *RPCError for error envelopes.
package mcp
