// ABOUTME: MCP client session over SSE: stream reader, handshake, tools/list and tools/call.
// ABOUTME: Responses are correlated by request id; every failure is a classified fault.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-router/internal/fault"
)

// Default timeouts for each exchange.
const (
	DefaultEndpointTimeout  = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultListTimeout      = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
)

// DefaultStreamPath is the path of the inbound event stream.
const DefaultStreamPath = "/sse"

// maxPages bounds tools/list pagination against servers that never stop
// returning a cursor.
const maxPages = 100

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrStreamClosed indicates the server ended the event stream.
	ErrStreamClosed = errors.New("event stream closed")

	// ErrNoEndpoint indicates the stream opened with something other than
	// an endpoint announcement.
	ErrNoEndpoint = errors.New("expected endpoint event")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config contains configuration options for a Session.
type Config struct {
	// Name identifies the service in ids, logs and errors.
	Name    string
	BaseURL string
	// StreamPath defaults to DefaultStreamPath.
	StreamPath string

	HTTPClient *http.Client
	Logger     *slog.Logger

	ClientName      string
	ClientVersion   string
	ProtocolVersion string

	EndpointTimeout  time.Duration
	HandshakeTimeout time.Duration
	ListTimeout      time.Duration
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamPath == "" {
		c.StreamPath = DefaultStreamPath
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ClientName == "" {
		c.ClientName = "coven-router"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.1.0"
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.EndpointTimeout <= 0 {
		c.EndpointTimeout = DefaultEndpointTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Session is a client connection to one MCP service. It is created fresh for
// each routed request and must be closed by its owner.
type Session struct {
	cfg    Config
	logger *slog.Logger

	// connectMu serializes Establish.
	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	endpoint  string
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	streamErr error

	pending *pendingTable
}

// NewSession creates a disconnected session. No I/O happens until Establish.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("service", cfg.Name),
		state:   StateDisconnected,
		pending: newPendingTable(),
	}
}

// Name returns the service name the session was configured with.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the announced request endpoint, once known.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SessionID returns the session token taken from the announced endpoint.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Establish opens the event stream and completes the initialize handshake.
// It is a no-op on a Ready session. The stream stays open until Close or
// until ctx is done.
func (s *Session) Establish(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateClosed:
		s.mu.Unlock()
		return fault.Connection(s.cfg.Name, "connect", ErrSessionClosed)
	}

	streamURL, err := s.streamURL()
	if err != nil {
		s.mu.Unlock()
		s.teardown()
		return fault.Connection(s.cfg.Name, "connect", err)
	}

	readerCtx, cancel := context.WithCancel(ctx)
	endpointCh := make(chan string, 1)
	done := make(chan struct{})
	s.state = StateConnecting
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Debug("→ opening event stream", "url", streamURL)
	go s.readLoop(readerCtx, streamURL, endpointCh, done)

	announced, err := s.awaitEndpoint(ctx, endpointCh, done)
	if err != nil {
		s.teardown()
		return fault.Connection(s.cfg.Name, "connect", err)
	}

	endpoint, sessionID, err := s.resolveEndpoint(announced)
	if err != nil {
		s.teardown()
		return fault.Connection(s.cfg.Name, "connect", err)
	}

	if !s.transition(StateInitializing, func() {
		s.endpoint = endpoint
		s.sessionID = sessionID
	}) {
		return fault.Connection(s.cfg.Name, "connect", ErrSessionClosed)
	}
	s.logger.Debug("← endpoint announced", "endpoint", endpoint, "session_id", sessionID)

	params := initializeParams{
		ProtocolVersion: s.cfg.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: s.cfg.ClientName, Version: s.cfg.ClientVersion},
	}
	var result initializeResult
	if err := s.call(ctx, "initialize", s.cfg.HandshakeTimeout, params, &result); err != nil {
		s.teardown()
		return err
	}

	if err := s.notify(ctx, "notifications/initialized"); err != nil {
		s.teardown()
		return fault.Connection(s.cfg.Name, "notifications/initialized", err)
	}

	if !s.transition(StateReady, nil) {
		return fault.Connection(s.cfg.Name, "connect", ErrSessionClosed)
	}
	s.logger.Info("session ready",
		"session_id", sessionID,
		"server", result.ServerInfo.Name,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// transition moves to next unless the session was closed concurrently.
func (s *Session) transition(next State, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if apply != nil {
		apply()
	}
	s.state = next
	return true
}

func (s *Session) streamURL() (string, error) {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("base URL %q is not absolute", s.cfg.BaseURL)
	}
	ref, err := url.Parse(s.cfg.StreamPath)
	if err != nil {
		return "", fmt.Errorf("parsing stream path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// awaitEndpoint waits for the first event on the stream within the endpoint
// budget.
func (s *Session) awaitEndpoint(ctx context.Context, endpointCh <-chan string, done <-chan struct{}) (string, error) {
	timer := time.NewTimer(s.cfg.EndpointTimeout)
	defer timer.Stop()

	select {
	case ep := <-endpointCh:
		return ep, nil
	case <-done:
		select {
		case ep := <-endpointCh:
			return ep, nil
		default:
		}
		s.mu.Lock()
		err := s.streamErr
		s.mu.Unlock()
		if err == nil {
			err = ErrStreamClosed
		}
		if errors.Is(err, ErrNoEndpoint) {
			return "", err
		}
		return "", fmt.Errorf("stream ended before endpoint announcement: %w", err)
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for endpoint announcement after %s", s.cfg.EndpointTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolveEndpoint resolves the announced path against the base URL and picks
// the session token from its query string.
func (s *Session) resolveEndpoint(announced string) (string, string, error) {
	if announced == "" {
		return "", "", errors.New("empty endpoint announcement")
	}
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing base URL: %w", err)
	}
	ref, err := url.Parse(announced)
	if err != nil {
		return "", "", fmt.Errorf("parsing announced endpoint %q: %w", announced, err)
	}
	resolved := base.ResolveReference(ref)
	return resolved.String(), sessionToken(resolved.Query()), nil
}

func sessionToken(q url.Values) string {
	for _, key := range []string{"session_id", "sessionId"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// readLoop owns the GET stream. The first event must be the endpoint
// announcement; every later message event goes to the pending table.
func (s *Session) readLoop(ctx context.Context, streamURL string, endpointCh chan<- string, done chan<- struct{}) {
	err := s.readStream(ctx, streamURL, endpointCh)
	if ctx.Err() != nil {
		s.logger.Debug("event stream cancelled")
	} else {
		s.logger.Warn("event stream ended", "error", err)
	}

	if err == nil || ctx.Err() != nil {
		err = ErrStreamClosed
	}
	s.mu.Lock()
	s.streamErr = err
	s.mu.Unlock()
	s.pending.close(err)
	close(done)
}

func (s *Session) readStream(ctx context.Context, streamURL string, endpointCh chan<- string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	injectTraceHeaders(ctx, req.Header)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening stream: unexpected status %s", resp.Status)
	}

	reader := bufio.NewReader(resp.Body)
	announced := false
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return fmt.Errorf("reading stream: %w", err)
		}

		if !announced {
			if event != "" && event != "endpoint" {
				return fmt.Errorf("%w, got %q event", ErrNoEndpoint, event)
			}
			announced = true
			endpointCh <- string(bytes.TrimSpace(data))
			continue
		}

		if event != "" && event != "message" {
			s.logger.Debug("ignoring stream event", "event", event)
			continue
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping undecodable message", "error", err)
		return
	}
	if msg.Method != "" {
		s.logger.Debug("ignoring server-initiated message", "method", msg.Method)
		return
	}

	id := idKey(msg.ID)
	if id == "" {
		s.logger.Warn("dropping response without id")
		return
	}
	if !s.pending.resolve(id, &msg) {
		s.logger.Warn("received response for unknown request",
			"request_id", id,
		)
	}
}

// ensureReady establishes the session on first use.
func (s *Session) ensureReady(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}
	return s.Establish(ctx)
}

// ListTools returns every tool the service advertises, following pagination.
// Missing descriptions and schemas are filled with defaults.
func (s *Session) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	var tools []ToolInfo
	cursor := ""
	seen := map[string]bool{}
	for page := 0; page < maxPages; page++ {
		var result listToolsResult
		if err := s.call(ctx, "tools/list", s.cfg.ListTimeout, listToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		for _, t := range result.Tools {
			if len(bytes.TrimSpace(t.InputSchema)) == 0 || string(t.InputSchema) == "null" {
				t.InputSchema = append(json.RawMessage(nil), EmptyObjectSchema...)
			}
			tools = append(tools, t)
		}
		if result.NextCursor == "" || seen[result.NextCursor] {
			break
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}

	s.logger.Debug("← tools listed", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by its raw (un-namespaced) name and returns the
// result payload verbatim.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	s.logger.Info("→ calling tool", "tool_name", name)
	var result json.RawMessage
	if err := s.call(ctx, "tools/call", s.cfg.CallTimeout, callToolParams{Name: name, Arguments: args}, &result); err != nil {
		s.logger.Warn("tool call failed", "tool_name", name, "error", err)
		return nil, err
	}
	s.logger.Info("← tool responded", "tool_name", name)
	return result, nil
}

// call sends one request and waits for its correlated response within
// timeout. A nil out discards the result.
func (s *Session) call(ctx context.Context, method string, timeout time.Duration, params, out any) error {
	id := uuid.New().String()
	replyCh, err := s.pending.add(id)
	if err != nil {
		return fault.Connection(s.cfg.Name, method, err)
	}
	defer s.pending.remove(id)

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.post(opCtx, request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fault.Connection(s.cfg.Name, method, s.timeoutOr(ctx, opCtx, method, timeout, err))
	}

	select {
	case r := <-replyCh:
		if r.err != nil {
			return fault.Connection(s.cfg.Name, method, r.err)
		}
		if r.msg.Error != nil {
			return fault.Protocol(s.cfg.Name, method, r.msg.Error)
		}
		if out == nil {
			return nil
		}
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = append(json.RawMessage(nil), r.msg.Result...)
			return nil
		}
		if err := json.Unmarshal(r.msg.Result, out); err != nil {
			return fault.Protocol(s.cfg.Name, method, fmt.Errorf("decoding result: %w", err))
		}
		return nil
	case <-opCtx.Done():
		return fault.Connection(s.cfg.Name, method, s.timeoutOr(ctx, opCtx, method, timeout, opCtx.Err()))
	}
}

// timeoutOr reports an exceeded per-exchange budget distinctly from a
// cancelled caller context.
func (s *Session) timeoutOr(parent, op context.Context, method string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(op.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out waiting for %s response after %s", method, timeout)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return err
}

func (s *Session) notify(ctx context.Context, method string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	return s.post(opCtx, request{JSONRPC: "2.0", Method: method})
}

func (s *Session) post(ctx context.Context, msg request) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}

	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == "" {
		return errors.New("request endpoint not announced")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	injectTraceHeaders(ctx, req.Header)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", msg.Method, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting %s: unexpected status %s", msg.Method, resp.Status)
	}
	return nil
}

// Close cancels the stream reader, waits for it to exit and fails any pending
// exchanges. Closing twice, or closing a session that never connected, is a
// no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.teardown()
	s.logger.Debug("session closed")
	return nil
}

// teardown moves to Closed and joins the reader. Safe to call more than once.
func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosed
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.pending.close(ErrSessionClosed)
}
