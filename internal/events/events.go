// ABOUTME: Outcome events emitted after each routed request.
// ABOUTME: Publishers are fire-and-notify; failures never change a request's result.

package events

import (
	"context"
	"time"

	"github.com/2389/coven-router/internal/trace"
)

// DefaultSubject is the subject prefix outcome events are published under.
// The tenant id is appended as the last token.
const DefaultSubject = "coven.router.outcome"

// OutcomeEvent summarizes one routed request.
type OutcomeEvent struct {
	RunID              string        `json:"run_id"`
	TenantID           string        `json:"tenant_id"`
	SelectedCapability string        `json:"selected_capability,omitempty"`
	OK                 bool          `json:"ok"`
	ErrorKind          string        `json:"error_kind,omitempty"`
	Error              string        `json:"error,omitempty"`
	Trace              []trace.Entry `json:"trace"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Publisher publishes outcome events.
type Publisher interface {
	PublishOutcome(ctx context.Context, event *OutcomeEvent) error
}

// NoOpPublisher is a Publisher that does nothing (when no broker is configured).
type NoOpPublisher struct{}

// PublishOutcome is a no-op.
func (NoOpPublisher) PublishOutcome(_ context.Context, _ *OutcomeEvent) error {
	return nil
}

// CallbackPublisher is a Publisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *OutcomeEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *OutcomeEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishOutcome calls the callback.
func (p *CallbackPublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	return p.callback(ctx, event)
}
