// ABOUTME: Tagged result of a routed request: the outcome and, on failure, the stage it stopped at.
// ABOUTME: RunError carries the partial outcome so callers holding only the error still see the trace.

package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/2389/coven-router/internal/trace"
)

// Stage names a step of the routing pipeline.
type Stage string

const (
	StagePolicy    Stage = "policy"
	StageDiscovery Stage = "discovery"
	StageFilter    Stage = "filter"
	StageDecision  Stage = "decision"
	StageAuthorize Stage = "authorize"
	StageValidate  Stage = "validate"
	StageInvoke    Stage = "invoke"
)

// Request is one free-text request on behalf of a tenant.
type Request struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"prompt"`
}

// Outcome describes what was decided and what happened.
type Outcome struct {
	RunID              string          `json:"run_id"`
	TenantID           string          `json:"tenant_id"`
	SelectedCapability string          `json:"selected_capability,omitempty"`
	Trace              *trace.Trace    `json:"trace"`
	Result             json.RawMessage `json:"result,omitempty"`
}

// RunError is returned for every failed run.
type RunError struct {
	Stage   Stage
	Outcome *Outcome
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
