// ABOUTME: Decision delegate contract: choose one capability and its arguments for a request.
// ABOUTME: Holds the shared prompt, decision parsing and argument schema validation.

package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/fault"
)

// Decision is the delegate's choice of capability and arguments. It is not
// trusted; callers re-validate it against policy and schema.
type Decision struct {
	CapabilityID string         `json:"capability_id"`
	Args         map[string]any `json:"args"`
}

// Delegate chooses exactly one capability from the candidates for a request.
type Delegate interface {
	ChooseCapability(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error)
}

// Func adapts a function to the Delegate interface.
type Func func(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error)

// ChooseCapability calls f.
func (f Func) ChooseCapability(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error) {
	return f(ctx, text, candidates)
}

// ErrNoCandidates is returned when a delegate is asked to choose from nothing.
var ErrNoCandidates = errors.New("no candidate capabilities")

// SystemPrompt instructs the model how to route.
const SystemPrompt = `You are a routing controller. Choose exactly one tool to call.
Rules:
- capability_id MUST match one of the provided capability ids.
- args MUST satisfy the chosen tool's input_schema.
- If the request is informational, prefer knowledge base tools.
- If the request is operational on tickets, prefer tickets tools.`

type brief struct {
	CapabilityID string          `json:"capability_id"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
}

// UserPrompt renders the request and the candidate list for the model.
func UserPrompt(text string, candidates []catalog.Descriptor) (string, error) {
	briefs := make([]brief, 0, len(candidates))
	for _, c := range candidates {
		briefs = append(briefs, brief{CapabilityID: c.ID, Description: c.Description, InputSchema: c.InputSchema})
	}
	data, err := json.MarshalIndent(briefs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding candidates: %w", err)
	}
	return fmt.Sprintf("User request: %s\n\nAvailable tools:\n%s", text, data), nil
}

// CandidateIDs returns the ids of the candidates in order.
func CandidateIDs(candidates []catalog.Descriptor) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids
}

// ParseDecision decodes a model response into a Decision. The payload must be
// a JSON object with a non-empty string capability_id and an optional object
// args; anything else is a decision error.
func ParseDecision(data []byte) (Decision, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Decision{}, fault.Decision(errors.New("empty delegate response"))
	}

	var raw struct {
		CapabilityID *string         `json:"capability_id"`
		Args         json.RawMessage `json:"args"`
		ArgsJSON     *string         `json:"args_json"`
	}
	// Unmarshal rejects trailing text after the object.
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Decision{}, fault.Decision(fmt.Errorf("decoding delegate response: %w", err))
	}
	if raw.CapabilityID == nil || strings.TrimSpace(*raw.CapabilityID) == "" {
		return Decision{}, fault.Decision(errors.New("delegate response is missing capability_id"))
	}

	argsDoc := raw.Args
	if raw.ArgsJSON != nil {
		argsDoc = json.RawMessage(*raw.ArgsJSON)
	}
	args, err := parseArgs(argsDoc)
	if err != nil {
		return Decision{}, fault.Decision(err)
	}
	return Decision{CapabilityID: strings.TrimSpace(*raw.CapabilityID), Args: args}, nil
}

func parseArgs(doc json.RawMessage) (map[string]any, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || string(doc) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(doc, &args); err != nil {
		return nil, fmt.Errorf("delegate args are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ValidateArgs checks args against a capability's JSON Schema input schema.
// A failing check is a decision error.
func ValidateArgs(schemaDoc json.RawMessage, args map[string]any) error {
	if len(bytes.TrimSpace(schemaDoc)) == 0 {
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		return fault.Decision(fmt.Errorf("unmarshal schema: %w", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fault.Decision(fmt.Errorf("add schema resource: %w", err))
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fault.Decision(fmt.Errorf("compile schema: %w", err))
	}

	// Round-trip so the validator sees plain JSON values.
	payload, err := json.Marshal(args)
	if err != nil {
		return fault.Decision(fmt.Errorf("encoding args: %w", err))
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fault.Decision(fmt.Errorf("decoding args: %w", err))
	}
	if err := schema.Validate(value); err != nil {
		return fault.Decision(fmt.Errorf("args do not match input schema: %w", err))
	}
	return nil
}
