// ABOUTME: Anthropic-backed delegate that forces a single route_decision tool call.
// ABOUTME: The tool input schema enumerates candidate ids and carries args as an object.

package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/fault"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// DefaultAnthropicMaxTokens caps the decision response.
const DefaultAnthropicMaxTokens = 1024

const routeToolName = "route_decision"

// MessagesClient captures the subset of the Anthropic SDK used by the
// delegate. It is satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicConfig configures the Anthropic delegate.
type AnthropicConfig struct {
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// Anthropic chooses capabilities with forced tool use.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic builds a delegate over an existing Messages client.
func NewAnthropic(msg MessagesClient, cfg AnthropicConfig) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultAnthropicMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		msg:       msg,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}, nil
}

// NewAnthropicFromAPIKey constructs the delegate with the default Anthropic HTTP client.
func NewAnthropicFromAPIKey(apiKey string, cfg AnthropicConfig) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages, cfg)
}

func routeTool(ids []string) sdk.ToolUnionParam {
	tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
		Properties: map[string]any{
			"capability_id": map[string]any{
				"type":        "string",
				"enum":        ids,
				"description": "Must be one of the provided capability ids.",
			},
			"args": map[string]any{
				"type":        "object",
				"description": "Arguments matching the chosen tool's input_schema.",
			},
		},
		Required: []string{"capability_id", "args"},
	}, routeToolName)
	tool.OfTool.Description = sdk.String("Record the single capability to invoke and its arguments.")
	return tool
}

// ChooseCapability asks the model for one decision.
func (a *Anthropic) ChooseCapability(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, fault.Decision(ErrNoCandidates)
	}
	prompt, err := UserPrompt(text, candidates)
	if err != nil {
		return Decision{}, fault.Decision(err)
	}

	params := sdk.MessageNewParams{
		Model:      sdk.Model(a.model),
		MaxTokens:  a.maxTokens,
		System:     []sdk.TextBlockParam{{Text: SystemPrompt}},
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Tools:      []sdk.ToolUnionParam{routeTool(CandidateIDs(candidates))},
		ToolChoice: sdk.ToolChoiceParamOfTool(routeToolName),
	}

	a.logger.Debug("→ requesting route decision", "provider", "anthropic", "model", a.model, "candidates", len(candidates))
	resp, err := a.msg.New(ctx, params)
	if err != nil {
		return Decision{}, fault.Decision(fmt.Errorf("anthropic messages: %w", err))
	}

	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != routeToolName {
			continue
		}
		decision, err := ParseDecision(block.Input)
		if err != nil {
			return Decision{}, err
		}
		a.logger.Debug("← route decision", "provider", "anthropic", "capability_id", decision.CapabilityID)
		return decision, nil
	}
	return Decision{}, fault.Decision(errors.New("anthropic response contained no route_decision tool call"))
}
