// ABOUTME: OpenAI-backed delegate using chat completions with a strict JSON schema.
// ABOUTME: The schema enumerates candidate ids; args travel as an encoded JSON string.

package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/fault"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// ChatCompleter captures the subset of the OpenAI SDK used by the delegate.
// It is satisfied by *openai.ChatCompletionService.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIConfig configures the OpenAI delegate.
type OpenAIConfig struct {
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// OpenAI chooses capabilities with OpenAI structured outputs.
type OpenAI struct {
	chat      ChatCompleter
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAI builds a delegate over an existing completions client.
func NewOpenAI(chat ChatCompleter, cfg OpenAIConfig) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		chat:      chat,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}, nil
}

// NewOpenAIFromAPIKey constructs the delegate with the default OpenAI HTTP
// client. Extra options such as option.WithBaseURL target compatible servers.
func NewOpenAIFromAPIKey(apiKey string, cfg OpenAIConfig, opts ...option.RequestOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return NewOpenAI(&client.Chat.Completions, cfg)
}

// decisionSchema is the strict structured-output schema. Strict mode forbids
// free-form objects, so args are returned as a JSON-encoded string.
func decisionSchema(ids []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"capability_id": map[string]any{
				"type":        "string",
				"enum":        ids,
				"description": "Must be one of the provided capability ids.",
			},
			"args_json": map[string]any{
				"type":        "string",
				"description": "JSON object encoding the arguments, matching the chosen tool's input_schema.",
			},
		},
		"required":             []string{"capability_id", "args_json"},
		"additionalProperties": false,
	}
}

// ChooseCapability asks the model for one decision.
func (o *OpenAI) ChooseCapability(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, fault.Decision(ErrNoCandidates)
	}
	prompt, err := UserPrompt(text, candidates)
	if err != nil {
		return Decision{}, fault.Decision(err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "route_decision",
					Description: openai.String("The single capability to invoke and its arguments."),
					Strict:      openai.Bool(true),
					Schema:      decisionSchema(CandidateIDs(candidates)),
				},
			},
		},
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.maxTokens)
	}

	o.logger.Debug("→ requesting route decision", "provider", "openai", "model", o.model, "candidates", len(candidates))
	resp, err := o.chat.New(ctx, params)
	if err != nil {
		return Decision{}, fault.Decision(fmt.Errorf("openai chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fault.Decision(errors.New("openai returned no choices"))
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return Decision{}, fault.Decision(fmt.Errorf("openai refused: %s", msg.Refusal))
	}
	decision, err := ParseDecision([]byte(msg.Content))
	if err != nil {
		return Decision{}, err
	}
	o.logger.Debug("← route decision", "provider", "openai", "capability_id", decision.CapabilityID)
	return decision, nil
}
