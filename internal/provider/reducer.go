package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/maauso/studypod-api/internal/governance"
)

const defaultReduceModel = "gpt-4o-mini"

// reductionSchema is the only shape accepted from the model.
const reductionSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const reduceSystemPrompt = `You condense study material into a script that will be read aloud as a podcast.
Keep the key ideas, definitions and examples. Remove tables, citations, URLs and markup.
Write plain flowing prose in the same language as the input.
Respond with a JSON object of the form {"text": "<script>"} and nothing else.`

// ErrInvalidReduction is returned when the model output is not a valid reduction.
var ErrInvalidReduction = errors.New("invalid reduction output")

// Compile-time check that OpenAIReducer implements governance.Reducer.
var _ governance.Reducer = (*OpenAIReducer)(nil)

// ReducerConfig holds configuration for the OpenAI reducer.
type ReducerConfig struct {
	ClientConfig
	Model       string
	Temperature float64
}

// OpenAIReducer shortens text with an OpenAI chat model.
type OpenAIReducer struct {
	client      openai.Client
	model       string
	temperature float64
	schema      *jsonschema.Schema
}

// NewOpenAIReducer creates a new reducer client.
func NewOpenAIReducer(cfg ReducerConfig) (*OpenAIReducer, error) {
	client, err := newClient(cfg.ClientConfig)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema(reductionSchema)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultReduceModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	return &OpenAIReducer{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		schema:      schema,
	}, nil
}

// Reduce asks the model to rewrite text in about targetWords words.
func (r *OpenAIReducer) Reduce(ctx context.Context, text, title string, targetWords int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(reduceSystemPrompt),
			openai.UserMessage(reducePrompt(text, title, targetWords)),
		},
		Temperature: openai.Float(r.temperature),
	})
	if err != nil {
		return "", mapOpenAIError("reduce", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrInvalidReduction)
	}

	return r.parse(resp.Choices[0].Message.Content)
}

func (r *OpenAIReducer) parse(content string) (string, error) {
	raw, err := parseStructuredJSON(content)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReduction, err)
	}
	if err := validateStructuredJSON(r.schema, raw); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReduction, err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReduction, err)
	}
	return strings.TrimSpace(out.Text), nil
}

func reducePrompt(text, title string, targetWords int) string {
	var b strings.Builder
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, "Title: %s\n", t)
	}
	fmt.Fprintf(&b, "Target length: about %d words.\n\n", targetWords)
	b.WriteString(text)
	return b.String()
}
