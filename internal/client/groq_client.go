package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/docchat/api/internal/config"
)

// GroqCompleter talks to Groq's OpenAI-compatible chat completions API.
type GroqCompleter struct {
	client openai.Client
	apiKey string
	model  string
}

func NewGroqCompleter(cfg *config.GroqConfig) *GroqCompleter {
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(60*time.Second),
		// retries belong to the job's retry policy
		option.WithMaxRetries(0),
	)
	return &GroqCompleter{client: client, apiKey: cfg.APIKey, model: cfg.Model}
}

func (c *GroqCompleter) Name() string { return "groq" }

// IsConfigured returns true if the client has valid configuration
func (c *GroqCompleter) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *GroqCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(0.3),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: c.Name(), StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("groq request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.Name(), StatusCode: 502, Message: "no choices in response"}
	}

	return &Completion{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		Provider:         c.Name(),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
