package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI generates session titles through the OpenAI chat completion API, or any service that speaks it,
// such as OpenRouter, when a base URL is given.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system prompt.
// An empty baseURL targets the OpenAI API itself.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.systemPrompt,
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: message,
			},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	o.logger.Debug("Title generated",
		slog.String("model", resp.Model),
		slog.Int("totalTokens", resp.Usage.TotalTokens))

	return cleanTitle(resp.Choices[0].Message.Content), nil
}
