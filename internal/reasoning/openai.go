package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are an SRE assistant for a multi-agent platform. Answer concisely and follow the requested output format exactly."

// OpenAIClient calls an OpenAI-compatible chat completion endpoint. Pointing
// BaseURL at a LiteLLM proxy works the same way.
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL keeps the OpenAI default.
func NewOpenAIClient(apiKey, baseURL, model string, log *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log,
	}
}

// GenerateText implements Capability.
func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	c.log.Debug("reasoning response received", "model", c.model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
