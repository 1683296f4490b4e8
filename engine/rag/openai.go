package rag

import (
	"context"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

// DefaultChatModel is the completion model used when none is configured.
const DefaultChatModel = openai.GPT3Dot5Turbo

// DefaultMaxTokens bounds the length of an answer.
const DefaultMaxTokens = 512

// ChatAPI is the subset of *openai.Client used by OpenAIChat.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIChat is a ChatModel over the OpenAI chat completions API.
type OpenAIChat struct {
	api       ChatAPI
	model     string
	maxTokens int
}

var _ ChatModel = (*OpenAIChat)(nil)

// NewOpenAIChat creates an OpenAIChat.
func NewOpenAIChat(api ChatAPI, model string, maxTokens int) *OpenAIChat {
	if model == "" {
		model = DefaultChatModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &OpenAIChat{api: api, model: model, maxTokens: maxTokens}
}

// Complete sends a deterministic completion request. An empty choice list
// yields an empty string.
func (c *OpenAIChat) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		// A zero temperature is dropped from the request body by omitempty.
		Temperature: math.SmallestNonzeroFloat32,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("rag: chat completion: %w: %w", domain.ErrModelUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
