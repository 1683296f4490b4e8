package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

type fakeChatAPI struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestOpenAIChat_Request(t *testing.T) {
	api := &fakeChatAPI{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "42"}},
	}}}
	chat := NewOpenAIChat(api, "", 0)

	out, err := chat.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	assert.Equal(t, openai.GPT3Dot5Turbo, api.req.Model)
	assert.Equal(t, DefaultMaxTokens, api.req.MaxTokens)
	assert.Positive(t, api.req.Temperature)
	assert.Less(t, api.req.Temperature, float32(1e-30))
	require.Len(t, api.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, api.req.Messages[0].Role)
	assert.Equal(t, "sys", api.req.Messages[0].Content)
	assert.Equal(t, "usr", api.req.Messages[1].Content)
}

func TestOpenAIChat_Errors(t *testing.T) {
	chat := NewOpenAIChat(&fakeChatAPI{err: errors.New("503")}, "gpt-4o-mini", 100)
	_, err := chat.Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)

	out, err := NewOpenAIChat(&fakeChatAPI{}, "", 0).Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Empty(t, out)
}
