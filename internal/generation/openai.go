package generation

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIModel calls an OpenAI-compatible chat completion endpoint.
type OpenAIModel struct {
	client      *openai.Client
	name        string
	temperature float32
}

var _ Model = (*OpenAIModel)(nil)

func NewOpenAIModel(apiKey, baseURL, name string, temperature float32) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if name == "" {
		name = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), name: name, temperature: temperature}, nil
}

func (o *OpenAIModel) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.name,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: content filter", ErrBlocked)
	}
	if choice.Message.Refusal != "" && choice.Message.Content == "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}
