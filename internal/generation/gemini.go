package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiModel calls the Gemini API through the genai SDK.
type GeminiModel struct {
	client      *genai.Client
	name        string
	temperature *float32
}

var _ Model = (*GeminiModel)(nil)

func NewGeminiModel(ctx context.Context, apiKey, name string, temperature *float32) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if name == "" {
		name = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiModel{client: client, name: name, temperature: temperature}, nil
}

func (g *GeminiModel) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: g.temperature}
	resp, err := g.client.Models.GenerateContent(ctx, g.name, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return geminiText(resp)
}

// geminiText flattens the first candidate's text parts, skipping thoughts, and
// maps prompt or safety blocks onto ErrBlocked.
func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", nil
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return "", fmt.Errorf("%w: prompt %s", ErrBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return "", fmt.Errorf("%w: finish reason %s", ErrBlocked, cand.FinishReason)
	}
	if cand.Content == nil {
		return "", nil
	}
	var parts []string
	for _, p := range cand.Content.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, ""), nil
}
