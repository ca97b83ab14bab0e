package generation

import (
	"context"
	"fmt"
	"strings"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ModelConfig selects and configures a provider.
type ModelConfig struct {
	Provider string
	Name     string
	APIKey   string
	BaseURL  string
	// Temperature is left to the provider default when nil.
	Temperature *float32
}

// NewModel builds the Model for the configured provider.
func NewModel(ctx context.Context, cfg ModelConfig) (Model, error) { //nolint:ireturn
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGemini:
		m, err := NewGeminiModel(ctx, cfg.APIKey, cfg.Name, cfg.Temperature)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ProviderOpenAI:
		var t float32
		if cfg.Temperature != nil {
			t = *cfg.Temperature
		}
		m, err := NewOpenAIModel(cfg.APIKey, cfg.BaseURL, cfg.Name, t)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
