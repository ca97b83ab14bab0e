package generation

import (
	"context"
	"errors"
)

var (
	// ErrBlocked is returned by a Model when the provider refused the prompt
	// on safety or content-policy grounds.
	ErrBlocked = errors.New("model blocked the request")
	// ErrEmptyOutput is the definitive failure after every attempt came back
	// empty, errored or blocked.
	ErrEmptyOutput = errors.New("empty output after retries")
	// ErrEmptyInstructions guards against dispatching a step with nothing to do.
	ErrEmptyInstructions = errors.New("empty instructions")
)

// Model is a text-generation endpoint: prompt in, free text out.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

