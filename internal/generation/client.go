package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stepforge/internal/normalize"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffUnit = time.Second
)

// Options configures retry behaviour.
type Options struct {
	MaxAttempts int
	BackoffUnit time.Duration
}

// Request is a single step's generation call.
type Request struct {
	ProjectID    string
	StepID       string
	Sequence     int
	Instructions string
}

// Response carries the text accepted by the client. Viable is false when no
// attempt passed the quick structural check and Text is the last non-empty
// answer, left for the caller to recover or save raw.
type Response struct {
	Text     string
	Viable   bool
	Attempts int
}

// Client issues step prompts to a Model with bounded retry and linear back-off.
type Client struct {
	model       Model
	maxAttempts int
	backoffUnit time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewClient(model Model, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = DefaultBackoffUnit
	}
	return &Client{
		model:       model,
		maxAttempts: opts.MaxAttempts,
		backoffUnit: opts.BackoffUnit,
		sleep:       sleepContext,
	}
}

// UseSleep overrides the back-off wait (used in tests).
func (c *Client) UseSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn == nil {
		fn = sleepContext
	}
	c.sleep = fn
}

// Backoff returns the wait before the attempt following the given one:
// 1.2 x attempt units.
func (c *Client) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * c.backoffUnit * 6 / 5
}

// Generate runs up to MaxAttempts model calls and returns the first viable
// response. A blocked prompt stops retrying at once. When nothing came back at
// all the error wraps ErrEmptyOutput.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Instructions) == "" {
		return Response{}, ErrEmptyInstructions
	}
	prompt := BuildPrompt(req.Instructions)
	logger := log.With().
		Str("project_id", req.ProjectID).
		Str("step_id", req.StepID).
		Int("sequence", req.Sequence).
		Logger()
	logger.Debug().Int("prompt_chars", len(prompt)).Msg("dispatching step prompt")

	var (
		lastText string
		lastErr  error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		text, err := c.model.Generate(ctx, prompt)
		elapsed := time.Since(start).Milliseconds()

		switch {
		case errors.Is(err, ErrBlocked):
			logger.Warn().Int("attempt", attempt).Err(err).Msg("model blocked step prompt")
			return Response{Attempts: attempt}, fmt.Errorf("attempt %d: %w", attempt, err)
		case ctx.Err() != nil:
			return Response{Attempts: attempt}, fmt.Errorf("generate: %w", ctx.Err())
		case err != nil:
			lastErr = err
			logger.Warn().Int("attempt", attempt).Int64("duration_ms", elapsed).Err(err).Msg("model call failed")
		case strings.TrimSpace(text) == "":
			logger.Warn().Int("attempt", attempt).Int64("duration_ms", elapsed).Msg("model returned empty text")
		default:
			lastText = text
			if normalize.Viable(text) {
				logger.Info().Int("attempt", attempt).Int64("duration_ms", elapsed).Int("chars", len(text)).Msg("accepted model response")
				return Response{Text: text, Viable: true, Attempts: attempt}, nil
			}
			logger.Warn().Int("attempt", attempt).Int64("duration_ms", elapsed).Int("chars", len(text)).Msg("model response not viable")
		}

		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, c.Backoff(attempt)); err != nil {
				return Response{Attempts: attempt}, fmt.Errorf("generate: %w", err)
			}
		}
	}

	if lastText != "" {
		return Response{Text: lastText, Attempts: c.maxAttempts}, nil
	}
	if lastErr != nil {
		return Response{Attempts: c.maxAttempts}, fmt.Errorf("%w: %w", ErrEmptyOutput, lastErr)
	}
	return Response{Attempts: c.maxAttempts}, ErrEmptyOutput
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
