// Package planner turns a raw user request into an ordered list of generation
// steps and classifies whether a request asks for code at all.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stepforge/internal/generation"
	"stepforge/internal/normalize"

	"github.com/rs/zerolog/log"
)

// ErrNotCodeRelated is returned to callers that refuse non-code requests.
var ErrNotCodeRelated = errors.New("request is not code related")

const (
	fallbackTitle        = "Error Handling"
	fallbackDeliverables = "None"
)

type PlannedStep struct {
	Sequence     int    `json:"step_number"`
	Title        string `json:"title"`
	Details      string `json:"details"`
	Deliverables string `json:"deliverables"`
}

// Plan is the planner's answer. Steps are numbered densely from 1.
// Degraded is set when the plan is the single explanatory fallback step.
type Plan struct {
	ImprovedRequest string        `json:"improved_request"`
	Steps           []PlannedStep `json:"steps"`
	Degraded        bool          `json:"degraded,omitempty"`
}

// Planner never fails: on its own failure it returns a degraded plan.
type Planner interface {
	Plan(ctx context.Context, request string) Plan
}

type Intent struct {
	CodeRelated bool   `json:"is_code_related"`
	Reason      string `json:"reason"`
}

type IntentChecker interface {
	CheckIntent(ctx context.Context, request string) Intent
}

// ModelPlanner asks a generation model for the plan and the intent verdict.
type ModelPlanner struct {
	model generation.Model
}

var (
	_ Planner       = (*ModelPlanner)(nil)
	_ IntentChecker = (*ModelPlanner)(nil)
)

func New(model generation.Model) *ModelPlanner {
	return &ModelPlanner{model: model}
}

func (p *ModelPlanner) Plan(ctx context.Context, request string) Plan {
	text, err := p.model.Generate(ctx, planPrompt(request))
	if err != nil {
		log.Warn().Err(err).Msg("planner call failed, using fallback step")
		return Fallback(request, err)
	}
	plan, err := ParsePlan(text)
	if err != nil {
		log.Warn().Err(err).Int("chars", len(text)).Msg("planner output rejected, using fallback step")
		return Fallback(request, err)
	}
	if strings.TrimSpace(plan.ImprovedRequest) == "" {
		plan.ImprovedRequest = request
	}
	return plan
}

// Fallback is the single explanatory step used whenever planning fails.
func Fallback(request string, cause error) Plan {
	return Plan{
		ImprovedRequest: request,
		Steps: []PlannedStep{{
			Sequence:     1,
			Title:        fallbackTitle,
			Details:      fmt.Sprintf("Failed to improve prompt: %v", cause),
			Deliverables: fallbackDeliverables,
		}},
		Degraded: true,
	}
}

func (p *ModelPlanner) CheckIntent(ctx context.Context, request string) Intent {
	text, err := p.model.Generate(ctx, intentPrompt(request))
	if err != nil {
		return Intent{Reason: fmt.Sprintf("Error processing intent: %v", err)}
	}
	var intent Intent
	if err := decodeObject(text, &intent); err != nil {
		return Intent{Reason: fmt.Sprintf("Error processing intent: %v", err)}
	}
	return intent
}

type rawPlan struct {
	ImprovedPrompt string    `json:"improved_prompt"`
	Steps          []rawStep `json:"steps"`
}

type rawStep struct {
	StepNumber   flexInt  `json:"step_number"`
	Title        flexText `json:"title"`
	Details      flexText `json:"details"`
	Deliverables flexText `json:"deliverables"`
}

// ParsePlan decodes a planner response, orders its steps by the model's
// numbers (position breaks ties and fills missing numbers) and renumbers them
// densely from 1.
func ParsePlan(text string) (Plan, error) {
	var raw rawPlan
	if err := decodeObject(text, &raw); err != nil {
		return Plan{}, err
	}
	if len(raw.Steps) == 0 {
		return Plan{}, errors.New("plan has no steps")
	}

	type indexed struct {
		order int
		pos   int
		step  rawStep
	}
	ordered := make([]indexed, 0, len(raw.Steps))
	for i, st := range raw.Steps {
		order := int(st.StepNumber)
		if order <= 0 {
			order = i + 1
		}
		ordered = append(ordered, indexed{order: order, pos: i, step: st})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].order == ordered[j].order {
			return ordered[i].pos < ordered[j].pos
		}
		return ordered[i].order < ordered[j].order
	})

	plan := Plan{ImprovedRequest: strings.TrimSpace(raw.ImprovedPrompt), Steps: make([]PlannedStep, 0, len(ordered))}
	for i, it := range ordered {
		seq := i + 1
		title := strings.TrimSpace(string(it.step.Title))
		if title == "" {
			title = fmt.Sprintf("Step %d", seq)
		}
		plan.Steps = append(plan.Steps, PlannedStep{
			Sequence:     seq,
			Title:        title,
			Details:      strings.TrimSpace(string(it.step.Details)),
			Deliverables: strings.TrimSpace(string(it.step.Deliverables)),
		})
	}
	return plan, nil
}

func decodeObject(text string, v any) error {
	cleaned := normalize.StripFences(text)
	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}
	first, last := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}")
	if first >= 0 && last > first {
		if sliceErr := json.Unmarshal([]byte(cleaned[first:last+1]), v); sliceErr == nil {
			return nil
		}
	}
	return fmt.Errorf("decode planner output: %w", err)
}

// flexText accepts a string, or serializes any other JSON value to text.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = flexText(s)
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err //nolint:wrapcheck
	}
	*t = flexText(compact.String())
	return nil
}

// flexInt accepts a number or a numeric string. Anything else decodes to 0.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = flexInt(int(f))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if v, convErr := strconv.Atoi(strings.TrimSpace(s)); convErr == nil {
			*n = flexInt(v)
			return nil
		}
	}
	*n = 0
	return nil
}
