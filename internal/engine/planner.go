package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/provider"
)

// LLMPlanner decides the next step goal with a strict-JSON contract and an
// explicit completion sentinel.
type LLMPlanner struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func NewLLMPlanner(cfg config.LLMConfig, prov provider.Provider, logger *log.Logger) *LLMPlanner {
	model := cfg.Routing.Planning
	if model == "" {
		model = cfg.Routing.Fallback
	}
	return &LLMPlanner{provider: prov, model: model, logger: logger}
}

type planResponse struct {
	IsComplete      bool   `json:"is_complete"`
	NextStep        string `json:"next_step"`
	Reasoning       string `json:"reasoning"`
	IntegrationUUID string `json:"integration_uuid"`
}

func (p *LLMPlanner) NextStep(ctx context.Context, query string, integrations []EligibleIntegration, history []Step, stepsLeft int) (PlanDecision, error) {
	prompt := p.buildPrompt(query, integrations, history, stepsLeft)
	raw, err := p.provider.Generate(ctx, prompt, p.model, map[string]interface{}{"json": true})
	if err != nil {
		return PlanDecision{}, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	var resp planResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return PlanDecision{}, fmt.Errorf("%w: malformed plan response: %v", ErrPlanningFailed, err)
	}
	if resp.IsComplete {
		return PlanDecision{Complete: true, Reasoning: resp.Reasoning}, nil
	}
	if strings.TrimSpace(resp.NextStep) == "" {
		return PlanDecision{}, fmt.Errorf("%w: planner returned neither a step nor completion", ErrPlanningFailed)
	}
	decision := PlanDecision{
		Goal:      strings.TrimSpace(resp.NextStep),
		Reasoning: strings.TrimSpace(resp.Reasoning),
	}
	if id, err := uuid.Parse(resp.IntegrationUUID); err == nil {
		decision.IntegrationID = id
	}
	return decision, nil
}

func (p *LLMPlanner) buildPrompt(query string, integrations []EligibleIntegration, history []Step, stepsLeft int) string {
	var b strings.Builder
	b.WriteString("You are a task planner for an API orchestration engine.\n")
	b.WriteString("Decide the single next step toward answering the user's request, or declare the task complete.\n\n")
	b.WriteString("User request:\n" + query + "\n\n")

	b.WriteString("Available integrations:\n")
	for _, in := range integrations {
		fmt.Fprintf(&b, "- %s (uuid %s)\n", in.Name, in.UUID)
	}

	if len(history) > 0 {
		b.WriteString("\nSteps taken so far, in order:\n")
		for _, step := range history {
			fmt.Fprintf(&b, "Step %d (%s): %s\n", step.Number, step.Status, step.Goal)
			if step.Status == StepStatusCompleted {
				fmt.Fprintf(&b, "  Result: %s\n", step.Result)
			} else {
				fmt.Fprintf(&b, "  Failed: %s (%s)\n", step.FailureReason, step.FailureDetail)
			}
		}
	}

	fmt.Fprintf(&b, "\nAt most %d more step(s) may run.\n", stepsLeft)
	b.WriteString(`
Rules:
- Declare completion when the results above already answer the request.
- One concrete action per step; never bundle several API calls into one goal.
- A failed step may be routed around with a different approach, not retried verbatim.
- Do not invent integrations; use only the uuids listed.

Respond with JSON only:
{"is_complete": bool, "next_step": "goal for the next step, empty when complete", "reasoning": "why", "integration_uuid": "target integration uuid, empty when any"}
`)
	return b.String()
}

// stripFences tolerates models that wrap JSON in markdown code fences.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
