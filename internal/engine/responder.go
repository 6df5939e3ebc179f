package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/provider"
)

// LLMSummarizer writes the final answer from the whole session. Failed steps
// are surfaced, never silently dropped.
type LLMSummarizer struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func NewLLMSummarizer(cfg config.LLMConfig, prov provider.Provider, logger *log.Logger) *LLMSummarizer {
	model := cfg.Routing.Summary
	if model == "" {
		model = cfg.Routing.Fallback
	}
	return &LLMSummarizer{provider: prov, model: model, logger: logger}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, query string, session *Session) (string, error) {
	var b strings.Builder
	b.WriteString("Write the final answer for the user based on the steps below.\n\n")
	b.WriteString("User request:\n" + query + "\n\n")

	if len(session.Steps) == 0 {
		b.WriteString("No steps were executed.\n")
	} else {
		b.WriteString("Steps:\n")
		for _, step := range session.Steps {
			switch step.Status {
			case StepStatusCompleted:
				fmt.Fprintf(&b, "Step %d: %s\nResult: %s\n", step.Number, step.Goal, step.Result)
			default:
				fmt.Fprintf(&b, "Step %d: %s\nFailed: %s (%s)\n", step.Number, step.Goal, step.FailureReason, step.FailureDetail)
			}
		}
	}
	if session.BudgetExceeded {
		b.WriteString("\nThe step budget ran out before the task finished; summarize the partial progress and what remains undone.\n")
	}
	b.WriteString("\nAnswer in plain language. Mention any step that failed and how it affects the answer. Do not invent results that are not above.\n")

	answer, err := s.provider.Generate(ctx, b.String(), s.model, nil)
	if err != nil {
		return "", fmt.Errorf("summarizer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// LLMRephraser cleans the raw query before planning. Pre-processing only; it
// never consumes a step.
type LLMRephraser struct {
	provider provider.Provider
	model    string
}

func NewLLMRephraser(cfg config.LLMConfig, prov provider.Provider) *LLMRephraser {
	model := cfg.Routing.Rephrase
	if model == "" {
		model = cfg.Routing.Fallback
	}
	return &LLMRephraser{provider: prov, model: model}
}

func (r *LLMRephraser) Rephrase(ctx context.Context, query, instruction string) (string, error) {
	var b strings.Builder
	b.WriteString("Rewrite the request below as a clear, self-contained instruction for an API orchestration engine. Preserve every concrete detail; add nothing.\n")
	if instruction != "" {
		b.WriteString("Additional rewriting guidance: " + instruction + "\n")
	}
	b.WriteString("\nRequest:\n" + query + "\n\nRespond with the rewritten request only.")

	out, err := r.provider.Generate(ctx, b.String(), r.model, nil)
	if err != nil {
		return "", fmt.Errorf("rephraser: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return query, nil
	}
	return out, nil
}
