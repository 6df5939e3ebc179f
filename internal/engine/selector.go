package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/index"
	"github.com/conduitworks/conduit/provider"
)

// LLMSelector reduces ranked candidates to exactly one endpoint or an
// explicit no-match. It is forbidden from forcing a low-confidence pick.
type LLMSelector struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func NewLLMSelector(cfg config.LLMConfig, prov provider.Provider, logger *log.Logger) *LLMSelector {
	model := cfg.Routing.Selection
	if model == "" {
		model = cfg.Routing.Fallback
	}
	return &LLMSelector{provider: prov, model: model, logger: logger}
}

type selectResponse struct {
	Match    bool   `json:"match"`
	Endpoint string `json:"endpoint"`
}

func (s *LLMSelector) Select(ctx context.Context, goal string, candidates []index.Candidate, manual string) (*catalog.Endpoint, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	raw, err := s.provider.Generate(ctx, s.buildPrompt(goal, candidates, manual), s.model, map[string]interface{}{"json": true})
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	var resp selectResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("selector: malformed response: %w", err)
	}
	if !resp.Match {
		return nil, nil
	}
	for i := range candidates {
		if candidates[i].Endpoint.Identity() == strings.TrimSpace(resp.Endpoint) {
			ep := candidates[i].Endpoint
			return &ep, nil
		}
	}
	// A pick outside the candidate list counts as no match.
	if s.logger != nil {
		s.logger.Printf("[SELECT] ignored off-list pick %q", resp.Endpoint)
	}
	return nil, nil
}

func (s *LLMSelector) buildPrompt(goal string, candidates []index.Candidate, manual string) string {
	var b strings.Builder
	b.WriteString("Pick the single API endpoint that accomplishes the step goal, or say there is no credible match.\n\n")
	b.WriteString("Step goal:\n" + goal + "\n\n")
	b.WriteString("Candidate endpoints:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  description: %s\n", c.Endpoint.Identity(), c.Endpoint.Description)
	}
	if manual != "" {
		b.WriteString("\nIntegration guidance:\n" + manual + "\n")
	}
	b.WriteString(`
Only pick an endpoint that genuinely accomplishes the goal. When none does, answer no match; never settle for the closest one.

Respond with JSON only:
{"match": bool, "endpoint": "the chosen id, empty when no match"}
`)
	return b.String()
}
