package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/provider"
)

// LLMSynthesizer fills an endpoint's schema from the step goal and prior
// results. Values come from the query or context only; a required value that
// exists in neither is a MissingRequiredInput failure, never a guess.
type LLMSynthesizer struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func NewLLMSynthesizer(cfg config.LLMConfig, prov provider.Provider, logger *log.Logger) *LLMSynthesizer {
	model := cfg.Routing.Synthesis
	if model == "" {
		model = cfg.Routing.Fallback
	}
	return &LLMSynthesizer{provider: prov, model: model, logger: logger}
}

type synthesisResponse struct {
	Feasible bool                   `json:"feasible"`
	Missing  []string               `json:"missing"`
	Params   map[string]interface{} `json:"params"`
	Body     map[string]interface{} `json:"body"`
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, endpoint catalog.Endpoint, goal string, history []Step) (*Request, error) {
	raw, err := s.provider.Generate(ctx, s.buildPrompt(endpoint, goal, history), s.model, map[string]interface{}{"json": true})
	if err != nil {
		return nil, fmt.Errorf("synthesizer: %w", err)
	}
	var resp synthesisResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("synthesizer: malformed response: %w", err)
	}
	if !resp.Feasible {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredInput, strings.Join(resp.Missing, ", "))
	}
	req := &Request{
		Method: endpoint.Method,
		Path:   endpoint.Path,
		Params: resp.Params,
		Body:   resp.Body,
	}
	if missing := missingRequired(endpoint, req); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredInput, strings.Join(missing, ", "))
	}
	return req, nil
}

// missingRequired double-checks the model against the declared schema.
func missingRequired(endpoint catalog.Endpoint, req *Request) []string {
	var missing []string
	for _, key := range endpoint.RequiredParameterKeys() {
		if _, ok := req.Params[key]; !ok {
			missing = append(missing, key)
		}
	}
	for _, key := range endpoint.RequiredBodyKeys() {
		if _, ok := req.Body[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func (s *LLMSynthesizer) buildPrompt(endpoint catalog.Endpoint, goal string, history []Step) string {
	var b strings.Builder
	b.WriteString("Fill in the request for one API call.\n\n")
	b.WriteString("Step goal:\n" + goal + "\n\n")
	fmt.Fprintf(&b, "Endpoint: %s %s\n%s\n", endpoint.Method, endpoint.Path, endpoint.Description)
	writeSchema(&b, "Parameters", endpoint.Parameters)
	writeSchema(&b, "Body", endpoint.Body)

	if len(history) > 0 {
		b.WriteString("\nResults of earlier steps (use these for values the goal refers to):\n")
		for _, step := range history {
			if step.Status == StepStatusCompleted {
				fmt.Fprintf(&b, "Step %d: %s\n%s\n", step.Number, step.Goal, step.Result)
			}
		}
	}

	b.WriteString(`
Rules:
- Every value must come from the step goal or the earlier results above. Never invent identifiers, dates, or amounts.
- When a required value is genuinely unavailable, set feasible to false and list the missing keys.
- Omit optional fields you have no value for.

Respond with JSON only:
{"feasible": bool, "missing": ["required keys you could not fill"], "params": {...}, "body": {...}}
`)
	return b.String()
}

func writeSchema(b *strings.Builder, label string, fields []catalog.Field) {
	if len(fields) == 0 {
		return
	}
	b.WriteString(label + ":\n")
	writeFields(b, fields, 1)
}

func writeFields(b *strings.Builder, fields []catalog.Field, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range fields {
		req := ""
		if f.Required {
			req = ", required"
		}
		fmt.Fprintf(b, "%s- %s (%s%s) %s\n", indent, f.Key, f.Type, req, f.Description)
		if len(f.Fields) > 0 && depth < 6 {
			writeFields(b, f.Fields, depth+1)
		}
	}
}
