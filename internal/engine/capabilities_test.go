package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/index"
	"github.com/conduitworks/conduit/provider"
)

// cannedProvider returns fixed completions, recording the prompts it saw.
type cannedProvider struct {
	response string
	err      error
	prompts  []string
}

func (c *cannedProvider) Generate(_ context.Context, prompt, _ string, _ map[string]interface{}) (string, error) {
	c.prompts = append(c.prompts, prompt)
	return c.response, c.err
}

func (c *cannedProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	out, err := c.Generate(ctx, prompt, model, options)
	return out, 0, 0, err
}

func (c *cannedProvider) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1}
	}
	return out, nil
}

func (c *cannedProvider) GetModelInfo(model string) (provider.ModelInfo, error) {
	return provider.ModelInfo{Name: model}, nil
}

func (c *cannedProvider) CalculateCost(_, _ int64, _ string) float64 { return 0 }

func llmConfig() config.LLMConfig {
	return config.LLMConfig{Routing: config.LLMRoutingConfig{Fallback: "test-model"}}
}

func TestLLMPlannerParsesDecision(t *testing.T) {
	prov := &cannedProvider{response: `{"is_complete": false, "next_step": "fetch the invoice list", "reasoning": "need data first", "integration_uuid": ""}`}
	p := NewLLMPlanner(llmConfig(), prov, nil)
	d, err := p.NextStep(context.Background(), "list invoices", nil, nil, 7)
	if err != nil {
		t.Fatalf("next step: %v", err)
	}
	if d.Complete || d.Goal != "fetch the invoice list" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestLLMPlannerCompleteSentinel(t *testing.T) {
	prov := &cannedProvider{response: "```json\n{\"is_complete\": true, \"next_step\": \"\", \"reasoning\": \"done\"}\n```"}
	p := NewLLMPlanner(llmConfig(), prov, nil)
	d, err := p.NextStep(context.Background(), "q", nil, nil, 7)
	if err != nil {
		t.Fatalf("next step: %v", err)
	}
	if !d.Complete {
		t.Fatal("completion sentinel not honored")
	}
}

func TestLLMPlannerMalformedIsFatal(t *testing.T) {
	prov := &cannedProvider{response: "sure, here is a plan"}
	p := NewLLMPlanner(llmConfig(), prov, nil)
	if _, err := p.NextStep(context.Background(), "q", nil, nil, 7); !errors.Is(err, ErrPlanningFailed) {
		t.Fatalf("err = %v", err)
	}
}

func selectorCandidates() []index.Candidate {
	return []index.Candidate{
		{Endpoint: catalog.Endpoint{IntegrationID: uuid.New(), Method: "GET", Path: "/issues", Description: "list issues"}},
		{Endpoint: catalog.Endpoint{IntegrationID: uuid.New(), Method: "POST", Path: "/issues", Description: "create an issue"}},
	}
}

func TestLLMSelectorPicksCandidate(t *testing.T) {
	prov := &cannedProvider{response: `{"match": true, "endpoint": "GET_/issues"}`}
	s := NewLLMSelector(llmConfig(), prov, nil)
	ep, err := s.Select(context.Background(), "list issues", selectorCandidates(), "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep == nil || ep.Identity() != "GET_/issues" {
		t.Fatalf("picked %+v", ep)
	}
}

func TestLLMSelectorNoMatchSentinel(t *testing.T) {
	prov := &cannedProvider{response: `{"match": false, "endpoint": ""}`}
	s := NewLLMSelector(llmConfig(), prov, nil)
	ep, err := s.Select(context.Background(), "launch a rocket", selectorCandidates(), "")
	if err != nil || ep != nil {
		t.Fatalf("ep=%+v err=%v, want explicit no match", ep, err)
	}
}

func TestLLMSelectorRejectsOffListPick(t *testing.T) {
	prov := &cannedProvider{response: `{"match": true, "endpoint": "DELETE_/everything"}`}
	s := NewLLMSelector(llmConfig(), prov, nil)
	ep, err := s.Select(context.Background(), "goal", selectorCandidates(), "")
	if err != nil || ep != nil {
		t.Fatalf("off-list pick must count as no match, got %+v / %v", ep, err)
	}
}

func TestLLMSelectorEmptyCandidates(t *testing.T) {
	prov := &cannedProvider{response: `ignored`}
	s := NewLLMSelector(llmConfig(), prov, nil)
	ep, err := s.Select(context.Background(), "goal", nil, "")
	if err != nil || ep != nil {
		t.Fatal("empty candidates must short-circuit to no match")
	}
	if len(prov.prompts) != 0 {
		t.Fatal("no model call should happen without candidates")
	}
}

func synthEndpoint() catalog.Endpoint {
	return catalog.Endpoint{
		Method: "POST",
		Path:   "/subscriptions/{id}/cancel",
		Parameters: []catalog.Field{
			{Key: "id", Type: "string", Required: true},
		},
		Body: []catalog.Field{
			{Key: "reason", Type: "string", Required: false},
		},
	}
}

func TestLLMSynthesizerBuildsRequest(t *testing.T) {
	prov := &cannedProvider{response: `{"feasible": true, "missing": [], "params": {"id": "sub_123"}, "body": {"reason": "too expensive"}}`}
	s := NewLLMSynthesizer(llmConfig(), prov, nil)
	req, err := s.Synthesize(context.Background(), synthEndpoint(), "cancel the subscription sub_123", nil)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if req.Params["id"] != "sub_123" || req.Method != "POST" {
		t.Fatalf("request = %+v", req)
	}
}

func TestLLMSynthesizerInfeasible(t *testing.T) {
	prov := &cannedProvider{response: `{"feasible": false, "missing": ["id"], "params": {}, "body": {}}`}
	s := NewLLMSynthesizer(llmConfig(), prov, nil)
	_, err := s.Synthesize(context.Background(), synthEndpoint(), "cancel the subscription", nil)
	if !errors.Is(err, ErrMissingRequiredInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestLLMSynthesizerSchemaBackstop(t *testing.T) {
	// The model claims feasibility but leaves the required param out.
	prov := &cannedProvider{response: `{"feasible": true, "missing": [], "params": {}, "body": {}}`}
	s := NewLLMSynthesizer(llmConfig(), prov, nil)
	_, err := s.Synthesize(context.Background(), synthEndpoint(), "cancel it", nil)
	if !errors.Is(err, ErrMissingRequiredInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestLLMSynthesizerSeesOnlyPriorResults(t *testing.T) {
	prov := &cannedProvider{response: `{"feasible": true, "missing": [], "params": {"id": "x"}, "body": {}}`}
	s := NewLLMSynthesizer(llmConfig(), prov, nil)
	history := []Step{
		{Number: 1, Goal: "find the subscription", Status: StepStatusCompleted, Result: "sub_123 is cancelled"},
		{Number: 2, Goal: "broken lookup", Status: StepStatusFailed, FailureReason: FailureExecutionFailure},
	}
	if _, err := s.Synthesize(context.Background(), synthEndpoint(), "cancel it", history); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	prompt := prov.prompts[0]
	if !strings.Contains(prompt, "sub_123 is cancelled") {
		t.Fatal("completed result missing from prompt")
	}
	if strings.Contains(prompt, "broken lookup") {
		t.Fatal("failed steps carry no results and must not leak into synthesis")
	}
}

func TestStripFences(t *testing.T) {
	if got := stripFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("fenced: %q", got)
	}
	if got := stripFences(`{"a":1}`); got != `{"a":1}` {
		t.Fatalf("bare: %q", got)
	}
}
