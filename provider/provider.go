package provider

import (
	"context"
	"fmt"

	"github.com/conduitworks/conduit/config"
	openai_provider "github.com/conduitworks/conduit/provider/openai"
)

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// Provider is the contract every LLM backend must satisfy. Capabilities in
// internal/engine speak to this interface only.
type Provider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns prompt/completion token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// New creates an LLM provider from configuration. The first configured
// provider wins; multi-provider routing lives in the config routing table.
func New(cfg config.LLMConfig) (Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			return newOpenAI(pc), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}

func newOpenAI(pc config.LLMProvider) Provider {
	models := make(map[string]openai_provider.Model, len(pc.Models))
	for key, m := range pc.Models {
		models[key] = openai_provider.Model{
			Name:            m.Name,
			APIName:         m.APIName,
			MaxTokens:       m.MaxTokens,
			Temperature:     m.Temperature,
			CostPer1KInput:  m.CostPer1K,
			CostPer1KOutput: m.CostPer1KOutput,
		}
	}
	return &openaiAdapter{c: openai_provider.NewClient(pc.APIKey, pc.BaseURL, models, pc.Timeout)}
}

// openaiAdapter maps the openai client onto the Provider interface.
type openaiAdapter struct {
	c *openai_provider.Client
}

func (a *openaiAdapter) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := a.c.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (a *openaiAdapter) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	return a.c.GenerateWithTokens(ctx, prompt, model, options)
}

func (a *openaiAdapter) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	return a.c.Embed(ctx, model, input)
}

func (a *openaiAdapter) GetModelInfo(model string) (ModelInfo, error) {
	m, ok := a.c.Model(model)
	if !ok {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return ModelInfo{
		Name:            m.Name,
		Provider:        "openai",
		MaxTokens:       m.MaxTokens,
		CostPer1KInput:  m.CostPer1KInput,
		CostPer1KOutput: m.CostPer1KOutput,
	}, nil
}

func (a *openaiAdapter) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := a.c.Model(model)
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1000.0*m.CostPer1KInput + float64(outputTokens)/1000.0*m.CostPer1KOutput
}
