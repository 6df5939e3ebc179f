package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Model describes one configured completion or embedding model.
type Model struct {
	Name            string
	APIName         string
	MaxTokens       int
	Temperature     float64
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// Client talks to the OpenAI HTTP API for chat completions and embeddings.
type Client struct {
	apiKey  string
	baseURL string
	models  map[string]Model
	http    *http.Client
}

// NewClient builds a client. When apiKey is empty the OPENAI_API_KEY
// environment variable is consulted at request time.
func NewClient(apiKey, baseURL string, models map[string]Model, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  models,
		http:    &http.Client{Timeout: timeout},
	}
}

// Model returns the configuration for a model key.
func (c *Client) Model(key string) (Model, bool) {
	m, ok := c.models[key]
	return m, ok
}

func (c *Client) key() (string, error) {
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		return k, nil
	}
	return "", fmt.Errorf("OpenAI API key not configured")
}

// GenerateWithTokens runs one chat completion and returns the content plus
// prompt/completion token usage.
func (c *Client) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey, err := c.key()
	if err != nil {
		return "", 0, 0, err
	}
	m, ok := c.models[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type respFormat struct {
		Type string `json:"type"`
	}
	type chatReq struct {
		Model          string      `json:"model"`
		Messages       []chatMsg   `json:"messages"`
		Temperature    float64     `json:"temperature,omitempty"`
		MaxTokens      int         `json:"max_tokens,omitempty"`
		ResponseFormat *respFormat `json:"response_format,omitempty"`
	}
	req := chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if v, ok := options["json"].(bool); ok && v {
		req.ResponseFormat = &respFormat{Type: "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// Embed generates embedding vectors for the given inputs.
func (c *Client) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	apiKey, err := c.key()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}
