package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conduitworks/conduit/internal/catalog"
)

// maxResultChars caps how much of a response is folded into context.
const maxResultChars = 6000

// StepFailure is a step-local failure captured as data. It never propagates
// past the orchestrator as an error.
type StepFailure struct {
	Reason FailureReason
	Detail string
}

// Executor drives the proxy invoker and normalizes outcomes. Successes become
// compact text usable as context; failures become structured data.
type Executor struct {
	invoker ProxyInvoker
}

func NewExecutor(invoker ProxyInvoker) *Executor {
	return &Executor{invoker: invoker}
}

// Execute performs one synthesized request. Exactly one of the returns is
// set: normalized result text on success, a StepFailure otherwise.
func (e *Executor) Execute(ctx context.Context, integration EligibleIntegration, endpoint catalog.Endpoint, req Request) (string, string, *StepFailure) {
	status, body, err := e.invoker.Invoke(ctx, integration, endpoint, req)
	if err != nil {
		return "", "", &StepFailure{
			Reason: FailureExecutionFailure,
			Detail: fmt.Sprintf("call failed: %v", err),
		}
	}
	if status >= 400 {
		return "", body, &StepFailure{
			Reason: FailureExecutionFailure,
			Detail: fmt.Sprintf("%s returned %s: %s", endpoint.Identity(), statusClass(status), truncate(body, 500)),
		}
	}
	return normalizeResult(body), body, nil
}

// statusClass compresses a status code into the class the taxonomy records.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return fmt.Sprintf("server error (%d)", status)
	case status >= 400:
		return fmt.Sprintf("client error (%d)", status)
	default:
		return fmt.Sprintf("status %d", status)
	}
}

// normalizeResult flattens a raw response body into compact text. JSON is
// re-marshalled without indentation; everything is length-capped.
func normalizeResult(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "(empty response)"
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		if compact, err := json.Marshal(parsed); err == nil {
			return truncate(string(compact), maxResultChars)
		}
	}
	return truncate(body, maxResultChars)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "… (truncated)"
}

// HTTPProxyInvoker performs the call directly over HTTP: path parameters are
// substituted into the template, the rest become the query string, the body
// goes out as JSON, and the caller's credential headers are applied verbatim.
type HTTPProxyInvoker struct {
	client *http.Client
}

func NewHTTPProxyInvoker(timeout time.Duration) *HTTPProxyInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProxyInvoker{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProxyInvoker) Invoke(ctx context.Context, integration EligibleIntegration, endpoint catalog.Endpoint, req Request) (int, string, error) {
	path := req.Path
	if path == "" {
		path = endpoint.Path
	}
	query := url.Values{}
	for key, val := range req.Params {
		placeholder := "{" + key + "}"
		str := fmt.Sprintf("%v", val)
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(str))
			continue
		}
		query.Set(key, str)
	}

	base := strings.TrimRight(req.APIBase, "/")
	if base == "" {
		base = strings.TrimRight(integration.APIBase, "/")
	}
	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return 0, "", fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = endpoint.Method
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, val := range integration.Headers {
		httpReq.Header.Set(key, val)
	}
	for key, val := range req.Headers {
		httpReq.Header.Set(key, val)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(raw), nil
}
