package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/catalog"
)

func TestExecuteNormalizesSuccess(t *testing.T) {
	inv := &stubInvoker{status: 200, body: "{\n  \"items\": [1, 2]\n}"}
	ex := NewExecutor(inv)
	result, raw, failure := ex.Execute(context.Background(), EligibleIntegration{}, catalog.Endpoint{}, Request{})
	if failure != nil {
		t.Fatalf("failure: %+v", failure)
	}
	if result != `{"items":[1,2]}` {
		t.Fatalf("normalized = %q", result)
	}
	if !strings.Contains(raw, "items") {
		t.Fatalf("raw body lost: %q", raw)
	}
}

func TestExecuteCapturesHTTPError(t *testing.T) {
	inv := &stubInvoker{status: 404, body: "not found"}
	ex := NewExecutor(inv)
	_, _, failure := ex.Execute(context.Background(), EligibleIntegration{}, catalog.Endpoint{Method: "GET", Path: "/x"}, Request{})
	if failure == nil {
		t.Fatal("expected a failure")
	}
	if failure.Reason != FailureExecutionFailure {
		t.Fatalf("reason = %s", failure.Reason)
	}
	if !strings.Contains(failure.Detail, "client error (404)") {
		t.Fatalf("detail = %q", failure.Detail)
	}
}

func TestExecuteCapturesTransportError(t *testing.T) {
	inv := &stubInvoker{err: io.ErrUnexpectedEOF}
	ex := NewExecutor(inv)
	_, _, failure := ex.Execute(context.Background(), EligibleIntegration{}, catalog.Endpoint{}, Request{})
	if failure == nil || failure.Reason != FailureExecutionFailure {
		t.Fatalf("failure = %+v", failure)
	}
}

func TestNormalizeResult(t *testing.T) {
	if got := normalizeResult(""); got != "(empty response)" {
		t.Fatalf("empty: %q", got)
	}
	if got := normalizeResult("plain text"); got != "plain text" {
		t.Fatalf("plain: %q", got)
	}
	long := strings.Repeat("a", maxResultChars+100)
	if got := normalizeResult(long); len(got) >= len(long) {
		t.Fatal("long bodies must be truncated")
	}
}

func TestHTTPProxyInvoker(t *testing.T) {
	var seen *http.Request
	var seenBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		seenBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	integration := EligibleIntegration{
		UUID:    uuid.New(),
		APIBase: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	}
	endpoint := catalog.Endpoint{Method: "POST", Path: "/projects/{projectId}/issues"}
	req := Request{
		Method: "POST",
		Path:   "/projects/{projectId}/issues",
		Params: map[string]interface{}{"projectId": "99", "notify": true},
		Body:   map[string]interface{}{"title": "crash on start"},
	}

	inv := NewHTTPProxyInvoker(0)
	status, body, err := inv.Invoke(context.Background(), integration, endpoint, req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("status = %d", status)
	}
	if body != `{"id":"42"}` {
		t.Fatalf("body = %q", body)
	}
	if seen.URL.Path != "/projects/99/issues" {
		t.Fatalf("path = %q, placeholder not substituted", seen.URL.Path)
	}
	if seen.URL.Query().Get("notify") != "true" {
		t.Fatalf("query = %q", seen.URL.RawQuery)
	}
	if seen.Header.Get("Authorization") != "Bearer secret" {
		t.Fatal("credential header not applied")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(seenBody, &payload); err != nil || payload["title"] != "crash on start" {
		t.Fatalf("request body = %s", seenBody)
	}
}
