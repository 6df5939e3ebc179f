package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/index"
)

// StepStatus tracks one step through its lifecycle.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// EligibleIntegration is one integration the caller holds credentials for,
// supplied per query and never stored by the engine.
type EligibleIntegration struct {
	UUID    uuid.UUID
	Name    string
	Headers map[string]string
	APIBase string
}

// Request is a synthesized, schema-valid call against one endpoint. Auth
// headers and the base URL come from the caller's credentials, never from
// the synthesizer.
type Request struct {
	Method  string                 `json:"method"`
	Path    string                 `json:"path"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty"`
	Headers map[string]string      `json:"-"`
	APIBase string                 `json:"-"`
}

// Step records one orchestration iteration. Owned and mutated by the
// orchestrator only; immutable once its status leaves running.
type Step struct {
	Number          int
	IntegrationID   uuid.UUID
	IntegrationName string
	Goal            string
	Reasoning       string
	Endpoint        *catalog.Endpoint
	Request         *Request
	RawResult       string
	Result          string
	Status          StepStatus
	FailureReason   FailureReason
	FailureDetail   string
}

// Session is the full lifecycle of one query. Never shared across queries.
type Session struct {
	ID             uuid.UUID
	Query          string
	CleanQuery     string
	Integrations   []EligibleIntegration
	MaxSteps       int
	Steps          []Step
	BudgetExceeded bool
	FinalResponse  string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// HistoryBefore returns the steps a given step number may see: exactly the
// finished steps 1..n-1, in order.
func (s *Session) HistoryBefore(n int) []Step {
	var out []Step
	for _, step := range s.Steps {
		if step.Number < n && step.Status != StepStatusRunning {
			out = append(out, step)
		}
	}
	return out
}

// integration looks up a caller-supplied integration by UUID.
func (s *Session) integration(id uuid.UUID) (EligibleIntegration, bool) {
	for _, in := range s.Integrations {
		if in.UUID == id {
			return in, true
		}
	}
	return EligibleIntegration{}, false
}

// PlanDecision is the planner's verdict for one iteration: either the task
// is complete, or here is the next step's goal.
type PlanDecision struct {
	Complete      bool
	Goal          string
	Reasoning     string
	IntegrationID uuid.UUID // uuid.Nil means any eligible integration
}

// Planner decides the next step or declares the task complete. Unrecoverable
// planner errors are session-fatal.
type Planner interface {
	NextStep(ctx context.Context, query string, integrations []EligibleIntegration, history []Step, stepsLeft int) (PlanDecision, error)
}

// Selector reduces ranked candidates to one endpoint, or nil for "no
// credible match". It must never force a low-confidence pick.
type Selector interface {
	Select(ctx context.Context, goal string, candidates []index.Candidate, manual string) (*catalog.Endpoint, error)
}

// Synthesizer fills an endpoint's schema from the goal and prior results.
// A required value it cannot source returns ErrMissingRequiredInput.
type Synthesizer interface {
	Synthesize(ctx context.Context, endpoint catalog.Endpoint, goal string, history []Step) (*Request, error)
}

// Summarizer produces the final natural-language answer from the full
// session, failed steps included.
type Summarizer interface {
	Summarize(ctx context.Context, query string, session *Session) (string, error)
}

// Rephraser optionally cleans the query before planning begins. It is a
// pre-processing stage, not a step.
type Rephraser interface {
	Rephrase(ctx context.Context, query, instruction string) (string, error)
}

// Retriever returns ranked endpoint candidates for a step goal, restricted
// to the eligible integrations. Empty results are soft, not errors.
type Retriever interface {
	Retrieve(ctx context.Context, goal string, eligible []uuid.UUID) ([]index.Candidate, error)
}

// ProxyInvoker performs the external call for a synthesized request. The
// engine treats it as a capability boundary.
type ProxyInvoker interface {
	Invoke(ctx context.Context, integration EligibleIntegration, endpoint catalog.Endpoint, req Request) (status int, body string, err error)
}

// ManualSource provides optional per-integration guidance text for
// selection and synthesis. Absence is not an error.
type ManualSource interface {
	Manual(ctx context.Context, integrationID uuid.UUID) (string, bool, error)
}
