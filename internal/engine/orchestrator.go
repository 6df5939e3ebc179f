package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/index"
)

var engineTracer trace.Tracer = otel.Tracer("conduit/internal/engine")

// SessionRequest is everything the caller supplies for one query.
type SessionRequest struct {
	Query               string
	RephraseInstruction string
	Integrations        []EligibleIntegration
}

// Orchestrator is the state machine driving one session: plan, run steps
// strictly in sequence, fold results into context, finish with a synthesized
// answer. It owns the session's mutable state exclusively.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	logger *log.Logger

	retriever   Retriever
	planner     Planner
	selector    Selector
	synthesizer Synthesizer
	summarizer  Summarizer
	rephraser   Rephraser // optional
	executor    *Executor
	manuals     ManualSource // optional
}

func NewOrchestrator(
	cfg config.OrchestratorConfig,
	logger *log.Logger,
	retriever Retriever,
	planner Planner,
	selector Selector,
	synthesizer Synthesizer,
	summarizer Summarizer,
	rephraser Rephraser,
	invoker ProxyInvoker,
	manuals ManualSource,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		retriever:   retriever,
		planner:     planner,
		selector:    selector,
		synthesizer: synthesizer,
		summarizer:  summarizer,
		rephraser:   rephraser,
		executor:    NewExecutor(invoker),
		manuals:     manuals,
	}
}

// NewEmitter creates an emitter sized per configuration, for callers that
// stream the session.
func (o *Orchestrator) NewEmitter() *Emitter {
	return NewEmitter(o.cfg.EventBuffer)
}

// Run processes one session to completion, emitting ordered progress events.
// The emitter is always closed before Run returns. Session-fatal conditions
// produce a terminal error event instead of complete, and a non-nil error.
func (o *Orchestrator) Run(ctx context.Context, req SessionRequest, emitter *Emitter) (*Session, error) {
	defer emitter.Close()

	ctx, span := engineTracer.Start(ctx, "engine.session", trace.WithAttributes(
		attribute.Int("integrations", len(req.Integrations)),
	))
	defer span.End()

	session := &Session{
		ID:           uuid.New(),
		Query:        req.Query,
		Integrations: req.Integrations,
		MaxSteps:     o.cfg.MaxSteps,
		StartedAt:    time.Now().UTC(),
	}

	if len(req.Integrations) == 0 {
		return o.fail(ctx, span, session, emitter, ErrNoEligibleIntegrations)
	}

	session.CleanQuery = o.prepareQuery(ctx, req)
	o.logger.Printf("[ORCH] session %s: %q (%d integrations, max %d steps)",
		session.ID, session.CleanQuery, len(session.Integrations), session.MaxSteps)

	meta := make([]IntegrationMeta, len(req.Integrations))
	for i, in := range req.Integrations {
		meta[i] = IntegrationMeta{UUID: in.UUID, Name: in.Name}
	}
	if err := emitter.Send(ctx, Event{Type: EventMetadata, Integrations: meta, MaxSteps: session.MaxSteps}); err != nil {
		return session, err
	}

	complete := false
	for number := 1; number <= session.MaxSteps; number++ {
		// Planning boundary: notice caller cancellation before any new work.
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, span, session, emitter, err)
		}

		decision, err := o.planner.NextStep(ctx, session.CleanQuery, session.Integrations, session.HistoryBefore(number), session.MaxSteps-number+1)
		if err != nil {
			return o.fail(ctx, span, session, emitter, err)
		}
		if decision.Complete {
			complete = true
			break
		}

		step := o.newStep(session, number, decision)
		if err := emitter.Send(ctx, stepStartEvent(step)); err != nil {
			return session, err
		}

		o.runStep(ctx, session, &step)
		session.Steps = append(session.Steps, step)
		stepsTotal.WithLabelValues(string(step.Status)).Inc()

		var ev Event
		if step.Status == StepStatusCompleted {
			ev = Event{Type: EventStepComplete, StepNumber: step.Number, NaturalLanguageResponse: step.Result}
		} else {
			ev = Event{Type: EventStepFailed, StepNumber: step.Number, Reason: string(step.FailureReason), NaturalLanguageResponse: step.FailureDetail}
		}
		if err := emitter.Send(ctx, ev); err != nil {
			return session, err
		}

		// StepDone boundary: same cancellation check on the way out.
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, span, session, emitter, err)
		}
	}
	if !complete {
		session.BudgetExceeded = true
		o.logger.Printf("[ORCH] session %s: step budget exhausted after %d steps", session.ID, len(session.Steps))
	}

	final, err := o.summarizer.Summarize(ctx, session.CleanQuery, session)
	if err != nil {
		return o.fail(ctx, span, session, emitter, fmt.Errorf("final synthesis: %w", err))
	}
	session.FinalResponse = final
	session.FinishedAt = time.Now().UTC()

	finalEvent := Event{Type: EventFinalResponse, FinalResponse: final}
	if session.BudgetExceeded {
		finalEvent.Reason = string(FailureStepBudgetExceeded)
	}
	if err := emitter.Send(ctx, finalEvent); err != nil {
		return session, err
	}
	if err := emitter.Send(ctx, Event{Type: EventComplete}); err != nil {
		return session, err
	}

	sessionsTotal.WithLabelValues("complete").Inc()
	span.SetAttributes(attribute.Int("steps", len(session.Steps)))
	o.logger.Printf("[ORCH] session %s: finished in %s (%d steps)",
		session.ID, session.FinishedAt.Sub(session.StartedAt).Round(time.Millisecond), len(session.Steps))
	return session, nil
}

// prepareQuery prepends the current datetime so relative phrases like "last
// week" resolve, then optionally runs the rephraser.
func (o *Orchestrator) prepareQuery(ctx context.Context, req SessionRequest) string {
	query := req.Query
	if o.rephraser != nil {
		if cleaned, err := o.rephraser.Rephrase(ctx, query, req.RephraseInstruction); err == nil {
			query = cleaned
		} else {
			o.logger.Printf("[ORCH] rephrase skipped: %v", err)
		}
	}
	return fmt.Sprintf("Current datetime: %s\n%s", time.Now().UTC().Format(time.RFC3339), query)
}

func (o *Orchestrator) newStep(session *Session, number int, decision PlanDecision) Step {
	step := Step{
		Number:    number,
		Goal:      decision.Goal,
		Reasoning: decision.Reasoning,
		Status:    StepStatusRunning,
	}
	if in, ok := session.integration(decision.IntegrationID); ok {
		step.IntegrationID = in.UUID
		step.IntegrationName = in.Name
	}
	return step
}

// runStep drives Retriever, Selector, Synthesizer and Executor in that fixed
// order. All failures end up as data on the step; nothing raises past here.
func (o *Orchestrator) runStep(ctx context.Context, session *Session, step *Step) {
	started := time.Now()
	defer func() { stepDuration.Observe(time.Since(started).Seconds()) }()

	ctx, span := engineTracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.Int("step.number", step.Number),
	))
	defer span.End()

	if o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
	}

	eligible := o.eligibleFor(session, step)

	retrStarted := time.Now()
	candidates, err := o.retriever.Retrieve(ctx, step.Goal, eligible)
	retrievalDuration.Observe(time.Since(retrStarted).Seconds())
	if err != nil {
		o.failStep(step, span, FailureNoEligibleEndpoint, fmt.Sprintf("retrieval failed: %v", err))
		return
	}
	if len(candidates) == 0 {
		o.failStep(step, span, FailureNoEligibleEndpoint, "no endpoint candidates for this goal")
		return
	}

	endpoint, err := o.selectEndpoint(ctx, step, candidates)
	if err != nil || endpoint == nil {
		detail := "selector found no credible match"
		if err != nil {
			detail = fmt.Sprintf("selection failed: %v", err)
		}
		o.failStep(step, span, FailureNoEligibleEndpoint, detail)
		return
	}
	step.Endpoint = endpoint
	if step.IntegrationID == uuid.Nil {
		if in, ok := session.integration(endpoint.IntegrationID); ok {
			step.IntegrationID = in.UUID
			step.IntegrationName = in.Name
		}
	}

	req, err := o.synthesizer.Synthesize(ctx, *endpoint, step.Goal, session.HistoryBefore(step.Number))
	if err != nil {
		if errors.Is(err, ErrMissingRequiredInput) {
			o.failStep(step, span, FailureMissingRequiredInput, err.Error())
		} else {
			o.failStep(step, span, FailureExecutionFailure, fmt.Sprintf("synthesis failed: %v", err))
		}
		return
	}
	step.Request = req

	integration, ok := session.integration(step.IntegrationID)
	if !ok {
		o.failStep(step, span, FailureNoEligibleEndpoint, "selected endpoint belongs to an ineligible integration")
		return
	}
	req.Headers = integration.Headers
	req.APIBase = integration.APIBase

	result, raw, failure := o.executor.Execute(ctx, integration, *endpoint, *req)
	step.RawResult = raw
	if failure != nil {
		o.failStep(step, span, failure.Reason, failure.Detail)
		return
	}
	step.Result = result
	step.Status = StepStatusCompleted
	o.logger.Printf("[ORCH] step %d completed via %s", step.Number, endpoint.Identity())
}

// selectEndpoint applies the configured selector timeout; a timeout and an
// explicit no-match are treated the same way.
func (o *Orchestrator) selectEndpoint(ctx context.Context, step *Step, candidates []index.Candidate) (*catalog.Endpoint, error) {
	if o.cfg.SelectorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SelectorTimeout)
		defer cancel()
	}
	manual := o.manualFor(ctx, step, candidates)
	endpoint, err := o.selector.Select(ctx, step.Goal, candidates, manual)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		o.logger.Printf("[ORCH] step %d: selector timed out, treating as no match", step.Number)
		return nil, nil
	}
	return endpoint, err
}

// manualFor fetches guidance text for the integrations involved in the
// candidate set. A missing manual is simply no extra context.
func (o *Orchestrator) manualFor(ctx context.Context, step *Step, candidates []index.Candidate) string {
	if o.manuals == nil {
		return ""
	}
	seen := map[uuid.UUID]bool{}
	var parts []string
	for _, c := range candidates {
		id := c.Endpoint.IntegrationID
		if seen[id] {
			continue
		}
		seen[id] = true
		text, ok, err := o.manuals.Manual(ctx, id)
		if err != nil {
			o.logger.Printf("[ORCH] step %d: manual lookup %s: %v", step.Number, id, err)
			continue
		}
		if ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// eligibleFor narrows the integration filter to the planner's target when it
// named one, otherwise everything the caller supplied.
func (o *Orchestrator) eligibleFor(session *Session, step *Step) []uuid.UUID {
	if step.IntegrationID != uuid.Nil {
		return []uuid.UUID{step.IntegrationID}
	}
	ids := make([]uuid.UUID, len(session.Integrations))
	for i, in := range session.Integrations {
		ids[i] = in.UUID
	}
	return ids
}

func (o *Orchestrator) failStep(step *Step, span trace.Span, reason FailureReason, detail string) {
	step.Status = StepStatusFailed
	step.FailureReason = reason
	step.FailureDetail = detail
	span.SetAttributes(attribute.String("step.failure", string(reason)))
	o.logger.Printf("[ORCH] step %d failed: %s (%s)", step.Number, reason, detail)
}

// fail handles session-fatal conditions: a terminal error event instead of
// complete, then the error back to the caller.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, session *Session, emitter *Emitter, err error) (*Session, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sessionsTotal.WithLabelValues("error").Inc()
	o.logger.Printf("[ORCH] session %s failed: %v", session.ID, err)

	// Best effort: the caller may already be gone.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = emitter.Send(sendCtx, Event{Type: EventError, Error: err.Error()})
	return session, err
}

func stepStartEvent(step Step) Event {
	ev := Event{
		Type:            EventStepStart,
		StepNumber:      step.Number,
		IntegrationName: step.IntegrationName,
		Reasoning:       step.Reasoning,
	}
	if step.IntegrationID != uuid.Nil {
		ev.IntegrationUUID = step.IntegrationID.String()
	}
	return ev
}
