package engine

import "errors"

// FailureReason classifies why a step failed. All four are step-local: the
// step ends as failed, the reason lands in context, and the session goes on.
type FailureReason string

const (
	FailureNoEligibleEndpoint   FailureReason = "NoEligibleEndpoint"
	FailureMissingRequiredInput FailureReason = "MissingRequiredInput"
	FailureExecutionFailure     FailureReason = "ExecutionFailure"
	FailureStepBudgetExceeded   FailureReason = "StepBudgetExceeded"
)

// ErrMissingRequiredInput is returned by a synthesizer that cannot source a
// required field from the query or prior results.
var ErrMissingRequiredInput = errors.New("required input not available in context")

// ErrNoEligibleIntegrations is session-fatal: the caller supplied no
// integrations to work with.
var ErrNoEligibleIntegrations = errors.New("no eligible integrations for query")

// ErrPlanningFailed wraps an unrecoverable planner failure; session-fatal.
var ErrPlanningFailed = errors.New("planning capability failed")
