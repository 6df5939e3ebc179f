package engine

import (
	"context"

	"github.com/google/uuid"
)

// EventType names one kind of progress event.
type EventType string

const (
	EventMetadata      EventType = "metadata"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventStepFailed    EventType = "step_failed"
	EventFinalResponse EventType = "final_response"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// IntegrationMeta is the caller-visible identity of one eligible integration.
type IntegrationMeta struct {
	UUID uuid.UUID `json:"uuid"`
	Name string    `json:"name"`
}

// Event is one line of the progress stream. Fields are populated per type;
// everything else stays omitted.
type Event struct {
	Type EventType `json:"type"`

	// metadata
	Integrations []IntegrationMeta `json:"integrations,omitempty"`
	MaxSteps     int               `json:"max_steps,omitempty"`

	// step_start / step_complete / step_failed
	StepNumber              int    `json:"step_number,omitempty"`
	IntegrationUUID         string `json:"integration_uuid,omitempty"`
	IntegrationName         string `json:"integration_name,omitempty"`
	Reasoning               string `json:"reasoning,omitempty"`
	NaturalLanguageResponse string `json:"natural_language_response,omitempty"`
	Reason                  string `json:"reason,omitempty"`

	// final_response
	FinalResponse string `json:"final_response,omitempty"`

	// error (session-fatal, replaces complete)
	Error string `json:"error,omitempty"`
}

// Emitter is the single-producer ordered event channel. Sends block until
// the consumer reads, so a slow consumer backpressures the orchestrator.
type Emitter struct {
	ch chan Event
}

// NewEmitter creates an emitter. A buffer of zero gives strict lockstep with
// the consumer; a small buffer only softens, never reorders.
func NewEmitter(buffer int) *Emitter {
	if buffer < 0 {
		buffer = 0
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events is the consumer side. It is closed when the session ends.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Send delivers one event in order, or gives up when ctx is done.
func (e *Emitter) Send(ctx context.Context, ev Event) error {
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Producer-side only, exactly once.
func (e *Emitter) Close() { close(e.ch) }
