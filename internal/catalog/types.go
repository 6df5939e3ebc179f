package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Integration is a registered third-party platform. Immutable once created;
// referenced by UUID everywhere else.
type Integration struct {
	ID            int64           `json:"id"`
	UUID          uuid.UUID       `json:"uuid"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Icon          string          `json:"icon,omitempty"`
	BaseURL       string          `json:"base_url,omitempty"`
	RateLimit     int             `json:"limit"`
	AuthStructure json.RawMessage `json:"auth_structure,omitempty"`
	CreatedAt     time.Time       `json:"created"`
}

// Field describes one parameter/body/response field of an endpoint schema.
// Nested objects and array items carry their own field lists.
type Field struct {
	Key         string  `json:"key"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required"`
	Fields      []Field `json:"fields,omitempty"`
}

// Endpoint is one callable operation of an Integration. Created during
// ingestion, read-only during query processing; re-ingestion replaces it.
type Endpoint struct {
	IntegrationID uuid.UUID `json:"integration_uuid"`
	Method        string    `json:"method"`
	Path          string    `json:"url"`
	Description   string    `json:"description"` // the retrieval intent text
	Parameters    []Field   `json:"parameters,omitempty"`
	Body          []Field   `json:"body,omitempty"`
	Response      []Field   `json:"response,omitempty"`
}

// Identity returns the stable per-integration key of an endpoint.
func (e Endpoint) Identity() string {
	return e.Method + "_" + e.Path
}

// RequiredParameterKeys lists the keys of required query/path parameters.
func (e Endpoint) RequiredParameterKeys() []string {
	return requiredKeys(e.Parameters)
}

// RequiredBodyKeys lists the keys of required top-level body fields.
func (e Endpoint) RequiredBodyKeys() []string {
	return requiredKeys(e.Body)
}

func requiredKeys(fields []Field) []string {
	var keys []string
	for _, f := range fields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Credential carries the caller-supplied auth material for one Integration,
// valid only for the lifetime of a single query. Never persisted.
type Credential struct {
	Headers map[string]string `json:"headers"`
	APIBase string            `json:"api_base"`
}
