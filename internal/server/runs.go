package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/engine"
	"github.com/conduitworks/conduit/internal/index"
)

// SessionRunner is the orchestrator surface the handlers depend on.
type SessionRunner interface {
	NewEmitter() *engine.Emitter
	Run(ctx context.Context, req engine.SessionRequest, emitter *engine.Emitter) (*engine.Session, error)
}

// Directory resolves integration UUIDs to their catalog records.
type Directory interface {
	ListIntegrations(ctx context.Context, ids []uuid.UUID) ([]catalog.Integration, error)
}

type RunsHandler struct {
	Orchestrator SessionRunner
	Directory    Directory
	Retriever    engine.Retriever
	Selector     engine.Selector
	Synthesizer  engine.Synthesizer
	Invoker      engine.ProxyInvoker
	Manuals      engine.ManualSource
	Logger       *log.Logger
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("/deep", h.deepRun)
	g.POST("/action", h.actionRun)
	g.POST("/identify-endpoints", h.identifyEndpoints)
}

type runIntegration struct {
	UUID    uuid.UUID         `json:"uuid"`
	Headers map[string]string `json:"headers"`
	APIBase string            `json:"api_base"`
}

type deepRunRequest struct {
	Query               string           `json:"query"`
	RephraseInstruction string           `json:"rephrase_instruction"`
	Integrations        []runIntegration `json:"integrations"`
}

// deepRun processes a full session and streams progress as NDJSON, one event
// per line, flushed as produced. Closing the connection cancels the session
// at the next step boundary.
func (h *RunsHandler) deepRun(c echo.Context) error {
	var req deepRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	ctx := c.Request().Context()
	eligible, err := h.resolveIntegrations(ctx, req.Integrations)
	if err != nil {
		return err
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.WriteHeader(http.StatusOK)

	emitter := h.Orchestrator.NewEmitter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.Orchestrator.Run(ctx, engine.SessionRequest{
			Query:               req.Query,
			RephraseInstruction: req.RephraseInstruction,
			Integrations:        eligible,
		}, emitter)
	}()

	enc := json.NewEncoder(resp)
	for ev := range emitter.Events() {
		if err := enc.Encode(ev); err != nil {
			// Caller went away; the context cancellation stops the session.
			break
		}
		flusher.Flush()
	}
	<-done
	return nil
}

type actionRequest struct {
	Goal        string         `json:"goal"`
	Integration runIntegration `json:"integration"`
}

type actionResponse struct {
	Endpoint string          `json:"endpoint"`
	Request  *engine.Request `json:"request"`
	Result   string          `json:"result,omitempty"`
	Failure  string          `json:"failure,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// actionRun performs one identify+synthesize+execute cycle without planning.
func (h *RunsHandler) actionRun(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal required")
	}
	ctx := c.Request().Context()
	eligible, err := h.resolveIntegrations(ctx, []runIntegration{req.Integration})
	if err != nil {
		return err
	}

	endpoint, _, err := h.identify(ctx, req.Goal, eligible)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if endpoint == nil {
		return c.JSON(http.StatusOK, actionResponse{Reason: string(engine.FailureNoEligibleEndpoint)})
	}

	request, err := h.Synthesizer.Synthesize(ctx, *endpoint, req.Goal, nil)
	if err != nil {
		return c.JSON(http.StatusOK, actionResponse{
			Endpoint: endpoint.Identity(),
			Reason:   string(engine.FailureMissingRequiredInput),
			Failure:  err.Error(),
		})
	}
	request.Headers = eligible[0].Headers
	request.APIBase = eligible[0].APIBase

	result, _, failure := engine.NewExecutor(h.Invoker).Execute(ctx, eligible[0], *endpoint, *request)
	out := actionResponse{Endpoint: endpoint.Identity(), Request: request}
	if failure != nil {
		out.Reason = string(failure.Reason)
		out.Failure = failure.Detail
	} else {
		out.Result = result
	}
	return c.JSON(http.StatusOK, out)
}

type identifyRequest struct {
	Goal         string      `json:"goal"`
	Integrations []uuid.UUID `json:"integrations"`
}

type identifyResponse struct {
	Selected   string              `json:"selected,omitempty"`
	Candidates []identifyCandidate `json:"candidates"`
}

type identifyCandidate struct {
	Endpoint    string  `json:"endpoint"`
	Integration string  `json:"integration"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// identifyEndpoints runs retrieval and selection only.
func (h *RunsHandler) identifyEndpoints(c echo.Context) error {
	var req identifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal required")
	}
	ctx := c.Request().Context()

	candidates, err := h.Retriever.Retrieve(ctx, req.Goal, req.Integrations)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := identifyResponse{Candidates: make([]identifyCandidate, 0, len(candidates))}
	for _, cand := range candidates {
		out.Candidates = append(out.Candidates, identifyCandidate{
			Endpoint:    cand.Endpoint.Identity(),
			Integration: cand.Endpoint.IntegrationID.String(),
			Description: cand.Endpoint.Description,
			Score:       cand.Score,
		})
	}
	if len(candidates) > 0 {
		if selected, err := h.Selector.Select(ctx, req.Goal, candidates, h.manualFor(ctx, candidates)); err == nil && selected != nil {
			out.Selected = selected.Identity()
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) identify(ctx context.Context, goal string, eligible []engine.EligibleIntegration) (*catalog.Endpoint, []index.Candidate, error) {
	ids := make([]uuid.UUID, len(eligible))
	for i, in := range eligible {
		ids[i] = in.UUID
	}
	candidates, err := h.Retriever.Retrieve(ctx, goal, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	selected, err := h.Selector.Select(ctx, goal, candidates, h.manualFor(ctx, candidates))
	if err != nil {
		return nil, candidates, err
	}
	return selected, candidates, nil
}

func (h *RunsHandler) manualFor(ctx context.Context, candidates []index.Candidate) string {
	if h.Manuals == nil || len(candidates) == 0 {
		return ""
	}
	text, ok, err := h.Manuals.Manual(ctx, candidates[0].Endpoint.IntegrationID)
	if err != nil || !ok {
		return ""
	}
	return text
}

// resolveIntegrations validates the caller-supplied UUIDs against the
// catalog and attaches their credentials.
func (h *RunsHandler) resolveIntegrations(ctx context.Context, supplied []runIntegration) ([]engine.EligibleIntegration, error) {
	if len(supplied) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "at least one integration required")
	}
	ids := make([]uuid.UUID, len(supplied))
	for i, in := range supplied {
		ids[i] = in.UUID
	}
	known, err := h.Directory.ListIntegrations(ctx, ids)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byID := make(map[uuid.UUID]catalog.Integration, len(known))
	for _, in := range known {
		byID[in.UUID] = in
	}
	out := make([]engine.EligibleIntegration, 0, len(supplied))
	for _, in := range supplied {
		rec, ok := byID[in.UUID]
		if !ok {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unknown integration "+in.UUID.String())
		}
		base := in.APIBase
		if base == "" {
			base = rec.BaseURL
		}
		out = append(out, engine.EligibleIntegration{
			UUID:    in.UUID,
			Name:    rec.Name,
			Headers: in.Headers,
			APIBase: base,
		})
	}
	return out, nil
}
