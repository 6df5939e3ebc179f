package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/index"
	"github.com/conduitworks/conduit/internal/ingest"
)

type IntegrationsHandler struct {
	Store    *catalog.Store
	Ingestor *ingest.Ingestor
	Index    *index.Index
}

func (h *IntegrationsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:uuid", h.get)
	g.POST("/:uuid/openapi", h.ingestOpenAPI)
	g.GET("/:uuid/endpoints", h.endpoints)
}

type createIntegrationRequest struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Icon          string          `json:"icon"`
	BaseURL       string          `json:"base_url"`
	RateLimit     int             `json:"rate_limit"`
	AuthStructure json.RawMessage `json:"auth_structure"`
}

func (h *IntegrationsHandler) create(c echo.Context) error {
	var req createIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	in, err := h.Store.CreateIntegration(c.Request().Context(), req.Name, req.Description, req.Icon, req.BaseURL, req.RateLimit, req.AuthStructure)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, in)
}

func (h *IntegrationsHandler) list(c echo.Context) error {
	out, err := h.Store.ListAllIntegrations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *IntegrationsHandler) get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid uuid")
	}
	in, ok, err := h.Store.GetIntegration(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	return c.JSON(http.StatusOK, in)
}

type ingestOpenAPIRequest struct {
	SourceURL string `json:"source_url"`
}

// ingestOpenAPI indexes an integration's endpoints from an OpenAPI document,
// either a registered URL (re-fetched on the refresh schedule) or a document
// posted inline as the request body.
func (h *IntegrationsHandler) ingestOpenAPI(c echo.Context) error {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid uuid")
	}
	ctx := c.Request().Context()
	if _, ok, err := h.Store.GetIntegration(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var count int
	var req ingestOpenAPIRequest
	if json.Unmarshal(body, &req) == nil && req.SourceURL != "" {
		count, err = h.Ingestor.IngestURL(ctx, id, req.SourceURL)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		if err := h.Store.RegisterOpenAPISource(ctx, id, req.SourceURL); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	} else {
		count, err = h.Ingestor.IngestData(ctx, id, body)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"indexed": count})
}

func (h *IntegrationsHandler) endpoints(c echo.Context) error {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid uuid")
	}
	return c.JSON(http.StatusOK, h.Index.Endpoints(id))
}
