package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/auth"
	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/engine"
	"github.com/conduitworks/conduit/internal/index"
	"github.com/conduitworks/conduit/internal/ingest"
	"github.com/conduitworks/conduit/internal/telemetry"
	"github.com/conduitworks/conduit/provider"
)

const version = "0.1.0"

// Run wires every dependency and serves the API until the listener fails.
func Run(cfg *config.Config) error {
	e := newEcho()
	ctx := context.Background()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, "conduit", version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	_ = Migrate("file://migrations", dsn, "up", 0)
	st, err := catalog.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	prov, err := provider.New(cfg.LLM)
	if err != nil {
		return err
	}

	ix := index.New(index.Config{
		DenseModel:    cfg.LLM.Embedding.DenseModel,
		LateModel:     cfg.LLM.Embedding.LateModel,
		DenseWeight:   cfg.Retrieval.DenseWeight,
		LexicalWeight: cfg.Retrieval.LexicalWeight,
		LateWeight:    cfg.Retrieval.LateWeight,
		CandidatePool: cfg.Retrieval.CandidatePool,
	}, prov)

	ingestLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	ingestor := ingest.NewIngestor(ingest.NewParser(cfg.Ingest.MaxDepth), ix, ingestLogger)
	if cfg.Ingest.RefreshCron != "" {
		refresher, err := ingest.NewRefresher(ingestor, st, cfg.Ingest.RefreshCron, ingestLogger)
		if err != nil {
			return err
		}
		// Warm the index from registered sources, then keep it fresh.
		go func() {
			refresher.RefreshAll(ctx)
			if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
				ingestLogger.Printf("refresher stopped: %v", err)
			}
		}()
	}

	manuals := buildManualStore(cfg.Storage)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := engine.NewOrchestrator(
		cfg.Orchestrator,
		orchLogger,
		engine.NewIndexRetriever(ix, cfg.Retrieval.TopK),
		engine.NewLLMPlanner(cfg.LLM, prov, orchLogger),
		engine.NewLLMSelector(cfg.LLM, prov, orchLogger),
		engine.NewLLMSynthesizer(cfg.LLM, prov, orchLogger),
		engine.NewLLMSummarizer(cfg.LLM, prov, orchLogger),
		engine.NewLLMRephraser(cfg.LLM, prov),
		engine.NewHTTPProxyInvoker(cfg.General.DefaultTimeout),
		manuals,
	)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = cfg.General.JWTSecret
	}
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	(&AuthHandler{Store: st, Secret: []byte(secret)}).Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(auth.EchoMiddleware([]byte(secret)))
	(&RunsHandler{
		Orchestrator: orch,
		Directory:    st,
		Retriever:    engine.NewIndexRetriever(ix, cfg.Retrieval.TopK),
		Selector:     engine.NewLLMSelector(cfg.LLM, prov, orchLogger),
		Synthesizer:  engine.NewLLMSynthesizer(cfg.LLM, prov, orchLogger),
		Invoker:      engine.NewHTTPProxyInvoker(cfg.General.DefaultTimeout),
		Manuals:      manuals,
		Logger:       log.New(log.Writer(), "[RUN] ", log.LstdFlags),
	}).Register(protected.Group("/run"))
	(&IntegrationsHandler{Store: st, Ingestor: ingestor, Index: ix}).Register(protected.Group("/integrations"))

	return e.Start(cfg.Server.Address)
}

// newEcho builds the router with the shared middleware and the unified JSON
// error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	e.Use(requestMetrics)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

func buildManualStore(cfg config.StorageConfig) catalog.ManualStore {
	switch cfg.Manuals.Backend {
	case "filesystem":
		return &catalog.FSManualStore{Dir: cfg.Manuals.Dir}
	default:
		return catalog.NewRedisManualStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}
}

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "conduit_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "code"})

func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		route := c.Path()
		if route == "" {
			route = c.Request().URL.Path
		}
		code := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		httpRequestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
		return err
	}
}
