package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/conduitworks/conduit/internal/catalog"
)

// EndpointSink receives parsed endpoints; the hybrid index implements it.
type EndpointSink interface {
	Upsert(ctx context.Context, e catalog.Endpoint) error
}

// SourceStore is the slice of the catalog store the refresher needs.
type SourceStore interface {
	ListOpenAPISources(ctx context.Context) ([]catalog.OpenAPISource, error)
	TouchOpenAPISource(ctx context.Context, id int64) error
}

// Ingestor loads OpenAPI documents and indexes their endpoints.
type Ingestor struct {
	parser *Parser
	sink   EndpointSink
	logger *log.Logger
}

func NewIngestor(parser *Parser, sink EndpointSink, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{parser: parser, sink: sink, logger: logger}
}

// IngestURL loads a spec from a URL and indexes every endpoint it defines.
// Returns how many endpoints were indexed.
func (in *Ingestor) IngestURL(ctx context.Context, integrationID uuid.UUID, specURL string) (int, error) {
	eps, err := in.parser.ParseURL(ctx, integrationID, specURL)
	if err != nil {
		return 0, err
	}
	return in.indexAll(ctx, eps)
}

// IngestData indexes endpoints from an in-memory spec document.
func (in *Ingestor) IngestData(ctx context.Context, integrationID uuid.UUID, data []byte) (int, error) {
	eps, err := in.parser.ParseData(ctx, integrationID, data)
	if err != nil {
		return 0, err
	}
	return in.indexAll(ctx, eps)
}

func (in *Ingestor) indexAll(ctx context.Context, eps []catalog.Endpoint) (int, error) {
	for i, ep := range eps {
		if err := in.sink.Upsert(ctx, ep); err != nil {
			return i, fmt.Errorf("index %s: %w", ep.Identity(), err)
		}
	}
	return len(eps), nil
}

// Refresher periodically re-ingests every registered OpenAPI source so the
// index tracks upstream spec changes.
type Refresher struct {
	ingestor *Ingestor
	sources  SourceStore
	schedule *cronexpr.Expression
	logger   *log.Logger
}

func NewRefresher(ingestor *Ingestor, sources SourceStore, cronSpec string, logger *log.Logger) (*Refresher, error) {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("parse refresh cron %q: %w", cronSpec, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Refresher{ingestor: ingestor, sources: sources, schedule: expr, logger: logger}, nil
}

// Run blocks until ctx is cancelled, refreshing on each cron tick. A source
// that fails to refresh is logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		next := r.schedule.Next(time.Now())
		if next.IsZero() {
			return fmt.Errorf("refresh schedule has no future occurrence")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		r.RefreshAll(ctx)
	}
}

// RefreshAll re-ingests every registered source once.
func (r *Refresher) RefreshAll(ctx context.Context) {
	sources, err := r.sources.ListOpenAPISources(ctx)
	if err != nil {
		r.logger.Printf("[INGEST] listing sources: %v", err)
		return
	}
	for _, src := range sources {
		n, err := r.ingestor.IngestURL(ctx, src.IntegrationID, src.SourceURL)
		if err != nil {
			r.logger.Printf("[INGEST] refresh %s (%s): %v", src.SourceURL, src.IntegrationID, err)
			continue
		}
		if err := r.sources.TouchOpenAPISource(ctx, src.ID); err != nil {
			r.logger.Printf("[INGEST] touch %s: %v", src.SourceURL, err)
		}
		r.logger.Printf("[INGEST] refreshed %s: %d endpoints", src.SourceURL, n)
	}
}
