package index

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/catalog"
)

// wordEmbedder produces deterministic vectors: each word contributes to a
// bag-of-words hash vector, so texts sharing words end up nearby.
type wordEmbedder struct {
	calls int
}

func (w *wordEmbedder) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	w.calls++
	out := make([][]float32, len(input))
	for i, text := range input {
		vec := make([]float32, 32)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(word))
			vec[h.Sum32()%32]++
		}
		out[i] = vec
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		DenseModel:    "embed-test",
		DenseWeight:   0.5,
		LexicalWeight: 0.3,
		LateWeight:    0.2,
		CandidatePool: 20,
	}
}

func endpoint(integration uuid.UUID, method, path, desc string) catalog.Endpoint {
	return catalog.Endpoint{IntegrationID: integration, Method: method, Path: path, Description: desc}
}

func TestUpsertAndQuery(t *testing.T) {
	ix := New(testConfig(), &wordEmbedder{})
	integration := uuid.New()
	ctx := context.Background()

	eps := []catalog.Endpoint{
		endpoint(integration, "GET", "/invoices", "list all invoices for the account"),
		endpoint(integration, "POST", "/invoices", "create a new invoice"),
		endpoint(integration, "GET", "/customers", "list customers"),
	}
	for _, ep := range eps {
		if err := ix.Upsert(ctx, ep); err != nil {
			t.Fatalf("upsert %s: %v", ep.Identity(), err)
		}
	}
	if got := ix.Count(integration); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}

	got, err := ix.Query(ctx, "list invoices", []uuid.UUID{integration}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Endpoint.Identity() != "GET_/invoices" {
		t.Fatalf("top candidate = %s, want GET_/invoices", got[0].Endpoint.Identity())
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("results not sorted: %f > %f", got[i].Score, got[i-1].Score)
		}
	}
}

func TestUpsertIdempotent(t *testing.T) {
	emb := &wordEmbedder{}
	ix := New(testConfig(), emb)
	integration := uuid.New()
	ctx := context.Background()

	ep := endpoint(integration, "GET", "/orders", "list orders")
	if err := ix.Upsert(ctx, ep); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	callsAfterFirst := emb.calls
	if err := ix.Upsert(ctx, ep); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if emb.calls != callsAfterFirst {
		t.Fatalf("identical upsert re-embedded: %d calls, want %d", emb.calls, callsAfterFirst)
	}
	if got := ix.Count(integration); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	before, err := ix.Query(ctx, "orders", []uuid.UUID{integration}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := ix.Upsert(ctx, ep); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	after, err := ix.Query(ctx, "orders", []uuid.UUID{integration}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if before[0].Score != after[0].Score {
		t.Fatalf("ranking changed across identical upsert: %f vs %f", before[0].Score, after[0].Score)
	}
}

func TestUpsertReplacesChangedContent(t *testing.T) {
	ix := New(testConfig(), &wordEmbedder{})
	integration := uuid.New()
	ctx := context.Background()

	ep := endpoint(integration, "GET", "/reports", "weekly sales report")
	if err := ix.Upsert(ctx, ep); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ep.Description = "quarterly revenue report"
	if err := ix.Upsert(ctx, ep); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if got := ix.Count(integration); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	listed := ix.Endpoints(integration)
	if listed[0].Description != "quarterly revenue report" {
		t.Fatalf("description = %q, want updated text", listed[0].Description)
	}
}

func TestQueryFiltersBeforeRanking(t *testing.T) {
	ix := New(testConfig(), &wordEmbedder{})
	eligible := uuid.New()
	excluded := uuid.New()
	ctx := context.Background()

	// The excluded integration holds the perfect match.
	if err := ix.Upsert(ctx, endpoint(excluded, "GET", "/weather", "current weather forecast for a city")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := ix.Upsert(ctx, endpoint(eligible, "GET", "/news", "latest news headlines")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := ix.Query(ctx, "current weather forecast", []uuid.UUID{eligible}, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, c := range got {
		if c.Endpoint.IntegrationID == excluded {
			t.Fatalf("excluded integration leaked into results: %s", c.Endpoint.Identity())
		}
	}
}

func TestQueryEmptyEligibleSet(t *testing.T) {
	ix := New(testConfig(), &wordEmbedder{})
	integration := uuid.New()
	ctx := context.Background()
	if err := ix.Upsert(ctx, endpoint(integration, "GET", "/things", "list things")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := ix.Query(ctx, "things", nil, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates with empty eligible set, want 0", len(got))
	}
}

func TestTieBreakInsertionOrder(t *testing.T) {
	set := []scoredRecord{
		{rec: &record{seq: 2}, fused: 0.5, lexical: 0.1},
		{rec: &record{seq: 0}, fused: 0.5, lexical: 0.1},
		{rec: &record{seq: 1}, fused: 0.5, lexical: 0.4},
	}
	fuse(set, Config{}) // zero weights leave fused as computed: all 0
	if set[0].rec.seq != 1 {
		t.Fatalf("lexical tie-break failed, first seq = %d", set[0].rec.seq)
	}
	if set[1].rec.seq != 0 || set[2].rec.seq != 2 {
		t.Fatalf("insertion-order tie-break failed: %d, %d", set[1].rec.seq, set[2].rec.seq)
	}
}

func TestNormalize(t *testing.T) {
	set := []scoredRecord{{lexical: 2}, {lexical: 4}, {lexical: 8}}
	normalize(set, func(s *scoredRecord) *float64 { return &s.lexical })
	if set[0].lexical != 0 || set[2].lexical != 1 {
		t.Fatalf("normalize bounds: got %f..%f", set[0].lexical, set[2].lexical)
	}
	if math.Abs(set[1].lexical-(2.0/6.0)) > 1e-9 {
		t.Fatalf("normalize midpoint: got %f", set[1].lexical)
	}

	flat := []scoredRecord{{dense: 3}, {dense: 3}}
	normalize(flat, func(s *scoredRecord) *float64 { return &s.dense })
	if flat[0].dense != 1 || flat[1].dense != 1 {
		t.Fatalf("degenerate normalize: got %f, %f", flat[0].dense, flat[1].dense)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: %f", got)
	}
	if got := cosine(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector: %f", got)
	}
}

func TestMaxSim(t *testing.T) {
	query := [][]float32{{1, 0}, {0, 1}}
	doc := [][]float32{{1, 0}}
	got := maxSim(query, doc)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("maxsim = %f, want 0.5", got)
	}
	if maxSim(nil, doc) != 0 {
		t.Fatal("empty query should score 0")
	}
}

func TestTokenWindows(t *testing.T) {
	short := tokenWindows("list invoices")
	if len(short) != 1 || short[0] != "list invoices" {
		t.Fatalf("short text windows = %v", short)
	}
	long := tokenWindows("one two three four five six seven eight nine")
	if len(long) < 2 {
		t.Fatalf("long text should produce multiple windows, got %v", long)
	}
	last := long[len(long)-1]
	if !strings.HasSuffix(last, "nine") {
		t.Fatalf("last window should reach the end: %q", last)
	}
}
