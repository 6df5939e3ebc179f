package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/catalog"
)

// Embedder is the slice of the LLM provider the index needs.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Config tunes the hybrid index.
type Config struct {
	DenseModel    string
	LateModel     string // empty disables late-interaction re-ranking
	DenseWeight   float64
	LexicalWeight float64
	LateWeight    float64
	CandidatePool int // first-pass pool re-scored by the late strategy
}

// Candidate is one ranked retrieval result.
type Candidate struct {
	Endpoint catalog.Endpoint
	Score    float64
	Lexical  float64
	Dense    float64
	Late     float64
}

// record is the stored form of one endpoint. Replaced wholesale on upsert so
// a reader never observes embeddings from mixed ingestion runs.
type record struct {
	endpoint    catalog.Endpoint
	intent      string
	contentHash string
	dense       []float32
	late        [][]float32
	seq         int
}

// shard holds one integration's endpoints: a mem-only bleve index for the
// lexical side plus in-memory vectors for the semantic sides.
type shard struct {
	mu      sync.RWMutex
	lexical bleve.Index
	records map[string]*record
	nextSeq int
}

// intentDoc is what the lexical index sees.
type intentDoc struct {
	Intent string `json:"intent"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Index is the hybrid endpoint index. Read-heavy; shards support concurrent
// readers and upserts are atomic per endpoint record.
type Index struct {
	cfg      Config
	embedder Embedder

	mu     sync.RWMutex
	shards map[uuid.UUID]*shard
}

// New creates an empty index.
func New(cfg Config, embedder Embedder) *Index {
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = 20
	}
	return &Index{
		cfg:      cfg,
		embedder: embedder,
		shards:   make(map[uuid.UUID]*shard),
	}
}

// IntentText renders the text an endpoint is embedded and searched under.
func IntentText(e catalog.Endpoint) string {
	return strings.TrimSpace(e.Method + " " + e.Path + "\n" + e.Description)
}

// Upsert stores or replaces one endpoint's embeddings and metadata, keyed by
// (integration UUID, endpoint identity). Re-upserting identical content is a
// no-op so rankings stay stable.
func (ix *Index) Upsert(ctx context.Context, e catalog.Endpoint) error {
	if e.IntegrationID == uuid.Nil {
		return fmt.Errorf("endpoint %s has no integration", e.Identity())
	}
	intent := IntentText(e)
	hash := contentHash(e, intent)

	sh, err := ix.shardFor(e.IntegrationID, true)
	if err != nil {
		return err
	}

	sh.mu.RLock()
	existing, ok := sh.records[e.Identity()]
	sh.mu.RUnlock()
	if ok && existing.contentHash == hash {
		return nil
	}

	// Embed outside the shard lock; the swap below is what must be atomic.
	dense, err := ix.embedOne(ctx, ix.cfg.DenseModel, intent)
	if err != nil {
		return fmt.Errorf("dense embedding: %w", err)
	}
	var late [][]float32
	if ix.cfg.LateModel != "" && ix.cfg.LateWeight > 0 {
		late, err = ix.embedder.Embed(ctx, ix.cfg.LateModel, tokenWindows(intent))
		if err != nil {
			return fmt.Errorf("late embedding: %w", err)
		}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := &record{
		endpoint:    e,
		intent:      intent,
		contentHash: hash,
		dense:       dense,
		late:        late,
	}
	if prev, ok := sh.records[e.Identity()]; ok {
		rec.seq = prev.seq
	} else {
		rec.seq = sh.nextSeq
		sh.nextSeq++
	}
	if err := sh.lexical.Index(e.Identity(), intentDoc{Intent: intent, Method: e.Method, Path: e.Path}); err != nil {
		return fmt.Errorf("lexical index: %w", err)
	}
	sh.records[e.Identity()] = rec
	return nil
}

// Delete removes one endpoint record, if present.
func (ix *Index) Delete(integrationID uuid.UUID, identity string) error {
	sh, err := ix.shardFor(integrationID, false)
	if err != nil || sh == nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[identity]; !ok {
		return nil
	}
	delete(sh.records, identity)
	return sh.lexical.Delete(identity)
}

// Count reports how many endpoints an integration has indexed.
func (ix *Index) Count(integrationID uuid.UUID) int {
	ix.mu.RLock()
	sh := ix.shards[integrationID]
	ix.mu.RUnlock()
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.records)
}

// Endpoints lists an integration's indexed endpoints in insertion order.
func (ix *Index) Endpoints(integrationID uuid.UUID) []catalog.Endpoint {
	ix.mu.RLock()
	sh := ix.shards[integrationID]
	ix.mu.RUnlock()
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]catalog.Endpoint, 0, len(sh.records))
	for _, rec := range sortedRecords(sh.records) {
		out = append(out, rec.endpoint)
	}
	return out
}

// Query returns up to topK endpoints across the eligible integrations,
// ranked by the fused hybrid score. Eligibility filtering happens before
// ranking: only eligible shards are searched at all.
func (ix *Index) Query(ctx context.Context, text string, eligible []uuid.UUID, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	var shards []*shard
	ix.mu.RLock()
	for _, id := range eligible {
		if sh, ok := ix.shards[id]; ok {
			shards = append(shards, sh)
		}
	}
	ix.mu.RUnlock()
	if len(shards) == 0 {
		return nil, nil
	}

	queryDense, err := ix.embedOne(ctx, ix.cfg.DenseModel, text)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	var scored []scoredRecord
	for _, sh := range shards {
		hits, err := ix.scoreShard(sh, text, queryDense)
		if err != nil {
			return nil, err
		}
		scored = append(scored, hits...)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	normalize(scored, func(s *scoredRecord) *float64 { return &s.lexical })
	normalize(scored, func(s *scoredRecord) *float64 { return &s.dense })

	pool := firstPass(scored, ix.cfg)
	if ix.cfg.LateModel != "" && ix.cfg.LateWeight > 0 {
		queryLate, err := ix.embedder.Embed(ctx, ix.cfg.LateModel, tokenWindows(text))
		if err != nil {
			return nil, fmt.Errorf("late query embedding: %w", err)
		}
		for i := range pool {
			pool[i].late = maxSim(queryLate, pool[i].rec.late)
		}
		normalize(pool, func(s *scoredRecord) *float64 { return &s.late })
	}

	fuse(pool, ix.cfg)
	if len(pool) > topK {
		pool = pool[:topK]
	}
	out := make([]Candidate, len(pool))
	for i, s := range pool {
		out[i] = Candidate{
			Endpoint: s.rec.endpoint,
			Score:    s.fused,
			Lexical:  s.lexical,
			Dense:    s.dense,
			Late:     s.late,
		}
	}
	return out, nil
}

func (ix *Index) shardFor(id uuid.UUID, create bool) (*shard, error) {
	ix.mu.RLock()
	sh := ix.shards[id]
	ix.mu.RUnlock()
	if sh != nil || !create {
		return sh, nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sh = ix.shards[id]; sh != nil {
		return sh, nil
	}
	lex, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("new lexical index: %w", err)
	}
	sh = &shard{lexical: lex, records: make(map[string]*record)}
	ix.shards[id] = sh
	return sh, nil
}

// scoreShard computes per-record lexical and dense scores for one shard.
func (ix *Index) scoreShard(sh *shard, text string, queryDense []float32) ([]scoredRecord, error) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if len(sh.records) == 0 {
		return nil, nil
	}

	lexScores := make(map[string]float64, len(sh.records))
	query := bleve.NewQueryStringQuery(text)
	searchReq := bleve.NewSearchRequestOptions(query, ix.cfg.CandidatePool, 0, false)
	res, err := sh.lexical.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	for _, hit := range res.Hits {
		lexScores[hit.ID] = hit.Score
	}

	out := make([]scoredRecord, 0, len(sh.records))
	for _, rec := range sortedRecords(sh.records) {
		out = append(out, scoredRecord{
			rec:     rec,
			lexical: lexScores[rec.endpoint.Identity()],
			dense:   cosine(queryDense, rec.dense),
		})
	}
	return out, nil
}

func (ix *Index) embedOne(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := ix.embedder.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return vecs[0], nil
}

func contentHash(e catalog.Endpoint, intent string) string {
	h := sha256.New()
	h.Write([]byte(e.IntegrationID.String()))
	h.Write([]byte{0})
	h.Write([]byte(e.Identity()))
	h.Write([]byte{0})
	h.Write([]byte(intent))
	return hex.EncodeToString(h.Sum(nil))
}

// tokenWindows splits text into small overlapping word windows, the unit the
// late-interaction strategy embeds and compares.
func tokenWindows(text string) []string {
	words := strings.Fields(text)
	const window = 6
	const stride = 3
	if len(words) <= window {
		return []string{strings.Join(words, " ")}
	}
	var out []string
	for start := 0; start < len(words); start += stride {
		end := start + window
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
