package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/index"
)

// IndexRetriever wraps the hybrid index with a small fixed candidate count.
// Keeping the count low is what keeps LLM-based selection reliable when the
// catalog holds hundreds of endpoints.
type IndexRetriever struct {
	index *index.Index
	topK  int
}

func NewIndexRetriever(ix *index.Index, topK int) *IndexRetriever {
	if topK <= 0 {
		topK = 3
	}
	return &IndexRetriever{index: ix, topK: topK}
}

// Retrieve returns up to topK ranked candidates among the eligible
// integrations. Zero candidates is a soft miss, not an error.
func (r *IndexRetriever) Retrieve(ctx context.Context, goal string, eligible []uuid.UUID) ([]index.Candidate, error) {
	if len(eligible) == 0 {
		return nil, nil
	}
	return r.index.Query(ctx, goal, eligible, r.topK)
}
