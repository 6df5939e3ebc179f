package index

import (
	"math"
	"sort"
)

type scoredRecord struct {
	rec     *record
	lexical float64
	dense   float64
	late    float64
	fused   float64
}

// normalize rescales one strategy's scores to [0,1] across the candidate set.
// A degenerate set (all scores equal) maps to 1.0 so the strategy neither
// rewards nor penalizes anyone.
func normalize(set []scoredRecord, field func(*scoredRecord) *float64) {
	if len(set) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range set {
		v := *field(&set[i])
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	for i := range set {
		p := field(&set[i])
		if span <= 0 {
			*p = 1.0
		} else {
			*p = (*p - lo) / span
		}
	}
}

// firstPass orders candidates by the dense+lexical portion of the fused score
// and keeps the top candidate pool for late-interaction re-scoring.
func firstPass(set []scoredRecord, cfg Config) []scoredRecord {
	sort.SliceStable(set, func(i, j int) bool {
		si := cfg.DenseWeight*set[i].dense + cfg.LexicalWeight*set[i].lexical
		sj := cfg.DenseWeight*set[j].dense + cfg.LexicalWeight*set[j].lexical
		if si != sj {
			return si > sj
		}
		if set[i].lexical != set[j].lexical {
			return set[i].lexical > set[j].lexical
		}
		return set[i].rec.seq < set[j].rec.seq
	})
	if len(set) > cfg.CandidatePool {
		set = set[:cfg.CandidatePool]
	}
	return set
}

// fuse computes the weighted-sum score and final ordering. Ties break on
// lexical score descending, then insertion order.
func fuse(set []scoredRecord, cfg Config) {
	for i := range set {
		set[i].fused = cfg.DenseWeight*set[i].dense +
			cfg.LexicalWeight*set[i].lexical +
			cfg.LateWeight*set[i].late
	}
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].fused != set[j].fused {
			return set[i].fused > set[j].fused
		}
		if set[i].lexical != set[j].lexical {
			return set[i].lexical > set[j].lexical
		}
		return set[i].rec.seq < set[j].rec.seq
	})
}

// cosine similarity between two vectors; 0 when either is empty or degenerate.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// maxSim is the late-interaction score: for each query window, the best
// cosine match among the document's windows, averaged over query windows.
func maxSim(query, doc [][]float32) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	var total float64
	for _, q := range query {
		best := math.Inf(-1)
		for _, d := range doc {
			if s := cosine(q, d); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(query))
}

// sortedRecords returns a shard's records in insertion order. Callers hold
// the shard lock.
func sortedRecords(records map[string]*record) []*record {
	out := make([]*record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
