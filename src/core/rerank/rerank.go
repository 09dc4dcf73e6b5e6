package rerank

import (
	"context"
	"sort"

	"docchat/src/core/retrieval"
	"docchat/src/log"
)

// Scorer is the external cross-encoder. It jointly scores (query, text)
// pairs and returns one relevance score in [0, 1] per input text, in order.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Reranker reorders retrieval candidates by cross-encoder relevance. It only
// reorders and drops; a chunk absent from the input never appears in the
// output. Scoring failure degrades to the retriever's combined-score order.
type Reranker struct {
	scorer Scorer
}

func New(scorer Scorer) *Reranker {
	return &Reranker{scorer: scorer}
}

// Rerank resorts candidates descending by cross-encoder score and truncates
// to topK. Equal scores keep their prior relative order. When disabled, the
// candidates pass through unchanged except for the truncation.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int, enabled bool) []retrieval.Candidate {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	if !enabled || len(candidates) == 0 {
		return truncate(candidates, topK)
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil || len(scores) != len(candidates) {
		if err != nil {
			log.Error(err, "cross-encoder scoring failed, keeping retrieval order")
		} else {
			log.Info("cross-encoder returned mismatched score count, keeping retrieval order",
				"want", len(candidates), "got", len(scores))
		}
		return truncate(candidates, topK)
	}

	type scored struct {
		candidate retrieval.Candidate
		score     float64
	}
	pairs := make([]scored, len(candidates))
	for i := range candidates {
		pairs[i] = scored{candidate: candidates[i], score: scores[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	reranked := make([]retrieval.Candidate, len(pairs))
	for i, p := range pairs {
		reranked[i] = p.candidate
	}
	return truncate(reranked, topK)
}

func truncate(candidates []retrieval.Candidate, topK int) []retrieval.Candidate {
	if len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}
