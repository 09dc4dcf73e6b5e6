package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"docchat/src/log"
)

// ErrIndexUnavailable marks a retrieval failure the pipeline cannot recover
// from. Optional stages degrade; retrieval does not.
var ErrIndexUnavailable = errors.New("retrieval index unavailable")

const (
	DefaultTopK             = 5
	DefaultRerankMultiplier = 3
	DefaultRelevanceFloor   = 0.3
	DefaultSemanticWeight   = 0.5
	DefaultKeywordWeight    = 0.5

	maxAttempts    = 2
	initialBackoff = 200 * time.Millisecond
)

// Match is a single scored hit returned by an index. Scores are normalized
// to [0, 1] by the index adapters.
type Match struct {
	DocID      int64
	ChunkID    int64
	ChunkIndex int
	Filename   string
	Section    string
	Text       string
	Score      float64
}

// Candidate is a deduped chunk reference carrying the component scores of
// both search paths. CombinedScore is always derivable from the component
// scores and the configured weights.
type Candidate struct {
	DocID         int64
	ChunkID       int64
	ChunkIndex    int
	Filename      string
	Section       string
	Text          string
	SemanticScore float64
	KeywordScore  float64
	CombinedScore float64
}

// Embedder turns query text into a vector. Backed by an external embedding
// service; calls are retried with backoff.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the semantic search path. The docIDs filter is applied by
// the index itself, before scoring. Matches below floor are not returned.
type VectorIndex interface {
	Query(ctx context.Context, vector []float32, k int, docIDs []int64, floor float64) ([]Match, error)
}

// KeywordIndex is the lexical search path.
type KeywordIndex interface {
	Search(ctx context.Context, query string, k int, docIDs []int64) ([]Match, error)
}

// DocumentFilter reports which of the given documents are published. A
// document being (re)ingested has index entries before its metadata row
// commits; its chunks must not surface until then.
type DocumentFilter interface {
	FilterReady(ctx context.Context, docIDs []int64) ([]int64, error)
}

// Options control a single retrieval call.
type Options struct {
	TopK   int
	Hybrid bool
	DocIDs []int64
}

// Retriever merges semantic and lexical candidate sets into one scored,
// deduped ranking.
type Retriever struct {
	embedder  Embedder
	vectors   VectorIndex
	keywords  KeywordIndex
	documents DocumentFilter

	semanticWeight   float64
	keywordWeight    float64
	relevanceFloor   float64
	rerankMultiplier int
}

type RetrieverOption func(*Retriever)

// WithWeights overrides the hybrid score weights.
func WithWeights(semantic, keyword float64) RetrieverOption {
	return func(r *Retriever) {
		r.semanticWeight = semantic
		r.keywordWeight = keyword
	}
}

// WithRelevanceFloor overrides the minimum semantic score kept.
func WithRelevanceFloor(floor float64) RetrieverOption {
	return func(r *Retriever) {
		r.relevanceFloor = floor
	}
}

// WithRerankMultiplier overrides the headroom factor applied before the
// reranker truncates to top_k.
func WithRerankMultiplier(m int) RetrieverOption {
	return func(r *Retriever) {
		r.rerankMultiplier = m
	}
}

func NewRetriever(embedder Embedder, vectors VectorIndex, keywords KeywordIndex, documents DocumentFilter, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder:         embedder,
		vectors:          vectors,
		keywords:         keywords,
		documents:        documents,
		semanticWeight:   DefaultSemanticWeight,
		keywordWeight:    DefaultKeywordWeight,
		relevanceFloor:   DefaultRelevanceFloor,
		rerankMultiplier: DefaultRerankMultiplier,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve runs every query variation through the semantic path and, when
// hybrid search is enabled, the lexical path. Results are deduped by chunk
// identity keeping the best component scores seen, scored with the
// configured weights, sorted descending and truncated to
// top_k * rerank multiplier.
func (r *Retriever) Retrieve(ctx context.Context, queries []string, opts Options) ([]Candidate, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: no query to execute", ErrIndexUnavailable)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	limit := topK * r.rerankMultiplier

	byChunk := make(map[int64]*Candidate)

	for _, q := range queries {
		semantic, err := r.semanticSearch(ctx, q, limit, opts.DocIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: semantic search: %v", ErrIndexUnavailable, err)
		}
		for _, m := range semantic {
			c := upsert(byChunk, m)
			if m.Score > c.SemanticScore {
				c.SemanticScore = m.Score
			}
		}

		if !opts.Hybrid {
			continue
		}
		lexical, err := r.keywordSearch(ctx, q, limit, opts.DocIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword search: %v", ErrIndexUnavailable, err)
		}
		for _, m := range lexical {
			c := upsert(byChunk, m)
			if m.Score > c.KeywordScore {
				c.KeywordScore = m.Score
			}
		}
	}

	candidates := make([]Candidate, 0, len(byChunk))
	for _, c := range byChunk {
		if opts.Hybrid {
			c.CombinedScore = r.semanticWeight*c.SemanticScore + r.keywordWeight*c.KeywordScore
		} else {
			c.CombinedScore = c.SemanticScore
		}
		candidates = append(candidates, *c)
	}

	candidates, err := r.dropUnpublished(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: document status: %v", ErrIndexUnavailable, err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CombinedScore != candidates[j].CombinedScore {
			return candidates[i].CombinedScore > candidates[j].CombinedScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	log.Debug("retrieval complete",
		"queries", len(queries),
		"hybrid", opts.Hybrid,
		"candidates", len(candidates))
	return candidates, nil
}

// dropUnpublished removes chunks whose document has not reached ready
// status, so a half-indexed document is never visible.
func (r *Retriever) dropUnpublished(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	seen := make(map[int64]bool)
	var docIDs []int64
	for _, c := range candidates {
		if !seen[c.DocID] {
			seen[c.DocID] = true
			docIDs = append(docIDs, c.DocID)
		}
	}

	readyIDs, err := r.documents.FilterReady(ctx, docIDs)
	if err != nil {
		return nil, err
	}
	ready := make(map[int64]bool, len(readyIDs))
	for _, id := range readyIDs {
		ready[id] = true
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if ready[c.DocID] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func upsert(byChunk map[int64]*Candidate, m Match) *Candidate {
	c, ok := byChunk[m.ChunkID]
	if !ok {
		c = &Candidate{
			DocID:      m.DocID,
			ChunkID:    m.ChunkID,
			ChunkIndex: m.ChunkIndex,
			Filename:   m.Filename,
			Section:    m.Section,
			Text:       m.Text,
		}
		byChunk[m.ChunkID] = c
	}
	return c
}

func (r *Retriever) semanticSearch(ctx context.Context, query string, k int, docIDs []int64) ([]Match, error) {
	var matches []Match
	err := withRetry(ctx, func() error {
		vector, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		matches, err = r.vectors.Query(ctx, vector, k, docIDs, r.relevanceFloor)
		return err
	})
	return matches, err
}

func (r *Retriever) keywordSearch(ctx context.Context, query string, k int, docIDs []int64) ([]Match, error) {
	var matches []Match
	err := withRetry(ctx, func() error {
		var err error
		matches, err = r.keywords.Search(ctx, query, k, docIDs)
		return err
	})
	return matches, err
}

// withRetry runs fn with bounded retries and exponential backoff. Index and
// embedder calls go over the network; a single transient failure should not
// fail the request.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		log.Debug("retrieval attempt failed", "attempt", attempt+1, "error", err.Error())
	}
	return err
}
