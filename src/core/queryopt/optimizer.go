package queryopt

import (
	"context"
	"strings"

	"docchat/src/core/session"
	"docchat/src/log"
)

const (
	DefaultExpansions    = 3
	DefaultHistoryWindow = 6
)

// Strategy produces query variations and context-complete rewrites. Both
// operations may fail; the optimizer recovers from every failure.
type Strategy interface {
	// Expand returns up to n alternate phrasings of query.
	Expand(ctx context.Context, query string, n int) ([]string, error)
	// Rewrite collapses the query plus recent history into one standalone
	// query, resolving pronouns and ellipsis.
	Rewrite(ctx context.Context, query string, history []session.Message) (string, error)
}

// Query is the optimizer's output for a single request.
type Query struct {
	Raw        string
	Rewritten  string
	Variations []string
}

// Effective returns the query used for reranking and prompting: the rewrite
// when one was produced, the raw text otherwise.
func (q Query) Effective() string {
	if q.Rewritten != "" {
		return q.Rewritten
	}
	return q.Raw
}

// Terms returns every query string retrieval should execute. The effective
// query always comes first.
func (q Query) Terms() []string {
	terms := []string{q.Effective()}
	for _, v := range q.Variations {
		v = strings.TrimSpace(v)
		if v != "" && !strings.EqualFold(v, terms[0]) {
			terms = append(terms, v)
		}
	}
	return terms
}

// Optimizer runs the optional query-optimization stage. It never aborts the
// pipeline: any internal failure degrades silently to the raw query.
type Optimizer struct {
	strategy      Strategy
	expansions    int
	rewriteOn     bool
	historyWindow int
}

type Option func(*Optimizer)

// WithExpansions sets how many variations expansion generates.
func WithExpansions(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.expansions = n
		}
	}
}

// WithAutoRewrite toggles history-aware query rewriting.
func WithAutoRewrite(on bool) Option {
	return func(o *Optimizer) {
		o.rewriteOn = on
	}
}

// WithHistoryWindow bounds how many prior messages the rewrite considers.
func WithHistoryWindow(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.historyWindow = n
		}
	}
}

func NewOptimizer(strategy Strategy, opts ...Option) *Optimizer {
	o := &Optimizer{
		strategy:      strategy,
		expansions:    DefaultExpansions,
		rewriteOn:     true,
		historyWindow: DefaultHistoryWindow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize applies auto-rewrite (when enabled and history exists) and query
// expansion (when requested). With both disabled the raw question passes
// through unchanged.
func (o *Optimizer) Optimize(ctx context.Context, question string, history []session.Message, expansion bool) Query {
	q := Query{Raw: question}
	if o.strategy == nil {
		return q
	}

	if o.rewriteOn && len(history) > 0 {
		window := history
		if len(window) > o.historyWindow {
			window = window[len(window)-o.historyWindow:]
		}
		rewritten, err := o.strategy.Rewrite(ctx, question, window)
		if err != nil {
			log.Debug("query rewrite failed, keeping raw query", "error", err.Error())
		} else if s := strings.TrimSpace(rewritten); s != "" {
			q.Rewritten = s
		}
	}

	if expansion {
		variations, err := o.strategy.Expand(ctx, q.Effective(), o.expansions)
		if err != nil {
			log.Debug("query expansion failed, keeping raw query", "error", err.Error())
		} else if len(variations) > o.expansions {
			q.Variations = variations[:o.expansions]
		} else {
			q.Variations = variations
		}
	}

	return q
}
