package queryopt

import (
	"context"
	"strings"

	"docchat/src/core/session"
)

// StaticStrategy is a rule-based expansion strategy that needs no model
// call. Useful when no language-model backend is configured, and as the
// deterministic baseline in tests.
type StaticStrategy struct {
	synonyms map[string]string
}

var defaultSynonyms = map[string]string{
	"vacation": "leave",
	"leave":    "vacation",
	"salary":   "pay",
	"pay":      "salary",
	"sick":     "illness",
	"policy":   "rules",
	"rules":    "policy",
	"days":     "allowance",
	"remote":   "work from home",
}

var questionPrefixes = []string{
	"how many", "how much", "how do", "how does", "what is", "what are",
	"when is", "when are", "where is", "where are", "who is", "can i",
	"do we", "does the", "is there",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true,
	"to": true, "in": true, "on": true, "do": true, "i": true,
	"we": true, "my": true, "our": true, "is": true, "are": true,
	"per": true,
}

func NewStaticStrategy() *StaticStrategy {
	return &StaticStrategy{synonyms: defaultSynonyms}
}

// Expand derives up to n rule-based variations: question-prefix stripping,
// synonym substitution, and a stopword-free keyword form.
func (s *StaticStrategy) Expand(ctx context.Context, query string, n int) ([]string, error) {
	lower := strings.ToLower(strings.TrimRight(strings.TrimSpace(query), "?!. "))

	var variations []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, lower) {
			return
		}
		for _, existing := range variations {
			if strings.EqualFold(existing, v) {
				return
			}
		}
		variations = append(variations, v)
	}

	stripped := lower
	for _, prefix := range questionPrefixes {
		if strings.HasPrefix(lower, prefix+" ") {
			stripped = strings.TrimSpace(strings.TrimPrefix(lower, prefix))
			add(stripped)
			break
		}
	}

	words := strings.Fields(stripped)
	substituted := make([]string, len(words))
	changed := false
	for i, w := range words {
		if syn, ok := s.synonyms[w]; ok {
			substituted[i] = syn
			changed = true
		} else {
			substituted[i] = w
		}
	}
	if changed {
		add(strings.Join(substituted, " "))
	}

	var keywords []string
	for _, w := range strings.Fields(lower) {
		if !stopwords[w] {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) > 0 && len(keywords) < len(strings.Fields(lower)) {
		add(strings.Join(keywords, " "))
	}

	if len(variations) > n {
		variations = variations[:n]
	}
	return variations, nil
}

// Rewrite is a no-op for the static strategy; returning an empty rewrite
// keeps the raw query.
func (s *StaticStrategy) Rewrite(ctx context.Context, query string, history []session.Message) (string, error) {
	return "", nil
}
