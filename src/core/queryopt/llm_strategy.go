package queryopt

import (
	"context"
	"fmt"
	"strings"

	"docchat/src/core/provider"
	"docchat/src/core/session"
)

const expandSystem = "You rephrase search queries. Given a question, produce alternate " +
	"phrasings that preserve its meaning but vary wording and synonyms. " +
	"Return one phrasing per line with no numbering and no commentary."

const rewriteSystem = "You rewrite conversational follow-up questions into standalone " +
	"search queries. Resolve pronouns and ellipsis using the conversation. " +
	"Return only the rewritten query."

// LLMStrategy generates variations and rewrites with a language-model call
// through the provider router. An offline fallback answer is treated as a
// failure so the optimizer degrades instead of retrieving with fallback
// boilerplate.
type LLMStrategy struct {
	router       *provider.Router
	providerName string
}

func NewLLMStrategy(router *provider.Router, providerName string) *LLMStrategy {
	return &LLMStrategy{
		router:       router,
		providerName: providerName,
	}
}

func (s *LLMStrategy) Expand(ctx context.Context, query string, n int) ([]string, error) {
	prompt := provider.Prompt{
		System: expandSystem,
		User:   fmt.Sprintf("Produce %d alternate phrasings of this query:\n%s", n, query),
	}

	answer, model, err := s.router.Complete(ctx, s.providerName, prompt)
	if err != nil {
		return nil, err
	}
	if model == provider.OfflineModel {
		return nil, fmt.Errorf("expansion model unavailable")
	}

	var variations []string
	for _, line := range strings.Split(answer, "\n") {
		line = cleanLine(line)
		if line == "" || strings.EqualFold(line, query) {
			continue
		}
		variations = append(variations, line)
		if len(variations) == n {
			break
		}
	}
	return variations, nil
}

func (s *LLMStrategy) Rewrite(ctx context.Context, query string, history []session.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}
	fmt.Fprintf(&transcript, "user: %s\n", query)

	prompt := provider.Prompt{
		System: rewriteSystem,
		User:   "Conversation:\n" + transcript.String() + "\nStandalone query:",
	}

	answer, model, err := s.router.Complete(ctx, s.providerName, prompt)
	if err != nil {
		return "", err
	}
	if model == provider.OfflineModel {
		return "", fmt.Errorf("rewrite model unavailable")
	}

	return cleanLine(strings.SplitN(answer, "\n", 2)[0]), nil
}

// cleanLine strips list markers and surrounding quotes from a model line.
func cleanLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-*0123456789.) ")
	return strings.Trim(line, `"'`)
}
