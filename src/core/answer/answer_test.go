package answer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/src/core/answer"
	"docchat/src/core/citation"
	"docchat/src/core/provider"
	"docchat/src/core/queryopt"
	"docchat/src/core/retrieval"
	"docchat/src/core/session"
)

type fakeOptimizer struct{}

func (fakeOptimizer) Optimize(ctx context.Context, question string, history []session.Message, expansion bool) queryopt.Query {
	return queryopt.Query{Raw: question}
}

type fakeRetriever struct {
	candidates []retrieval.Candidate
	err        error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, queries []string, opts retrieval.Options) ([]retrieval.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type passThroughReranker struct{}

func (passThroughReranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int, enabled bool) []retrieval.Candidate {
	if topK > 0 && len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(candidates []retrieval.Candidate) []citation.Citation {
	out := make([]citation.Citation, len(candidates))
	for i, c := range candidates {
		out[i] = citation.Citation{Filename: c.Filename, ChunkIndex: c.ChunkIndex, Score: c.CombinedScore, Preview: c.Text}
	}
	return out
}

type fakeRouter struct {
	tokens    []string
	model     string
	err       error
	streamErr error
	block     chan struct{} // when set, wait between tokens until closed
	gotPrompt provider.Prompt
}

func (f *fakeRouter) Complete(ctx context.Context, name string, prompt provider.Prompt) (string, string, error) {
	f.gotPrompt = prompt
	if f.err != nil {
		return "", "", f.err
	}
	return strings.Join(f.tokens, ""), f.model, nil
}

func (f *fakeRouter) Stream(ctx context.Context, name string, prompt provider.Prompt, onToken func(string) error) (string, error) {
	f.gotPrompt = prompt
	if f.streamErr != nil {
		return f.model, f.streamErr
	}
	for _, tok := range f.tokens {
		if f.block != nil {
			select {
			case <-ctx.Done():
				return f.model, ctx.Err()
			case <-f.block:
			}
		}
		if err := onToken(tok); err != nil {
			return f.model, err
		}
	}
	return f.model, nil
}

func testCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{DocID: 1, ChunkID: 10, ChunkIndex: 0, Filename: "handbook.txt", Text: "Employees receive 20 days of paid annual leave per year.", CombinedScore: 0.87},
	}
}

func newService(router answer.Router, retriever answer.Retriever, store session.Store) *answer.Service {
	return answer.NewService(fakeOptimizer{}, retriever, passThroughReranker{}, fakeAssembler{}, router, store)
}

func request() answer.Request {
	return answer.Request{
		UserID:   "u1",
		Question: "How many vacation days?",
		TopK:     5,
		Options:  answer.RAGOptions{HybridSearch: true, Reranking: true},
	}
}

func collect(t *testing.T, events <-chan answer.Event) []answer.Event {
	t.Helper()
	var out []answer.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamHappyPath(t *testing.T) {
	router := &fakeRouter{tokens: []string{"20 ", "days."}, model: "local"}
	store := session.NewMemoryStore(10)
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, store)

	events, err := svc.Stream(context.Background(), request())
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)

	assert.Equal(t, answer.EventCitations, got[0].Type, "citations come before the first token")
	var tokens []string
	for _, ev := range got[1 : len(got)-1] {
		require.Equal(t, answer.EventToken, ev.Type)
		tokens = append(tokens, ev.Data.(string))
	}
	assert.Equal(t, []string{"20 ", "days."}, tokens)
	assert.Equal(t, answer.EventDone, got[len(got)-1].Type)

	// The completed turn is recorded: user question then assistant answer.
	history, err := store.Read(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "20 days.", history[1].Content)
	require.Len(t, history[1].Citations, 1)
	assert.Equal(t, "handbook.txt", history[1].Citations[0].Filename)
}

func TestStreamPromptContainsContextAndQuestion(t *testing.T) {
	router := &fakeRouter{tokens: []string{"ok"}, model: "local"}
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, session.NewMemoryStore(10))

	events, err := svc.Stream(context.Background(), request())
	require.NoError(t, err)
	collect(t, events)

	assert.Contains(t, router.gotPrompt.User, "[Source 1] handbook.txt")
	assert.Contains(t, router.gotPrompt.User, "20 days of paid annual leave")
	assert.Contains(t, router.gotPrompt.User, "Question: How many vacation days?")
	assert.NotEmpty(t, router.gotPrompt.System)
}

func TestStreamRetrievalErrorIsTerminal(t *testing.T) {
	router := &fakeRouter{tokens: []string{"never"}, model: "local"}
	retriever := &fakeRetriever{err: retrieval.ErrIndexUnavailable}
	store := session.NewMemoryStore(10)
	svc := newService(router, retriever, store)

	events, err := svc.Stream(context.Background(), request())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, answer.EventError, got[0].Type)

	history, _ := store.Read(context.Background(), "u1", 0)
	assert.Empty(t, history, "failed turns record nothing")
}

func TestStreamCancellationEmitsNoDone(t *testing.T) {
	block := make(chan struct{})
	router := &fakeRouter{tokens: []string{"a ", "b ", "c"}, model: "local", block: block}
	store := session.NewMemoryStore(10)
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, store)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.Stream(ctx, request())
	require.NoError(t, err)

	// Let one token through, then abort mid-stream.
	block <- struct{}{}
	cancel()

	got := collect(t, events)
	for _, ev := range got {
		assert.NotEqual(t, answer.EventDone, ev.Type, "aborted streams must not emit done")
	}

	history, _ := store.Read(context.Background(), "u1", 0)
	for _, msg := range history {
		assert.NotEqual(t, session.RoleAssistant, msg.Role, "aborted turns must not record an assistant message")
	}
}

func TestStreamProviderFallbackKeepsCitations(t *testing.T) {
	// A real router whose only backend is unreachable: the offline answer
	// streams out, and citations computed by retrieval stay attached.
	router := provider.NewRouter("local", 1)
	router.Register(&deadBackend{})
	store := session.NewMemoryStore(10)
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, store)

	events, err := svc.Stream(context.Background(), request())
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, answer.EventCitations, got[0].Type)
	citations := got[0].Data.([]citation.Citation)
	require.Len(t, citations, 1)
	assert.Equal(t, "handbook.txt", citations[0].Filename)

	var b strings.Builder
	for _, ev := range got {
		if ev.Type == answer.EventToken {
			b.WriteString(ev.Data.(string))
		}
	}
	assert.Equal(t, provider.OfflineAnswer, b.String())

	last := got[len(got)-1]
	require.Equal(t, answer.EventDone, last.Type)
	assert.Equal(t, provider.OfflineModel, last.Data.(answer.DoneData).Model)
}

type deadBackend struct{}

func (deadBackend) Name() string { return "local" }
func (deadBackend) Complete(ctx context.Context, p provider.Prompt) (string, error) {
	return "", provider.ErrUnavailable
}
func (deadBackend) Stream(ctx context.Context, p provider.Prompt, onToken func(string) error) error {
	return provider.ErrUnavailable
}

func TestCompleteReturnsResult(t *testing.T) {
	router := &fakeRouter{tokens: []string{"The answer."}, model: "hosted"}
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, session.NewMemoryStore(10))

	result, err := svc.Complete(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "The answer.", result.Answer)
	assert.Equal(t, "hosted", result.Model)
	require.Len(t, result.Citations, 1)
}

func TestValidation(t *testing.T) {
	svc := newService(&fakeRouter{model: "local"}, &fakeRetriever{}, session.NewMemoryStore(10))

	_, err := svc.Stream(context.Background(), answer.Request{UserID: "u1", Question: "   "})
	assert.ErrorIs(t, err, answer.ErrEmptyQuestion)

	_, err = svc.Complete(context.Background(), answer.Request{Question: "q"})
	assert.ErrorIs(t, err, answer.ErrMissingUser)
}

func TestStreamMidStreamProviderErrorEmitsErrorEvent(t *testing.T) {
	router := &fakeRouter{streamErr: errors.New("stream torn down"), model: "local"}
	svc := newService(router, &fakeRetriever{candidates: testCandidates()}, session.NewMemoryStore(10))

	events, err := svc.Stream(context.Background(), request())
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, answer.EventError, last.Type)
}
