package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/src/core/citation"
	"docchat/src/core/provider"
	"docchat/src/core/queryopt"
	"docchat/src/core/retrieval"
	"docchat/src/core/session"
	"docchat/src/log"
)

// Validation failures are rejected before the pipeline starts; they have no
// side effects.
var (
	ErrEmptyQuestion = errors.New("question must not be empty")
	ErrMissingUser   = errors.New("user id is required")
)

// State names the stages of a single answer turn.
type State string

const (
	StateIdle       State = "IDLE"
	StateOptimizing State = "OPTIMIZING"
	StateRetrieving State = "RETRIEVING"
	StateReranking  State = "RERANKING"
	StatePrompting  State = "PROMPTING"
	StateStreaming  State = "STREAMING"
	StateDone       State = "DONE"
	StateError      State = "ERROR"
)

type EventType string

const (
	EventToken     EventType = "token"
	EventCitations EventType = "citations"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one frame of the streamed answer sequence. The sequence is
// finite and non-restartable: tokens, then citations if not already sent,
// then exactly one terminal done or error.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// DoneData is the payload of the terminal done event.
type DoneData struct {
	Model string `json:"model"`
}

// Request is one chat turn.
type Request struct {
	UserID   string
	Question string
	Provider string
	DocIDs   []int64
	TopK     int
	Options  RAGOptions
}

// RAGOptions toggle the optional pipeline stages per request.
type RAGOptions struct {
	QueryExpansion bool
	HybridSearch   bool
	Reranking      bool
}

// Result is the non-streamed response shape.
type Result struct {
	Answer    string              `json:"answer"`
	Citations []citation.Citation `json:"citations"`
	Model     string              `json:"model"`
}

// Optimizer is the query-optimization stage. It never fails.
type Optimizer interface {
	Optimize(ctx context.Context, question string, history []session.Message, expansion bool) queryopt.Query
}

// Retriever is the mandatory retrieval stage.
type Retriever interface {
	Retrieve(ctx context.Context, queries []string, opts retrieval.Options) ([]retrieval.Candidate, error)
}

// Reranker is the optional cross-encoder stage. It never fails.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int, enabled bool) []retrieval.Candidate
}

// Assembler converts the final candidates into citations.
type Assembler interface {
	Assemble(candidates []retrieval.Candidate) []citation.Citation
}

// Router dispatches the model call. Provider failures resolve to the
// offline answer inside the router, never to an error, except cancellation.
type Router interface {
	Complete(ctx context.Context, name string, prompt provider.Prompt) (string, string, error)
	Stream(ctx context.Context, name string, prompt provider.Prompt, onToken func(string) error) (string, error)
}

const defaultSystemPrompt = "You are a helpful assistant that answers questions about the " +
	"user's documents. Ground every answer in the provided context passages and reference " +
	"them by their [Source N] labels. If the passages do not contain the answer, say so " +
	"plainly instead of guessing."

// Service builds one Turn per request. Independent requests run independent
// turns; the only shared state is the read-mostly indexes behind the
// retriever.
type Service struct {
	optimizer     Optimizer
	retriever     Retriever
	reranker      Reranker
	assembler     Assembler
	router        Router
	sessions      session.Store
	historyWindow int
	systemPrompt  string
}

type ServiceOption func(*Service)

// WithHistoryWindow bounds the prior messages included in the prompt.
func WithHistoryWindow(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.historyWindow = n
		}
	}
}

// WithSystemPrompt overrides the default system instructions.
func WithSystemPrompt(prompt string) ServiceOption {
	return func(s *Service) {
		if prompt != "" {
			s.systemPrompt = prompt
		}
	}
}

func NewService(optimizer Optimizer, retriever Retriever, reranker Reranker, assembler Assembler, router Router, sessions session.Store, opts ...ServiceOption) *Service {
	s := &Service{
		optimizer:     optimizer,
		retriever:     retriever,
		reranker:      reranker,
		assembler:     assembler,
		router:        router,
		sessions:      sessions,
		historyWindow: queryopt.DefaultHistoryWindow,
		systemPrompt:  defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(req Request) error {
	if strings.TrimSpace(req.Question) == "" {
		return ErrEmptyQuestion
	}
	if strings.TrimSpace(req.UserID) == "" {
		return ErrMissingUser
	}
	return nil
}

// Stream runs the pipeline and delivers the answer as an event sequence.
// Validation errors are returned synchronously, before any side effect;
// later failures arrive as error events. The channel is closed when the
// turn ends, whatever the outcome. Canceling ctx stops the stream without
// a done event and without recording an assistant message.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	t := &turn{service: s, req: req, state: StateIdle}
	go func() {
		defer close(events)
		t.run(ctx, events)
	}()
	return events, nil
}

// Complete runs the pipeline without streaming and returns the final
// result.
func (s *Service) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	t := &turn{service: s, req: req, state: StateIdle}
	staged, err := t.prepare(ctx)
	if err != nil {
		return nil, err
	}

	t.to(StateStreaming)
	answer, model, err := s.router.Complete(ctx, t.req.Provider, staged.prompt)
	if err != nil {
		t.to(StateError)
		return nil, fmt.Errorf("model completion: %w", err)
	}

	t.to(StateDone)
	t.record(ctx, staged, answer)
	return &Result{Answer: answer, Citations: staged.citations, Model: model}, nil
}

// turn is the state machine for one in-flight request.
type turn struct {
	service *Service
	req     Request
	state   State
}

type staged struct {
	query     queryopt.Query
	history   []session.Message
	citations []citation.Citation
	prompt    provider.Prompt
}

func (t *turn) to(state State) {
	log.Debug("answer state transition", "from", string(t.state), "to", string(state))
	t.state = state
}

// prepare runs every stage before the model call. Optimizing and reranking
// degrade internally and never produce an error here; retrieval can.
func (t *turn) prepare(ctx context.Context) (*staged, error) {
	s := t.service

	t.to(StateOptimizing)
	history, err := s.sessions.Read(ctx, t.req.UserID, s.historyWindow)
	if err != nil {
		log.Error(err, "session read failed, continuing without history", "user", t.req.UserID)
		history = nil
	}
	query := s.optimizer.Optimize(ctx, t.req.Question, history, t.req.Options.QueryExpansion)

	t.to(StateRetrieving)
	candidates, err := s.retriever.Retrieve(ctx, query.Terms(), retrieval.Options{
		TopK:   t.req.TopK,
		Hybrid: t.req.Options.HybridSearch,
		DocIDs: t.req.DocIDs,
	})
	if err != nil {
		t.to(StateError)
		return nil, err
	}

	t.to(StateReranking)
	top := s.reranker.Rerank(ctx, query.Effective(), candidates, t.req.TopK, t.req.Options.Reranking)

	t.to(StatePrompting)
	citations := s.assembler.Assemble(top)
	prompt := t.buildPrompt(query, top, history)

	return &staged{
		query:     query,
		history:   history,
		citations: citations,
		prompt:    prompt,
	}, nil
}

func (t *turn) run(ctx context.Context, events chan<- Event) {
	staged, err := t.prepare(ctx)
	if err != nil {
		t.emit(ctx, events, Event{Type: EventError, Data: map[string]string{"message": err.Error()}})
		return
	}

	if !t.emit(ctx, events, Event{Type: EventCitations, Data: staged.citations}) {
		return
	}

	t.to(StateStreaming)
	var answer strings.Builder
	model, err := t.service.router.Stream(ctx, t.req.Provider, staged.prompt, func(token string) error {
		answer.WriteString(token)
		if !t.emit(ctx, events, Event{Type: EventToken, Data: token}) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Aborted mid-stream: no done frame, no assistant message.
			t.to(StateError)
			return
		}
		t.to(StateError)
		t.emit(ctx, events, Event{Type: EventError, Data: map[string]string{"message": err.Error()}})
		return
	}

	if !t.emit(ctx, events, Event{Type: EventDone, Data: DoneData{Model: model}}) {
		return
	}
	t.to(StateDone)
	t.record(ctx, staged, answer.String())
}

// emit sends one event unless the caller is gone.
func (t *turn) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- ev:
		return true
	}
}

// record appends the completed turn to the conversation store. Only reached
// for turns that finished; aborted turns never record an assistant message.
func (t *turn) record(ctx context.Context, staged *staged, answer string) {
	now := time.Now().UTC()
	userMsg := session.Message{
		MessageID: uuid.New().String(),
		Role:      session.RoleUser,
		Content:   t.req.Question,
		CreatedAt: now,
	}
	assistantMsg := session.Message{
		MessageID: uuid.New().String(),
		Role:      session.RoleAssistant,
		Content:   answer,
		Citations: staged.citations,
		CreatedAt: now,
	}

	if err := t.service.sessions.Append(ctx, t.req.UserID, userMsg); err != nil {
		log.Error(err, "failed to append user message", "user", t.req.UserID)
		return
	}
	if err := t.service.sessions.Append(ctx, t.req.UserID, assistantMsg); err != nil {
		log.Error(err, "failed to append assistant message", "user", t.req.UserID)
	}
}

func (t *turn) buildPrompt(query queryopt.Query, top []retrieval.Candidate, history []session.Message) provider.Prompt {
	var b strings.Builder

	if len(top) > 0 {
		b.WriteString("Context passages:\n")
		for i, c := range top {
			fmt.Fprintf(&b, "[Source %d] %s (part %d)", i+1, c.Filename, c.ChunkIndex+1)
			if c.Section != "" {
				fmt.Fprintf(&b, " - %s", c.Section)
			}
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(c.Text))
			b.WriteString("\n\n")
		}
	} else {
		b.WriteString("No relevant passages were found in the documents.\n\n")
	}

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s", query.Effective())

	return provider.Prompt{
		System: t.service.systemPrompt,
		User:   b.String(),
	}
}
