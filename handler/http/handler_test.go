package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/src/core/answer"
	"docchat/src/core/citation"
	"docchat/src/core/provider"
	"docchat/src/core/queryopt"
	"docchat/src/core/retrieval"
	"docchat/src/core/session"
	"docchat/src/infrastructure/job"
	"docchat/src/storage/postgres/documentctrl"
)

type stubOptimizer struct{}

func (stubOptimizer) Optimize(ctx context.Context, question string, history []session.Message, expansion bool) queryopt.Query {
	return queryopt.Query{Raw: question}
}

type stubRetriever struct {
	err         error
	sawDeadline bool
}

func (s *stubRetriever) Retrieve(ctx context.Context, queries []string, opts retrieval.Options) ([]retrieval.Candidate, error) {
	_, s.sawDeadline = ctx.Deadline()
	if s.err != nil {
		return nil, s.err
	}
	return []retrieval.Candidate{
		{DocID: 1, ChunkID: 10, Filename: "handbook.txt", Text: "20 days of leave.", CombinedScore: 0.9},
	}, nil
}

type stubReranker struct{}

func (stubReranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int, enabled bool) []retrieval.Candidate {
	return candidates
}

type stubAssembler struct{}

func (stubAssembler) Assemble(candidates []retrieval.Candidate) []citation.Citation {
	out := make([]citation.Citation, len(candidates))
	for i, c := range candidates {
		out[i] = citation.Citation{Filename: c.Filename, Score: c.CombinedScore, Preview: c.Text}
	}
	return out
}

type stubBackend struct{}

func (stubBackend) Name() string { return "local" }
func (stubBackend) Complete(ctx context.Context, p provider.Prompt) (string, error) {
	return "20 days.", nil
}
func (stubBackend) Stream(ctx context.Context, p provider.Prompt, onToken func(string) error) error {
	for _, tok := range []string{"20 ", "days."} {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

type stubIngest struct {
	deleted []int64
	err     error
}

func (s *stubIngest) Ingest(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &documentctrl.Document{ID: 1, Filename: filename, Category: category, Tags: tags, Status: documentctrl.StatusReady}, nil
}

func (s *stubIngest) Stage(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &documentctrl.Document{ID: 2, Filename: filename, Status: documentctrl.StatusPending}, nil
}

func (s *stubIngest) Delete(ctx context.Context, docID int64) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, docID)
	return nil
}

type stubDocuments struct {
	docs map[int64]*documentctrl.Document
}

func (s *stubDocuments) GetByID(ctx context.Context, id int64) (*documentctrl.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, documentctrl.ErrNotFound
	}
	return doc, nil
}

func (s *stubDocuments) List(ctx context.Context, limit, offset int) ([]documentctrl.Document, error) {
	var out []documentctrl.Document
	for _, doc := range s.docs {
		out = append(out, *doc)
	}
	return out, nil
}

func (s *stubDocuments) GetChunks(ctx context.Context, docID int64) ([]documentctrl.Chunk, error) {
	return []documentctrl.Chunk{{ID: 10, DocumentID: docID, Index: 0, Content: "20 days of leave."}}, nil
}

func (s *stubDocuments) UpdateMetadata(ctx context.Context, docID int64, category *string, tags []string) (*documentctrl.Document, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return nil, documentctrl.ErrNotFound
	}
	if category != nil {
		doc.Category = *category
	}
	if tags != nil {
		doc.Tags = tags
	}
	return doc, nil
}

type stubEnqueuer struct {
	enqueued []int64
}

func (s *stubEnqueuer) EnqueueIngest(ctx context.Context, docID int64) (*job.Job, error) {
	s.enqueued = append(s.enqueued, docID)
	return &job.Job{ID: 1, TaskType: job.TaskTypeIngestDocument, Status: job.StatusPending}, nil
}

func newTestRouter(t *testing.T, retrieverErr error) (*gin.Engine, *stubIngest, *stubDocuments) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	providers := provider.NewRouter("local", 1)
	providers.Register(stubBackend{})

	sessions := session.NewMemoryStore(10)
	svc := answer.NewService(
		stubOptimizer{},
		&stubRetriever{err: retrieverErr},
		stubReranker{},
		stubAssembler{},
		providers,
		sessions,
	)

	ingest := &stubIngest{}
	documents := &stubDocuments{docs: map[int64]*documentctrl.Document{
		1: {ID: 1, Filename: "handbook.txt", Status: documentctrl.StatusReady},
	}}

	h := NewHandler(svc, ingest, documents, sessions, providers, &stubEnqueuer{})
	r := gin.New()
	h.RegisterRoutes(r)
	return r, ingest, documents
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatCompletion(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "How many vacation days?",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result answer.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "20 days.", result.Answer)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "handbook.txt", result.Citations[0].Filename)
}

func TestChatStreaming(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "How many vacation days?",
		"stream":   true,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []answer.Event
	for _, line := range strings.Split(w.Body.String(), "\n\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "frame %q lacks data prefix", line)
		var ev answer.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, answer.EventCitations, events[0].Type)
	assert.Equal(t, answer.EventDone, events[len(events)-1].Type)
}

func TestChatUnknownProvider(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "q",
		"provider": "mystery",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
}

func TestChatMissingQuestion(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id": "u1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatBoundsPipelineWithDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)

	providers := provider.NewRouter("local", 1)
	providers.Register(stubBackend{})
	retriever := &stubRetriever{}
	sessions := session.NewMemoryStore(10)
	svc := answer.NewService(stubOptimizer{}, retriever, stubReranker{}, stubAssembler{}, providers, sessions)

	h := NewHandler(svc, &stubIngest{}, &stubDocuments{}, sessions, providers, &stubEnqueuer{})
	r := gin.New()
	h.RegisterRoutes(r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "How many vacation days do I get?",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, retriever.sawDeadline, "pipeline context must carry a deadline")
}

func TestChatUnknownDocumentID(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "q",
		"doc_ids":  []int64{999},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
}

func TestChatTopKOutOfRange(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "q",
		"top_k":    500,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatRetrievalFailure(t *testing.T) {
	r, _, _ := newTestRouter(t, retrieval.ErrIndexUnavailable)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "q",
	})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "RETRIEVAL_FAILED", resp.Code)
}

func TestChatHistory(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	// Run one chat turn so the session has messages.
	w := doJSON(t, r, http.MethodPost, "/api/v1/chat", map[string]interface{}{
		"user_id":  "u1",
		"question": "How many vacation days?",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/chat/history?user_id=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []session.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
}

func TestChatHistoryRequiresUser(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doJSON(t, r, http.MethodGet, "/api/v1/chat/history", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDocument(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"filename": "policy.txt",
		"category": "hr",
		"tags":     []string{"policy"},
		"content":  "Employees receive 20 days of paid annual leave.",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var doc documentctrl.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "policy.txt", doc.Filename)
	assert.Equal(t, documentctrl.StatusReady, doc.Status)
}

func TestCreateDocumentAsync(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"filename": "policy.txt",
		"content":  "Employees receive 20 days of paid annual leave.",
		"async":    true,
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var doc documentctrl.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, documentctrl.StatusPending, doc.Status)
}

func TestCreateDocumentValidation(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doJSON(t, r, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"filename": "policy.txt",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDocumentNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodGet, "/api/v1/documents/999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestUpdateDocument(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPatch, "/api/v1/documents/1", map[string]interface{}{
		"category": "benefits",
		"tags":     []string{"leave"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var doc documentctrl.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "benefits", doc.Category)
	assert.Equal(t, []string{"leave"}, doc.Tags)
}

func TestUpdateDocumentNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := doJSON(t, r, http.MethodPatch, "/api/v1/documents/42", map[string]interface{}{"category": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDocument(t *testing.T) {
	r, ingest, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/documents/1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{1}, ingest.deleted)
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, []string{"local"}, status.Providers)
	assert.Equal(t, "local", status.Default)
}
