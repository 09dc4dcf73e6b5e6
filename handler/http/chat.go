package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"docchat/src/core/answer"
	"docchat/src/core/provider"
	"docchat/src/log"
)

const (
	// maxChatTopK bounds how many sources one question may request.
	maxChatTopK = 50
	// chatTimeout bounds the whole answer pipeline for one request,
	// covering index, cross-encoder and provider calls.
	chatTimeout = 120 * time.Second
)

type chatOptions struct {
	QueryExpansion *bool `json:"query_expansion"`
	HybridSearch   *bool `json:"hybrid_search"`
	Reranking      *bool `json:"reranking"`
}

type chatRequest struct {
	UserID   string      `json:"user_id" binding:"required"`
	Question string      `json:"question" binding:"required"`
	Provider string      `json:"provider"`
	DocIDs   []int64     `json:"doc_ids"`
	TopK     int         `json:"top_k"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options"`
}

// The optional stages default to on; a request can switch each off.
func (r chatRequest) ragOptions() answer.RAGOptions {
	opts := answer.RAGOptions{QueryExpansion: true, HybridSearch: true, Reranking: true}
	if r.Options.QueryExpansion != nil {
		opts.QueryExpansion = *r.Options.QueryExpansion
	}
	if r.Options.HybridSearch != nil {
		opts.HybridSearch = *r.Options.HybridSearch
	}
	if r.Options.Reranking != nil {
		opts.Reranking = *r.Options.Reranking
	}
	return opts
}

// Chat godoc
// @Summary Ask a question about the ingested documents
// @Tags chat
// @Accept json
// @Produce json
// @Param body body chatRequest true "Chat parameters"
// @Success 200 {object} answer.Result
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /chat [post]
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	if req.Provider != "" && !h.providers.Has(req.Provider) {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, req.Provider))
		return
	}
	if req.TopK < 0 || req.TopK > maxChatTopK {
		sendError(c, http.StatusBadRequest, fmt.Errorf("top_k must be between 0 and %d", maxChatTopK))
		return
	}
	for _, id := range req.DocIDs {
		if _, err := h.documents.GetByID(c.Request.Context(), id); err != nil {
			sendError(c, http.StatusBadRequest, fmt.Errorf("unknown document id %d", id))
			return
		}
	}

	answerReq := answer.Request{
		UserID:   req.UserID,
		Question: req.Question,
		Provider: req.Provider,
		DocIDs:   req.DocIDs,
		TopK:     req.TopK,
		Options:  req.ragOptions(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), chatTimeout)
	defer cancel()

	if req.Stream || c.GetHeader("Accept") == "text/event-stream" {
		h.streamChat(ctx, c, answerReq)
		return
	}

	result, err := h.answerService.Complete(ctx, answerReq)
	if err != nil {
		sendError(c, 0, err)
		return
	}

	sendJSON(c, http.StatusOK, result)
}

// streamChat delivers the answer as server-sent events, one frame per
// pipeline event. Frames are written as "data: <json>\n\n"; the stream
// ends after the terminal done or error frame, or silently when the
// client goes away.
func (h *Handler) streamChat(ctx context.Context, c *gin.Context, req answer.Request) {
	events, err := h.answerService.Stream(ctx, req)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for ev := range events {
		frame, err := json.Marshal(ev)
		if err != nil {
			log.Error(err, "failed to marshal stream event")
			return
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
			// Client disconnected; the pipeline stops via request context.
			return
		}
		c.Writer.Flush()
	}
}

// GetChatHistory godoc
// @Summary Get chat history
// @Tags chat
// @Param user_id query string true "User ID"
// @Param limit query int false "Maximum number of messages"
// @Produce json
// @Success 200 {array} session.Message
// @Failure 400 {object} ErrorResponse
// @Router /chat/history [get]
func (h *Handler) GetChatHistory(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		sendError(c, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			sendError(c, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	history, err := h.sessions.Read(c.Request.Context(), userID, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusOK, history)
}
