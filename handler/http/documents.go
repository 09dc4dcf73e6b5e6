package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docchat/src/infrastructure/job"
	"docchat/src/storage/postgres/documentctrl"
)

// IngestService runs the document ingestion pipeline. Stage only stores
// the raw text; a background job completes the indexing.
type IngestService interface {
	Ingest(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error)
	Stage(ctx context.Context, filename, category string, tags []string, content string) (*documentctrl.Document, error)
	Delete(ctx context.Context, docID int64) error
}

// Enqueuer schedules background ingestion of a staged document.
type Enqueuer interface {
	EnqueueIngest(ctx context.Context, docID int64) (*job.Job, error)
}

// DocumentService reads document metadata.
type DocumentService interface {
	GetByID(ctx context.Context, id int64) (*documentctrl.Document, error)
	List(ctx context.Context, limit, offset int) ([]documentctrl.Document, error)
	GetChunks(ctx context.Context, docID int64) ([]documentctrl.Chunk, error)
	UpdateMetadata(ctx context.Context, docID int64, category *string, tags []string) (*documentctrl.Document, error)
}

type createDocumentRequest struct {
	Filename string   `json:"filename" binding:"required"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Content  string   `json:"content" binding:"required"`
	Async    bool     `json:"async"`
}

// CreateDocument godoc
// @Summary Ingest a document
// @Tags documents
// @Accept json
// @Produce json
// @Param body body createDocumentRequest true "Document content and metadata"
// @Success 201 {object} documentctrl.Document
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /documents [post]
func (h *Handler) CreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	if req.Async && h.jobs != nil {
		doc, err := h.ingestService.Stage(c.Request.Context(), req.Filename, req.Category, req.Tags, req.Content)
		if err != nil {
			sendError(c, 0, err)
			return
		}
		if _, err := h.jobs.EnqueueIngest(c.Request.Context(), doc.ID); err != nil {
			sendError(c, 0, err)
			return
		}
		sendJSON(c, http.StatusAccepted, doc)
		return
	}

	doc, err := h.ingestService.Ingest(c.Request.Context(), req.Filename, req.Category, req.Tags, req.Content)
	if err != nil {
		sendError(c, 0, err)
		return
	}

	sendJSON(c, http.StatusCreated, doc)
}

// ListDocuments godoc
// @Summary List ingested documents
// @Tags documents
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Produce json
// @Success 200 {array} documentctrl.Document
// @Router /documents [get]
func (h *Handler) ListDocuments(c *gin.Context) {
	limit := 50
	offset := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	docs, err := h.documents.List(c.Request.Context(), limit, offset)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusOK, docs)
}

// GetDocument godoc
// @Summary Get one document's metadata
// @Tags documents
// @Param id path int true "Document ID"
// @Produce json
// @Success 200 {object} documentctrl.Document
// @Failure 404 {object} ErrorResponse
// @Router /documents/{id} [get]
func (h *Handler) GetDocument(c *gin.Context) {
	id, err := docID(c)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	doc, err := h.documents.GetByID(c.Request.Context(), id)
	if err != nil {
		sendError(c, 0, err)
		return
	}

	sendJSON(c, http.StatusOK, doc)
}

// GetDocumentChunks godoc
// @Summary Get the published chunks of a document
// @Tags documents
// @Param id path int true "Document ID"
// @Produce json
// @Success 200 {array} documentctrl.Chunk
// @Failure 404 {object} ErrorResponse
// @Router /documents/{id}/chunks [get]
func (h *Handler) GetDocumentChunks(c *gin.Context) {
	id, err := docID(c)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	if _, err := h.documents.GetByID(c.Request.Context(), id); err != nil {
		sendError(c, 0, err)
		return
	}

	chunks, err := h.documents.GetChunks(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusOK, chunks)
}

type updateDocumentRequest struct {
	Category *string  `json:"category"`
	Tags     []string `json:"tags"`
}

// UpdateDocument godoc
// @Summary Patch a document's category and tags
// @Tags documents
// @Accept json
// @Produce json
// @Param id path int true "Document ID"
// @Param body body updateDocumentRequest true "Fields to update"
// @Success 200 {object} documentctrl.Document
// @Failure 404 {object} ErrorResponse
// @Router /documents/{id} [patch]
func (h *Handler) UpdateDocument(c *gin.Context) {
	id, err := docID(c)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	var req updateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	doc, err := h.documents.UpdateMetadata(c.Request.Context(), id, req.Category, req.Tags)
	if err != nil {
		sendError(c, 0, err)
		return
	}

	sendJSON(c, http.StatusOK, doc)
}

// DeleteDocument godoc
// @Summary Delete a document and all derived data
// @Tags documents
// @Param id path int true "Document ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /documents/{id} [delete]
func (h *Handler) DeleteDocument(c *gin.Context) {
	id, err := docID(c)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	if err := h.ingestService.Delete(c.Request.Context(), id); err != nil {
		sendError(c, 0, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func docID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document id: %s", c.Param("id"))
	}
	return id, nil
}
