package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docchat/src/core/answer"
	"docchat/src/core/provider"
	"docchat/src/core/retrieval"
	"docchat/src/core/session"
	"docchat/src/storage/postgres/documentctrl"
)

type Handler struct {
	answerService *answer.Service
	ingestService IngestService
	documents     DocumentService
	sessions      session.Store
	providers     *provider.Router
	jobs          Enqueuer
}

func NewHandler(answerService *answer.Service, ingestService IngestService, documents DocumentService, sessions session.Store, providers *provider.Router, jobs Enqueuer) *Handler {
	return &Handler{
		answerService: answerService,
		ingestService: ingestService,
		documents:     documents,
		sessions:      sessions,
		providers:     providers,
		jobs:          jobs,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")

	// Chat routes
	api.POST("/chat", h.Chat)
	api.GET("/chat/history", h.GetChatHistory)

	// Document routes
	api.GET("/documents", h.ListDocuments)
	api.POST("/documents", h.CreateDocument)
	api.GET("/documents/:id", h.GetDocument)
	api.GET("/documents/:id/chunks", h.GetDocumentChunks)
	api.PATCH("/documents/:id", h.UpdateDocument)
	api.DELETE("/documents/:id", h.DeleteDocument)

	// System routes
	api.GET("/health", h.CheckHealth)
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func sendError(c *gin.Context, status int, err error) {
	var code string
	switch {
	case errors.Is(err, answer.ErrEmptyQuestion) || errors.Is(err, answer.ErrMissingUser):
		code = "VALIDATION_ERROR"
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrUnknownProvider):
		code = "VALIDATION_ERROR"
		status = http.StatusBadRequest
	case errors.Is(err, documentctrl.ErrNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.Is(err, retrieval.ErrIndexUnavailable):
		code = "RETRIEVAL_FAILED"
		status = http.StatusServiceUnavailable
	default:
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if status == http.StatusBadRequest {
			code = "VALIDATION_ERROR"
		} else {
			code = "INTERNAL_ERROR"
		}
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
