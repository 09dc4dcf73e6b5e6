package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthStatus struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
	Default   string   `json:"default_provider"`
}

// CheckHealth godoc
// @Summary Check system health status
// @Tags system
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *Handler) CheckHealth(c *gin.Context) {
	sendJSON(c, http.StatusOK, HealthStatus{
		Status:    "ok",
		Providers: h.providers.Names(),
		Default:   h.providers.DefaultName(),
	})
}
