package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the reconciliation report endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reports/reconciliation", h.Reconcile)
}

// Reconcile handles GET /v1/reports/reconciliation
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}
