package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/service"
)

// writeServiceError maps orchestrator errors onto status codes. Store and
// unknown errors are logged and reported without detail.
func writeServiceError(c *gin.Context, err error) {
	var analysisErr *service.AnalysisError
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
	case errors.Is(err, service.ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_in_progress"})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_state"})
	case errors.Is(err, service.ErrNotRescorable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "not_rescorable"})
	case errors.As(err, &analysisErr):
		status := http.StatusUnprocessableEntity
		if analysisErr.Retryable() {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"error":     analysisErr.Message,
			"code":      string(analysisErr.Kind),
			"retryable": analysisErr.Retryable(),
		})
	default:
		_ = c.Error(err)
		logger.Error(c.Request.Context(), "request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
