package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
)

// WorkflowTokenHeader carries the shared secret on workflow callbacks.
const WorkflowTokenHeader = "X-Workflow-Token"

// WorkflowToken guards internal endpoints called back by the external
// workflow engine. An empty token rejects every request.
func WorkflowToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(WorkflowTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			logger.Warn(c.Request.Context(), "rejected workflow callback", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid workflow token"})
			return
		}
		c.Next()
	}
}
