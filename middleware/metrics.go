package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/pkg/metrics"
)

// Metrics records request count and latency per route template. Requests
// that match no route are labelled "unmatched" to keep cardinality bounded.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestDuration.WithLabelValues(handler, method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
