package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
)

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		fromCtx, _ := c.Request.Context().Value(logger.RequestIDKey).(string)
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c), "ctx": fromCtx})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	responseID := w.Header().Get("X-Request-ID")
	if responseID == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
	if !strings.Contains(w.Body.String(), `"ctx":"`+responseID+`"`) {
		t.Errorf("Expected request context to carry %s, got %s", responseID, w.Body.String())
	}
}

func TestRequestIDMiddlewareWithExistingID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})

	tests := []struct {
		name     string
		header   string
		keepSame bool
	}{
		{"short id is kept", "existing-request-id-123", true},
		{"oversized id is replaced", strings.Repeat("x", maxRequestIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("X-Request-ID", tt.header)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			responseID := w.Header().Get("X-Request-ID")
			if (responseID == tt.header) != tt.keepSame {
				t.Errorf("Expected keepSame=%v, got request ID '%s'", tt.keepSame, responseID)
			}
			if responseID == "" {
				t.Error("Expected X-Request-ID header to be set")
			}
		})
	}
}

func TestGetRequestIDEmpty(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	requestID := GetRequestID(c)
	if requestID != "" {
		t.Errorf("Expected empty string, got '%s'", requestID)
	}
}
