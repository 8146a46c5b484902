package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/middleware"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/service"
)

const maxWebhookBytes = 1 << 20

type PaymentHandler struct {
	orchestrator *service.Orchestrator
	gate         service.PaymentGate
	now          func() time.Time
}

func NewPaymentHandler(orch *service.Orchestrator, gate service.PaymentGate) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orch,
		gate:         gate,
		now:          time.Now,
	}
}

type CheckoutRequest struct {
	SubmissionID string `json:"submission_id" binding:"required"`
}

// Checkout opens a payment session for one of the caller's submissions.
func (h *PaymentHandler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := logger.WithSubmission(c.Request.Context(), req.SubmissionID)
	view, err := h.orchestrator.Get(ctx, req.SubmissionID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if view.Submission.Owner != middleware.GetUsername(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
		return
	}
	if view.Submission.IsPaid() {
		c.JSON(http.StatusConflict, gin.H{"error": "Submission is already paid", "code": "already_paid"})
		return
	}

	session, err := h.gate.CreateCheckoutSession(ctx, req.SubmissionID)
	if err != nil {
		logger.Error(ctx, "failed to create checkout session", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create checkout session"})
		return
	}

	logger.Info(ctx, "checkout session created", "session_id", session.ID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"url":        session.URL,
	})
}

// Webhook receives payment processor events. The raw body is needed for
// signature verification, so it is read before any decoding.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if len(body) > maxWebhookBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	evt, err := h.gate.VerifyWebhook(c.Request.Header, body, h.now())
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			logger.Warn(ctx, "webhook signature rejected", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		logger.Warn(ctx, "webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	result, err := h.orchestrator.HandlePaymentEvent(ctx, evt)
	if err != nil {
		// A non-2xx makes the processor redeliver the event.
		logger.Error(ctx, "failed to apply payment event", "event_id", evt.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   result,
	})
}
