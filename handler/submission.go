package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/middleware"
	"github.com/PuyokRfly/Audit-Playground/model"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/service"
)

// multipartOverhead is the slack allowed on top of upload.max_bytes for
// multipart boundaries and part headers.
const multipartOverhead = 64 << 10

type SubmissionHandler struct {
	orchestrator *service.Orchestrator
	upload       *config.UploadConfig
}

func NewSubmissionHandler(orch *service.Orchestrator, uploadCfg *config.UploadConfig) *SubmissionHandler {
	return &SubmissionHandler{
		orchestrator: orch,
		upload:       uploadCfg,
	}
}

// ResultResponse is the client view of an audit result. SummaryReport is
// withheld until the submission is paid.
type ResultResponse struct {
	RawFindings   json.RawMessage `json:"raw_findings,omitempty"`
	ToolError     string          `json:"tool_error,omitempty"`
	RiskScore     *int            `json:"risk_score,omitempty"`
	SummaryReport *string         `json:"summary_report,omitempty"`
	ReportLocked  bool            `json:"report_locked"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type SubmissionResponse struct {
	*model.Submission
	Result    *ResultResponse `json:"result,omitempty"`
	SourceURL string          `json:"source_url,omitempty"`
}

func newResultResponse(r *model.AuditResult, paid bool) *ResultResponse {
	if r == nil {
		return nil
	}
	resp := &ResultResponse{
		RawFindings: r.RawFindings,
		ToolError:   r.ToolError,
		RiskScore:   r.RiskScore,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Scored() {
		if paid {
			resp.SummaryReport = r.SummaryReport
		} else {
			resp.ReportLocked = true
		}
	}
	return resp
}

// Upload accepts a contract source file, stores it and starts analysis.
func (h *SubmissionHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.upload.MaxBytes+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	fileName := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if !h.allowedExtension(fileName) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Only " + strings.Join(h.upload.Extensions, ", ") + " files are allowed",
		})
		return
	}

	if header.Size > h.upload.MaxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File is too large"})
		return
	}
	source, err := io.ReadAll(io.LimitReader(file, h.upload.MaxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	if int64(len(source)) > h.upload.MaxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File is too large"})
		return
	}
	if len(bytes.TrimSpace(source)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is empty"})
		return
	}

	sub, err := h.orchestrator.Create(ctx, service.NewSubmission{
		FileName:    fileName,
		Owner:       middleware.GetUsername(c),
		ContentType: "text/plain; charset=utf-8",
		Source:      source,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	mode := h.orchestrator.Dispatch(ctx, sub, source)

	c.JSON(http.StatusCreated, gin.H{
		"id":                 sub.ID,
		"file_name":          sub.FileName,
		"status":             sub.Status,
		"payment_status":     sub.PaymentStatus,
		"dispatch":           mode,
		"workflow_triggered": mode == service.DispatchWorkflow,
	})
}

func (h *SubmissionHandler) allowedExtension(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, allowed := range h.upload.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// List returns the caller's submissions without result payloads.
func (h *SubmissionHandler) List(c *gin.Context) {
	subs, err := h.orchestrator.List(c.Request.Context(), middleware.GetUsername(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	result := make([]gin.H, len(subs))
	for i, sub := range subs {
		result[i] = gin.H{
			"id":             sub.ID,
			"file_name":      sub.FileName,
			"status":         sub.Status,
			"payment_status": sub.PaymentStatus,
			"created_at":     sub.CreatedAt.Format(time.RFC3339),
			"updated_at":     sub.UpdatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{"submissions": result})
}

// Get returns a submission with its result and a download link for the source.
func (h *SubmissionHandler) Get(c *gin.Context) {
	view, ok := h.ownedView(c)
	if !ok {
		return
	}

	resp := SubmissionResponse{
		Submission: view.Submission,
		Result:     newResultResponse(view.Result, view.Submission.IsPaid()),
	}
	url, err := h.orchestrator.SourceURL(c.Request.Context(), view.Submission)
	if err != nil {
		logger.Warn(logger.WithSubmission(c.Request.Context(), view.Submission.ID),
			"failed to presign source url", "error", err)
	} else {
		resp.SourceURL = url
	}

	c.JSON(http.StatusOK, resp)
}

// GetStatus returns the analysis and payment status of a submission.
// can_analyze tells the client whether an analyze call would be accepted.
func (h *SubmissionHandler) GetStatus(c *gin.Context) {
	view, ok := h.ownedView(c)
	if !ok {
		return
	}

	sub := view.Submission
	c.JSON(http.StatusOK, gin.H{
		"id":             sub.ID,
		"status":         sub.Status,
		"payment_status": sub.PaymentStatus,
		"error_msg":      sub.ErrorMsg,
		"can_analyze":    sub.Status.Runnable(),
	})
}

// Analyze runs the full pipeline for a pending or failed submission and
// waits for the outcome.
func (h *SubmissionHandler) Analyze(c *gin.Context) {
	if _, ok := h.ownedView(c); !ok {
		return
	}
	h.run(c, h.orchestrator.Analyze)
}

// Rescore re-runs scoring for a failed submission that kept its findings.
func (h *SubmissionHandler) Rescore(c *gin.Context) {
	if _, ok := h.ownedView(c); !ok {
		return
	}
	h.run(c, h.orchestrator.Rescore)
}

// InternalAnalyze is called by the workflow engine after a trigger.
// Ownership is not checked; the route is guarded by the workflow token.
func (h *SubmissionHandler) InternalAnalyze(c *gin.Context) {
	h.run(c, h.orchestrator.Analyze)
}

// run executes op detached from client disconnects; the analyzer and
// scorer carry their own timeouts.
func (h *SubmissionHandler) run(c *gin.Context, op func(context.Context, string) (*model.Submission, error)) {
	id := c.Param("id")
	ctx := context.WithoutCancel(c.Request.Context())

	if _, err := op(ctx, id); err != nil {
		writeServiceError(c, err)
		return
	}

	view, err := h.orchestrator.Get(ctx, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SubmissionResponse{
		Submission: view.Submission,
		Result:     newResultResponse(view.Result, view.Submission.IsPaid()),
	})
}

// ownedView loads the submission named by :id and hides it from callers
// that do not own it.
func (h *SubmissionHandler) ownedView(c *gin.Context) (*service.SubmissionView, bool) {
	view, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if view.Submission.Owner != middleware.GetUsername(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
		return nil, false
	}
	return view, true
}
