package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the analysis lifecycle of a submission.
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// PaymentStatus is tracked independently of Status so a payment can land
// before, during or after analysis without rewinding it.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// RunnableStatuses are the statuses analysis may be claimed from. Failed is
// included so a submitter can explicitly re-run.
var RunnableStatuses = []Status{StatusPending, StatusFailed}

// Runnable reports whether analysis may be claimed from this status.
func (s Status) Runnable() bool {
	return slices.Contains(RunnableStatuses, s)
}

// Valid reports whether s is a known analysis status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Submission represents one uploaded contract and its processing state
type Submission struct {
	ID            string        `json:"id"`
	FileName      string        `json:"file_name"`
	StoragePath   string        `json:"storage_path"`
	Owner         string        `json:"owner"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	ErrorMsg      string        `json:"error_msg,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// IsPaid reports whether premium content is unlocked.
func (s *Submission) IsPaid() bool {
	return s.PaymentStatus == PaymentPaid
}

// Clone returns a copy that shares no mutable state with s.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	if s.PaidAt != nil {
		t := *s.PaidAt
		out.PaidAt = &t
	}
	return &out
}

// AuditResult holds the artifacts of an analysis run. RiskScore and
// SummaryReport are either both set or both nil.
type AuditResult struct {
	SubmissionID  string          `json:"submission_id"`
	RawFindings   json.RawMessage `json:"raw_findings,omitempty"`
	ToolError     string          `json:"tool_error,omitempty"`
	RiskScore     *int            `json:"risk_score,omitempty"`
	SummaryReport *string         `json:"summary_report,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasFindings reports whether static analysis output was persisted.
func (r *AuditResult) HasFindings() bool {
	return r != nil && len(r.RawFindings) > 0
}

// Scored reports whether the score and report pair is present.
func (r *AuditResult) Scored() bool {
	return r != nil && r.RiskScore != nil && r.SummaryReport != nil
}

// Clone returns a deep copy of r.
func (r *AuditResult) Clone() *AuditResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.RawFindings != nil {
		out.RawFindings = append(json.RawMessage(nil), r.RawFindings...)
	}
	if r.RiskScore != nil {
		v := *r.RiskScore
		out.RiskScore = &v
	}
	if r.SummaryReport != nil {
		v := *r.SummaryReport
		out.SummaryReport = &v
	}
	return &out
}
