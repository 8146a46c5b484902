package service

import (
	"errors"
	"fmt"

	"github.com/PuyokRfly/Audit-Playground/model"
)

var (
	ErrNotFound          = errors.New("submission not found")
	ErrAlreadyInProgress = errors.New("analysis already in progress")
	ErrInvalidState      = errors.New("submission is not in a runnable state")
	ErrNotRescorable     = errors.New("submission has no unscored findings to re-score")
	ErrNoFindings        = errors.New("no findings recorded for submission")
)

// ErrorKind classifies analysis failures for callers and status codes.
type ErrorKind string

const (
	KindInfra           ErrorKind = "infra"
	KindTool            ErrorKind = "tool"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindTransport       ErrorKind = "transport"
)

// AnalysisError is returned by Analyze and Rescore once the submission has
// been moved to failed.
type AnalysisError struct {
	SubmissionID string
	Kind         ErrorKind
	Message      string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s error for submission %s: %s", e.Kind, e.SubmissionID, e.Message)
}

// Retryable reports whether re-invoking the same operation may succeed
// without the submitter changing anything.
func (e *AnalysisError) Retryable() bool {
	return e.Kind == KindInfra || e.Kind == KindTransport
}

// StoreError wraps a persistence failure. It is always fatal to the
// current call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// StatusConflictError is returned by a compare-and-set transition whose
// expected status did not match.
type StatusConflictError struct {
	ID      string
	Current model.Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("submission %s is %s", e.ID, e.Current)
}

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoFindings) {
		return err
	}
	var conflict *StatusConflictError
	if errors.As(err, &conflict) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
