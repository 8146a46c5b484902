package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PuyokRfly/Audit-Playground/model"
)

// SubmissionStore is the durable record of submissions and their results.
// Every method is atomic for a single submission id.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, owner string) ([]*model.Submission, error)
	// TransitionStatus is a compare-and-set: it moves the submission to `to`
	// only if its current status is one of `from`, otherwise it returns a
	// *StatusConflictError carrying the observed status.
	TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, errMsg string) (*model.Submission, error)
	// ReclaimStale takes over a processing submission whose claim was last
	// touched before staleBefore, refreshing its timestamp. A fresh claim or
	// any other status gives a *StatusConflictError.
	ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*model.Submission, error)
	// FailStale moves every processing submission last touched before
	// staleBefore to failed and returns how many moved.
	FailStale(ctx context.Context, staleBefore time.Time, errMsg string) (int, error)
	// MarkPaid sets the payment dimension to paid. changed is false when the
	// submission was already paid.
	MarkPaid(ctx context.Context, id, paymentRef string) (changed bool, sub *model.Submission, err error)

	GetResult(ctx context.Context, submissionID string) (*model.AuditResult, error)
	// SaveFindings replaces the result row with fresh findings and no score.
	SaveFindings(ctx context.Context, submissionID string, findings json.RawMessage) error
	// SaveToolError replaces the result row with an explanatory record and
	// no findings.
	SaveToolError(ctx context.Context, submissionID, message string) error
	// SaveScore writes risk score and report in one update. It fails with
	// ErrNoFindings if no findings were persisted first.
	SaveScore(ctx context.Context, submissionID string, score int, report string) error
}

// MemoryStore is an in-process SubmissionStore for development and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	submissions    map[string]*model.Submission
	results        map[string]*model.AuditResult
	maxSubmissions int // Maximum submissions to keep, 0 = unlimited
}

// NewMemoryStore creates a store that keeps at most maxSubmissions records.
func NewMemoryStore(maxSubmissions int) *MemoryStore {
	if maxSubmissions < 0 {
		maxSubmissions = 0
	}
	return &MemoryStore{
		submissions:    make(map[string]*model.Submission),
		results:        make(map[string]*model.AuditResult),
		maxSubmissions: maxSubmissions,
	}
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[sub.ID]; exists {
		return &StoreError{Op: "create", Err: fmt.Errorf("submission %s already exists", sub.ID)}
	}

	now := time.Now()
	stored := sub.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.PaymentStatus == "" {
		stored.PaymentStatus = model.PaymentUnpaid
	}
	s.submissions[sub.ID] = stored

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

// ListSubmissions returns newest first. An empty owner lists everything.
func (s *MemoryStore) ListSubmissions(_ context.Context, owner string) ([]*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Submission
	for _, sub := range s.submissions {
		if owner == "" || sub.Owner == owner {
			result = append(result, sub.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, from []model.Status, to model.Status, errMsg string) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !to.Valid() {
		return nil, &StoreError{Op: "transition", Err: fmt.Errorf("unknown status %q", to)}
	}
	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, sub.Status) {
		return nil, &StatusConflictError{ID: id, Current: sub.Status}
	}

	sub.Status = to
	sub.ErrorMsg = errMsg
	sub.UpdatedAt = time.Now()
	return sub.Clone(), nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, id string, staleBefore time.Time) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sub.Status != model.StatusProcessing || !sub.UpdatedAt.Before(staleBefore) {
		return nil, &StatusConflictError{ID: id, Current: sub.Status}
	}

	sub.ErrorMsg = ""
	sub.UpdatedAt = time.Now()
	return sub.Clone(), nil
}

func (s *MemoryStore) FailStale(_ context.Context, staleBefore time.Time, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, sub := range s.submissions {
		if sub.Status == model.StatusProcessing && sub.UpdatedAt.Before(staleBefore) {
			sub.Status = model.StatusFailed
			sub.ErrorMsg = errMsg
			sub.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, id, paymentRef string) (bool, *model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return false, nil, ErrNotFound
	}
	if sub.IsPaid() {
		return false, sub.Clone(), nil
	}

	now := time.Now()
	sub.PaymentStatus = model.PaymentPaid
	sub.PaymentRef = paymentRef
	sub.PaidAt = &now
	sub.UpdatedAt = now
	return true, sub.Clone(), nil
}

func (s *MemoryStore) GetResult(_ context.Context, submissionID string) (*model.AuditResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[submissionID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) SaveFindings(_ context.Context, submissionID string, findings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[submissionID]; !ok {
		return ErrNotFound
	}
	s.putResult(submissionID, &model.AuditResult{
		RawFindings: append(json.RawMessage(nil), findings...),
	})
	return nil
}

func (s *MemoryStore) SaveToolError(_ context.Context, submissionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[submissionID]; !ok {
		return ErrNotFound
	}
	s.putResult(submissionID, &model.AuditResult{ToolError: message})
	return nil
}

func (s *MemoryStore) SaveScore(_ context.Context, submissionID string, score int, report string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[submissionID]
	if !ok || !r.HasFindings() {
		return ErrNoFindings
	}
	r.RiskScore = &score
	r.SummaryReport = &report
	r.UpdatedAt = time.Now()
	return nil
}

// putResult replaces the row for id, keeping its original creation time.
// Must be called with lock held.
func (s *MemoryStore) putResult(id string, r *model.AuditResult) {
	now := time.Now()
	r.SubmissionID = id
	r.CreatedAt = now
	if prev, ok := s.results[id]; ok {
		r.CreatedAt = prev.CreatedAt
	}
	r.UpdatedAt = now
	s.results[id] = r
}

// cleanupIfNeeded removes the oldest submissions once the store exceeds
// maxSubmissions. Claimed submissions are never evicted.
// Must be called with lock held.
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxSubmissions <= 0 || len(s.submissions) <= s.maxSubmissions {
		return
	}

	candidates := make([]*model.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if sub.Status != model.StatusProcessing {
			candidates = append(candidates, sub)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	removeCount := len(s.submissions) - s.maxSubmissions
	for i := 0; i < removeCount && i < len(candidates); i++ {
		slog.Info("auto-cleaning old submission",
			"submission_id", candidates[i].ID,
			"created_at", candidates[i].CreatedAt,
		)
		delete(s.submissions, candidates[i].ID)
		delete(s.results, candidates[i].ID)
	}
}
