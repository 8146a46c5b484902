package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PuyokRfly/Audit-Playground/model"
)

func seedSubmission(t *testing.T, store SubmissionStore, id, owner string, status model.Status) {
	t.Helper()
	err := store.CreateSubmission(context.Background(), &model.Submission{
		ID:          id,
		FileName:    id + ".sol",
		StoragePath: "submissions/" + id + ".sol",
		Owner:       owner,
		Status:      status,
	})
	if err != nil {
		t.Fatalf("Failed to seed submission %s: %v", id, err)
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()
	seedSubmission(t, store, "sub-1", "alice", model.StatusPending)

	got, err := store.GetSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if got.FileName != "sub-1.sol" {
		t.Errorf("Expected file name sub-1.sol, got %s", got.FileName)
	}
	if got.PaymentStatus != model.PaymentUnpaid {
		t.Errorf("Expected payment status unpaid, got %s", got.PaymentStatus)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	if _, err := store.GetSubmission(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore(0)
	seedSubmission(t, store, "dup", "", model.StatusPending)

	err := store.CreateSubmission(context.Background(), &model.Submission{ID: "dup", Status: model.StatusPending})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Errorf("Expected StoreError for duplicate id, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "copy", "", model.StatusPending)

	got, _ := store.GetSubmission(ctx, "copy")
	got.Status = model.StatusDone

	again, _ := store.GetSubmission(ctx, "copy")
	if again.Status != model.StatusPending {
		t.Errorf("Expected stored status pending, got %s", again.Status)
	}
}

func TestMemoryStoreListByOwner(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()
	base := time.Now()
	for i, owner := range []string{"alice", "alice", "bob"} {
		err := store.CreateSubmission(ctx, &model.Submission{
			ID:        fmt.Sprintf("s%d", i),
			Owner:     owner,
			Status:    model.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateSubmission failed: %v", err)
		}
	}

	tests := []struct {
		owner string
		want  int
	}{
		{"alice", 2},
		{"bob", 1},
		{"carol", 0},
		{"", 3},
	}
	for _, tt := range tests {
		got, err := store.ListSubmissions(ctx, tt.owner)
		if err != nil {
			t.Fatalf("ListSubmissions(%q) failed: %v", tt.owner, err)
		}
		if len(got) != tt.want {
			t.Errorf("Expected %d submissions for %q, got %d", tt.want, tt.owner, len(got))
		}
	}

	all, _ := store.ListSubmissions(ctx, "")
	if all[0].ID != "s2" {
		t.Errorf("Expected newest submission first, got %s", all[0].ID)
	}
}

func TestMemoryStoreTransitionStatus(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "t1", "", model.StatusPending)

	sub, err := store.TransitionStatus(ctx, "t1", []model.Status{model.StatusPending, model.StatusFailed}, model.StatusProcessing, "")
	if err != nil {
		t.Fatalf("Expected claim to succeed, got %v", err)
	}
	if sub.Status != model.StatusProcessing {
		t.Errorf("Expected processing, got %s", sub.Status)
	}

	_, err = store.TransitionStatus(ctx, "t1", []model.Status{model.StatusPending, model.StatusFailed}, model.StatusProcessing, "")
	var conflict *StatusConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected StatusConflictError, got %v", err)
	}
	if conflict.Current != model.StatusProcessing {
		t.Errorf("Expected conflict status processing, got %s", conflict.Current)
	}

	sub, err = store.TransitionStatus(ctx, "t1", []model.Status{model.StatusProcessing}, model.StatusFailed, "boom")
	if err != nil {
		t.Fatalf("Expected release to succeed, got %v", err)
	}
	if sub.ErrorMsg != "boom" {
		t.Errorf("Expected error message boom, got %q", sub.ErrorMsg)
	}

	if _, err := store.TransitionStatus(ctx, "missing", []model.Status{model.StatusPending}, model.StatusProcessing, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRejectsUnknownStatus(t *testing.T) {
	store := NewMemoryStore(0)
	seedSubmission(t, store, "u1", "", model.StatusPending)

	_, err := store.TransitionStatus(context.Background(), "u1", []model.Status{model.StatusPending}, model.Status("paid"), "")
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
}

func TestMemoryStoreReclaimStale(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "r1", "", model.StatusProcessing)
	seedSubmission(t, store, "r2", "", model.StatusFailed)

	_, err := store.ReclaimStale(ctx, "r1", time.Now().Add(-time.Hour))
	var conflict *StatusConflictError
	if !errors.As(err, &conflict) || conflict.Current != model.StatusProcessing {
		t.Fatalf("Expected fresh claim to conflict, got %v", err)
	}

	sub, err := store.ReclaimStale(ctx, "r1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Expected stale claim to be taken over, got %v", err)
	}
	if sub.Status != model.StatusProcessing {
		t.Errorf("Expected processing, got %s", sub.Status)
	}

	if _, err := store.ReclaimStale(ctx, "r2", time.Now().Add(time.Hour)); !errors.As(err, &conflict) || conflict.Current != model.StatusFailed {
		t.Errorf("Expected failed submission to conflict, got %v", err)
	}
	if _, err := store.ReclaimStale(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreFailStale(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "s1", "", model.StatusProcessing)
	seedSubmission(t, store, "s2", "", model.StatusProcessing)
	seedSubmission(t, store, "s3", "", model.StatusDone)

	n, err := store.FailStale(ctx, time.Now().Add(time.Second), "interrupted")
	if err != nil {
		t.Fatalf("FailStale failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 submissions failed, got %d", n)
	}
	for _, id := range []string{"s1", "s2"} {
		sub, _ := store.GetSubmission(ctx, id)
		if sub.Status != model.StatusFailed || sub.ErrorMsg != "interrupted" {
			t.Errorf("%s: expected failed/interrupted, got %s/%q", id, sub.Status, sub.ErrorMsg)
		}
	}
	if sub, _ := store.GetSubmission(ctx, "s3"); sub.Status != model.StatusDone {
		t.Errorf("Expected done submission untouched, got %s", sub.Status)
	}
}

func TestMemoryStoreConcurrentClaim(t *testing.T) {
	store := NewMemoryStore(0)
	seedSubmission(t, store, "race", "", model.StatusPending)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionStatus(context.Background(), "race",
				[]model.Status{model.StatusPending}, model.StatusProcessing, "")
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 successful claim, got %d", winners)
	}
}

func TestMemoryStoreMarkPaidIdempotent(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "p1", "", model.StatusDone)

	changed, sub, err := store.MarkPaid(ctx, "p1", "cs_1")
	if err != nil || !changed {
		t.Fatalf("Expected first MarkPaid to change state, got changed=%v err=%v", changed, err)
	}
	if !sub.IsPaid() || sub.PaidAt == nil {
		t.Error("Expected submission to be paid with PaidAt set")
	}
	if sub.Status != model.StatusDone {
		t.Errorf("Expected analysis status to stay done, got %s", sub.Status)
	}

	changed, sub, err = store.MarkPaid(ctx, "p1", "cs_2")
	if err != nil {
		t.Fatalf("Expected replay to succeed, got %v", err)
	}
	if changed {
		t.Error("Expected replay to report no change")
	}
	if sub.PaymentRef != "cs_1" {
		t.Errorf("Expected original payment ref cs_1, got %s", sub.PaymentRef)
	}

	if _, _, err := store.MarkPaid(ctx, "missing", "cs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreResults(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	seedSubmission(t, store, "r1", "", model.StatusProcessing)

	if err := store.SaveScore(ctx, "r1", 10, "early"); !errors.Is(err, ErrNoFindings) {
		t.Errorf("Expected ErrNoFindings before findings exist, got %v", err)
	}

	findings := json.RawMessage(`{"success":true,"results":{"detectors":[]}}`)
	if err := store.SaveFindings(ctx, "r1", findings); err != nil {
		t.Fatalf("SaveFindings failed: %v", err)
	}

	r, err := store.GetResult(ctx, "r1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r.Scored() {
		t.Error("Expected result to be unscored after SaveFindings")
	}
	if string(r.RawFindings) != string(findings) {
		t.Errorf("Expected findings to round-trip, got %s", r.RawFindings)
	}

	if err := store.SaveScore(ctx, "r1", 42, "moderate risk"); err != nil {
		t.Fatalf("SaveScore failed: %v", err)
	}
	r, _ = store.GetResult(ctx, "r1")
	if !r.Scored() || *r.RiskScore != 42 || *r.SummaryReport != "moderate risk" {
		t.Errorf("Expected score 42 with report, got %+v", r)
	}
	if string(r.RawFindings) != string(findings) {
		t.Error("Expected SaveScore to leave findings untouched")
	}

	if err := store.SaveToolError(ctx, "r1", "compilation failed"); err != nil {
		t.Fatalf("SaveToolError failed: %v", err)
	}
	r, _ = store.GetResult(ctx, "r1")
	if r.HasFindings() || r.Scored() {
		t.Error("Expected tool error record to carry no findings and no score")
	}
	if r.ToolError != "compilation failed" {
		t.Errorf("Expected tool error message, got %q", r.ToolError)
	}

	if err := store.SaveFindings(ctx, "missing", findings); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown submission, got %v", err)
	}
	if _, err := store.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing result, got %v", err)
	}
}

func TestMemoryStoreAutoCleanup(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		status := model.StatusDone
		if i == 0 {
			status = model.StatusProcessing
		}
		err := store.CreateSubmission(ctx, &model.Submission{
			ID:        fmt.Sprintf("c%d", i),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateSubmission failed: %v", err)
		}
	}

	if store.Count() != 3 {
		t.Errorf("Expected 3 submissions after cleanup, got %d", store.Count())
	}
	if _, err := store.GetSubmission(ctx, "c0"); err != nil {
		t.Error("Expected processing submission to survive cleanup")
	}
	if _, err := store.GetSubmission(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Error("Expected oldest idle submission to be removed")
	}
}

func TestMemoryStoreNoLimit(t *testing.T) {
	store := NewMemoryStore(0)
	for i := 0; i < 50; i++ {
		seedSubmission(t, store, fmt.Sprintf("n%d", i), "", model.StatusPending)
	}
	if store.Count() != 50 {
		t.Errorf("Expected 50 submissions with no limit, got %d", store.Count())
	}
}

// Count returns the number of submissions in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}
