package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/model"
	"github.com/PuyokRfly/Audit-Playground/service"
)

const testContract = "pragma solidity ^0.8.0;\ncontract Vault { function f() public {} }\n"

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = data
	return nil
}

func (m *memStorage) GetFile(_ context.Context, objectName string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectName]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (m *memStorage) DeleteFile(_ context.Context, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectName)
	return nil
}

func (m *memStorage) GetPresignedURL(_ context.Context, objectName string) (string, error) {
	return "https://storage.test/" + objectName, nil
}

type stubAnalyzer struct {
	outcome service.AnalysisOutcome
}

func (s *stubAnalyzer) Run(_ context.Context, _ []byte, _ string) service.AnalysisOutcome {
	return s.outcome
}

// stubScorer returns outcomes in order, repeating the last one.
type stubScorer struct {
	mu       sync.Mutex
	outcomes []service.ScoreOutcome
}

func (s *stubScorer) Score(_ context.Context, _ json.RawMessage) service.ScoreOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return out
}

type stubWorkflow struct {
	err error
}

func (s *stubWorkflow) Enabled() bool { return true }

func (s *stubWorkflow) Trigger(_ context.Context, _ string, _ []byte) error { return s.err }

type stubGate struct {
	session *service.CheckoutSession
	err     error
	calls   int
}

func (s *stubGate) VerifyWebhook(http.Header, []byte, time.Time) (*service.PaymentEvent, error) {
	return nil, service.ErrInvalidSignature
}

func (s *stubGate) CreateCheckoutSession(_ context.Context, _ string) (*service.CheckoutSession, error) {
	s.calls++
	return s.session, s.err
}

func findings() service.AnalysisOutcome {
	return service.AnalysisOutcome{
		Kind:     service.AnalysisFindings,
		Findings: json.RawMessage(`{"success":true,"results":{"detectors":[{"check":"reentrancy-eth"}]}}`),
	}
}

func scored(score int, report string) service.ScoreOutcome {
	return service.ScoreOutcome{Kind: service.ScoreScored, Score: score, Report: report}
}

type testEnv struct {
	store        *service.MemoryStore
	storage      *memStorage
	analyzer     *stubAnalyzer
	scorer       *stubScorer
	orchestrator *service.Orchestrator
}

func newTestEnv(t *testing.T, workflow service.WorkflowNotifier, analysis service.AnalysisOutcome, scores ...service.ScoreOutcome) *testEnv {
	t.Helper()
	if len(scores) == 0 {
		scores = []service.ScoreOutcome{scored(42, "Ringkasan audit")}
	}
	env := &testEnv{
		store:    service.NewMemoryStore(0),
		storage:  newMemStorage(),
		analyzer: &stubAnalyzer{outcome: analysis},
		scorer:   &stubScorer{outcomes: scores},
	}
	env.orchestrator = service.NewOrchestrator(env.store, env.storage, env.analyzer, env.scorer, workflow,
		&config.ScoringConfig{MaxAttempts: 1}, time.Hour)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.orchestrator.Wait(ctx)
	})
	return env
}

// seed creates a pending submission owned by owner without dispatching it.
func (e *testEnv) seed(t *testing.T, owner string) *model.Submission {
	t.Helper()
	sub, err := e.orchestrator.Create(context.Background(), service.NewSubmission{
		FileName: "Vault.sol",
		Owner:    owner,
		Source:   []byte(testContract),
	})
	if err != nil {
		t.Fatalf("Failed to seed submission: %v", err)
	}
	return sub
}

func (e *testEnv) submission(t *testing.T, id string) *model.Submission {
	t.Helper()
	view, err := e.orchestrator.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load submission %s: %v", id, err)
	}
	return view.Submission
}

func (e *testEnv) count(t *testing.T) int {
	t.Helper()
	subs, err := e.store.ListSubmissions(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to list submissions: %v", err)
	}
	return len(subs)
}

// asUser stands in for AuthMiddleware.
func asUser(username string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("username", username)
		c.Next()
	}
}

func multipartRequest(t *testing.T, target, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		part.Write(content)
	}
	writer.Close()

	req := httptest.NewRequest("POST", target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}
