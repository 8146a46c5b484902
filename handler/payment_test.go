package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/model"
	"github.com/PuyokRfly/Audit-Playground/service"
)

const testWebhookSecret = "whsec_test"

func newPaymentRouter(h *PaymentHandler, username string) *gin.Engine {
	router := gin.New()
	router.POST("/api/payments/webhook", h.Webhook)
	router.POST("/api/payments/checkout", asUser(username), h.Checkout)
	return router
}

// signWebhook signs body the way the payment processor does.
func signWebhook(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func checkoutEvent(eventID, submissionID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","client_reference_id":%q}}}`,
		eventID, submissionID))
}

func TestPaymentHandlerCheckout(t *testing.T) {
	env := newTestEnv(t, nil, findings())
	own := env.seed(t, "alice")
	other := env.seed(t, "bob")
	paid := env.seed(t, "alice")
	if _, _, err := env.orchestrator.MarkPaid(context.Background(), paid.ID, "cs_old"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	tests := []struct {
		name           string
		body           string
		gate           *stubGate
		expectedStatus int
		expectGateCall bool
	}{
		{
			name:           "creates session",
			body:           `{"submission_id":"` + own.ID + `"}`,
			gate:           &stubGate{session: &service.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}},
			expectedStatus: http.StatusOK,
			expectGateCall: true,
		},
		{
			name:           "missing submission id",
			body:           `{}`,
			gate:           &stubGate{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "other owner",
			body:           `{"submission_id":"` + other.ID + `"}`,
			gate:           &stubGate{},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "already paid",
			body:           `{"submission_id":"` + paid.ID + `"}`,
			gate:           &stubGate{},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "processor failure",
			body:           `{"submission_id":"` + own.ID + `"}`,
			gate:           &stubGate{err: errors.New("payment API returned status 500")},
			expectedStatus: http.StatusBadGateway,
			expectGateCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newPaymentRouter(NewPaymentHandler(env.orchestrator, tt.gate), "alice")

			req := httptest.NewRequest("POST", "/api/payments/checkout", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if (tt.gate.calls > 0) != tt.expectGateCall {
				t.Errorf("Expected gate call=%v, got %d calls", tt.expectGateCall, tt.gate.calls)
			}
			if tt.expectedStatus == http.StatusOK {
				body := decodeBody(t, w)
				if body["url"] != "https://checkout.test/cs_1" {
					t.Errorf("Expected checkout url, got %v", body["url"])
				}
			}
		})
	}
}

func TestPaymentHandlerWebhook(t *testing.T) {
	env := newTestEnv(t, nil, findings())
	sub := env.seed(t, "alice")

	gate := service.NewStripeGate(&config.PaymentConfig{
		WebhookSecret:    testWebhookSecret,
		ToleranceSeconds: 300,
	})
	router := newPaymentRouter(NewPaymentHandler(env.orchestrator, gate), "")

	send := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(string(body)))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	body := checkoutEvent("evt_1", sub.ID)
	now := time.Now()

	t.Run("bad signature", func(t *testing.T) {
		w := send(body, signWebhook("wrong-secret", body, now))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
		if env.submission(t, sub.ID).IsPaid() {
			t.Error("Expected submission to stay unpaid")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		w := send(body, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		w := send(body, signWebhook(testWebhookSecret, body, now.Add(-time.Hour)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("applied then replayed", func(t *testing.T) {
		for i, want := range []string{service.PaymentApplied, service.PaymentReplayed} {
			w := send(body, signWebhook(testWebhookSecret, body, now))
			if w.Code != http.StatusOK {
				t.Fatalf("Delivery %d: expected status 200, got %d", i+1, w.Code)
			}
			if got := decodeBody(t, w)["result"]; got != want {
				t.Errorf("Delivery %d: expected result %s, got %v", i+1, want, got)
			}
		}

		paid := env.submission(t, sub.ID)
		if !paid.IsPaid() {
			t.Error("Expected submission to be paid")
		}
		if paid.Status != model.StatusPending {
			t.Errorf("Expected analysis status untouched, got %s", paid.Status)
		}
	})

	t.Run("unknown submission is acknowledged", func(t *testing.T) {
		unknown := checkoutEvent("evt_2", "missing-id")
		w := send(unknown, signWebhook(testWebhookSecret, unknown, now))
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if got := decodeBody(t, w)["result"]; got != service.PaymentIgnored {
			t.Errorf("Expected ignored, got %v", got)
		}
	})

	t.Run("other event types are ignored", func(t *testing.T) {
		other := []byte(`{"id":"evt_3","type":"payment_intent.created","data":{"object":{"id":"pi_1"}}}`)
		w := send(other, signWebhook(testWebhookSecret, other, now))
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if got := decodeBody(t, w)["result"]; got != service.PaymentIgnored {
			t.Errorf("Expected ignored, got %v", got)
		}
	})
}
