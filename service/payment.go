package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuyokRfly/Audit-Playground/config"
)

const (
	stripeSignatureHeader = "Stripe-Signature"

	// EventCheckoutCompleted is the only event type that marks a submission paid.
	EventCheckoutCompleted = "checkout.session.completed"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// PaymentEvent is a verified webhook event reduced to what the core needs.
type PaymentEvent struct {
	ID           string
	Type         string
	SessionID    string
	SubmissionID string
}

// CheckoutSession is a hosted payment page for one submission.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentGate is the payment processor boundary.
type PaymentGate interface {
	VerifyWebhook(headers http.Header, body []byte, now time.Time) (*PaymentEvent, error)
	CreateCheckoutSession(ctx context.Context, submissionID string) (*CheckoutSession, error)
}

// StripeGate implements PaymentGate against the Stripe REST API.
type StripeGate struct {
	config     *config.PaymentConfig
	httpClient *http.Client
}

func NewStripeGate(cfg *config.PaymentConfig) *StripeGate {
	return &StripeGate{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the `t=<unix>,v1=<hex>` signature over "t.body" and
// the timestamp tolerance, then decodes the event.
func (g *StripeGate) VerifyWebhook(headers http.Header, body []byte, now time.Time) (*PaymentEvent, error) {
	if strings.TrimSpace(g.config.WebhookSecret) == "" {
		return nil, fmt.Errorf("webhook secret is not configured")
	}

	timestamp, signatures := parseStripeSignatureHeader(headers.Values(stripeSignatureHeader))
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 || len(signatures) == 0 {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(g.config.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	expected := mac.Sum(nil)

	valid := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	skew := now.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if g.config.ToleranceSeconds > 0 && skew > int64(g.config.ToleranceSeconds) {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	var evt stripeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	submissionID := strings.TrimSpace(evt.Data.Object.ClientReferenceID)
	if submissionID == "" {
		submissionID = strings.TrimSpace(evt.Data.Object.Metadata["submission_id"])
	}
	return &PaymentEvent{
		ID:           evt.ID,
		Type:         evt.Type,
		SessionID:    evt.Data.Object.ID,
		SubmissionID: submissionID,
	}, nil
}

// CreateCheckoutSession opens a one-off payment for the premium report.
func (g *StripeGate) CreateCheckoutSession(ctx context.Context, submissionID string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("client_reference_id", submissionID)
	form.Set("metadata[submission_id]", submissionID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", g.config.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(g.config.PriceCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", g.config.ProductName)
	form.Set("success_url", expandCheckoutURL(g.config.SuccessURL, submissionID))
	form.Set("cancel_url", expandCheckoutURL(g.config.CancelURL, submissionID))

	endpoint := strings.TrimSuffix(g.config.APIURL, "/") + "/v1/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "checkout-"+submissionID)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("payment API error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("payment API returned status %d", resp.StatusCode)
	}

	var session CheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if session.URL == "" {
		return nil, fmt.Errorf("payment API returned a session without url")
	}
	return &session, nil
}

// expandCheckoutURL fills {SUBMISSION_ID}; {CHECKOUT_SESSION_ID} is left for
// the processor to substitute.
func expandCheckoutURL(raw, submissionID string) string {
	return strings.ReplaceAll(raw, "{SUBMISSION_ID}", url.PathEscape(submissionID))
}

func parseStripeSignatureHeader(values []string) (string, []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(joined, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch {
		case k == "t" && t == "":
			t = val
		case k == "v1" && val != "":
			v1 = append(v1, val)
		}
	}
	return t, v1
}
