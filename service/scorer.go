package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/pkg/metrics"
)

const maxScoreResponseBytes = 4 << 20

// Scorer turns findings into a risk score and report.
type Scorer interface {
	Score(ctx context.Context, findings json.RawMessage) ScoreOutcome
}

// ScoreClient calls the external scoring endpoint. One request per call.
type ScoreClient struct {
	config     *config.ScoringConfig
	prompt     *PromptTemplate
	httpClient *http.Client
}

// ScoreRequest is the body sent to the scoring endpoint
type ScoreRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ResponseFormat string `json:"response_format"`
}

func NewScoreClient(cfg *config.ScoringConfig, prompt *PromptTemplate) *ScoreClient {
	return &ScoreClient{
		config: cfg,
		prompt: prompt,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Score renders the prompt, posts it and validates the reply.
func (s *ScoreClient) Score(ctx context.Context, findings json.RawMessage) ScoreOutcome {
	outcome := s.score(ctx, findings)
	metrics.ScoringRequestsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	if outcome.Kind != ScoreScored {
		logger.Warn(ctx, "scoring request did not produce a score",
			"outcome", outcome.Kind,
			"reason", outcome.Reason,
		)
	}
	return outcome
}

func (s *ScoreClient) score(ctx context.Context, findings json.RawMessage) ScoreOutcome {
	prompt, err := s.prompt.Render(findings)
	if err != nil {
		return invalidResponseOutcome(err.Error(), "")
	}

	jsonData, err := json.Marshal(ScoreRequest{
		Model:          s.config.Model,
		Prompt:         prompt,
		ResponseFormat: "json",
	})
	if err != nil {
		return invalidResponseOutcome(fmt.Sprintf("failed to marshal request: %v", err), "")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return transportErrorOutcome(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transportErrorOutcome(fmt.Sprintf("failed to send request: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScoreResponseBytes))
	if err != nil {
		return transportErrorOutcome(fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transportErrorOutcome(fmt.Sprintf("scoring endpoint returned status %d: %s",
			resp.StatusCode, tail(string(body), 500)))
	}

	score, report, reason := ParseScoreResponse(body)
	if reason != "" {
		return invalidResponseOutcome(reason, string(body))
	}
	return scoredOutcome(score, report)
}

// ParseScoreResponse validates a scoring reply. It accepts the bare object
// `{"risk_score":..,"summary_report":..}` or a generation envelope
// `{"response":"<that object as text>"}`, optionally inside a code fence.
// A non-empty reason means the reply is invalid.
func ParseScoreResponse(body []byte) (score int, report string, reason string) {
	fields, err := decodeObject(body)
	if err != nil {
		return 0, "", "response is not a JSON object"
	}

	if _, ok := fields["risk_score"]; !ok {
		if inner, ok := fields["response"]; ok {
			var text string
			if err := json.Unmarshal(inner, &text); err == nil {
				if fields, err = decodeObject([]byte(extractJSONObject(text))); err != nil {
					return 0, "", "response envelope does not contain a JSON object"
				}
			}
		}
	}

	rawScore, ok := fields["risk_score"]
	if !ok {
		return 0, "", "missing risk_score"
	}
	rawReport, ok := fields["summary_report"]
	if !ok {
		return 0, "", "missing summary_report"
	}

	score, err = parseIntLike(rawScore)
	if err != nil {
		return 0, "", fmt.Sprintf("invalid risk_score: %v", err)
	}
	if score < 0 || score > 100 {
		return 0, "", fmt.Sprintf("risk_score %d out of range 0-100", score)
	}

	if err := json.Unmarshal(rawReport, &report); err != nil {
		return 0, "", "summary_report is not a string"
	}
	return score, report, ""
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("null object")
	}
	return fields, nil
}

// extractJSONObject strips a ``` fence and any prose around the outermost
// braces.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// parseIntLike accepts 42, 42.0 and "42".
func parseIntLike(raw json.RawMessage) (int, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("not a number")
		}
		num, err = strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", text)
		}
	}
	if math.IsNaN(num) || math.IsInf(num, 0) || num != math.Trunc(num) {
		return 0, fmt.Errorf("not an integer: %v", num)
	}
	if num > math.MaxInt32 || num < math.MinInt32 {
		return 0, fmt.Errorf("out of range: %v", num)
	}
	return int(num), nil
}
