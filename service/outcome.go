package service

import (
	"encoding/json"
	"time"
)

// AnalysisKind tags an AnalysisOutcome.
type AnalysisKind string

const (
	AnalysisFindings   AnalysisKind = "findings"
	AnalysisToolError  AnalysisKind = "tool_error"
	AnalysisInfraError AnalysisKind = "infra_error"
)

// AnalysisOutcome is the result of one static-analysis run. Findings is set
// only for AnalysisFindings; Message only for the two error kinds.
type AnalysisOutcome struct {
	Kind     AnalysisKind
	Findings json.RawMessage
	Message  string
	ExitCode int
	Duration time.Duration
}

func findingsOutcome(payload json.RawMessage) AnalysisOutcome {
	return AnalysisOutcome{Kind: AnalysisFindings, Findings: payload}
}

func toolErrorOutcome(msg string) AnalysisOutcome {
	return AnalysisOutcome{Kind: AnalysisToolError, Message: msg}
}

func infraErrorOutcome(msg string) AnalysisOutcome {
	return AnalysisOutcome{Kind: AnalysisInfraError, Message: msg}
}

// ScoreKind tags a ScoreOutcome.
type ScoreKind string

const (
	ScoreScored          ScoreKind = "scored"
	ScoreInvalidResponse ScoreKind = "invalid_response"
	ScoreTransportError  ScoreKind = "transport_error"
)

// ScoreOutcome is the result of one scoring call. RawBody is kept for
// InvalidResponse diagnostics.
type ScoreOutcome struct {
	Kind    ScoreKind
	Score   int
	Report  string
	Reason  string
	RawBody string
}

func scoredOutcome(score int, report string) ScoreOutcome {
	return ScoreOutcome{Kind: ScoreScored, Score: score, Report: report}
}

func invalidResponseOutcome(reason, body string) ScoreOutcome {
	return ScoreOutcome{Kind: ScoreInvalidResponse, Reason: reason, RawBody: body}
}

func transportErrorOutcome(reason string) ScoreOutcome {
	return ScoreOutcome{Kind: ScoreTransportError, Reason: reason}
}
