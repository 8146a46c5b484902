package service

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/template"
)

// DefaultPromptTemplate is used when no template file is configured or the
// configured file cannot be read.
const DefaultPromptTemplate = `You are a smart contract security auditor. Your task is to analyze the provided static-analysis JSON output, which contains findings from a security analysis of a smart contract.

Based on the findings, you must:
1. Assess the severity: aggregate the findings by their impact level (high, medium, low, informational).
2. Calculate a risk score: a single overall score from 0 to 100, where 0 means no risk and 100 the highest possible risk. The score must reflect the number and severity of the findings.
3. Write a summary report: a concise audit summary in Bahasa Indonesia that a non-technical reader can understand.
4. Give the top 3 recommendations: the most critical issues with concrete code-level fixes, in Bahasa Indonesia, as part of the summary report.

Your final output must be a JSON object with exactly this structure:
{
  "risk_score": <integer>,
  "summary_report": "<string in Bahasa Indonesia>"
}

Here is the static-analysis JSON data:
{{.Findings}}
`

// PromptData is the value a prompt template is executed against.
type PromptData struct {
	Findings string
}

// PromptTemplate renders findings into the scoring prompt.
type PromptTemplate struct {
	tmpl   *template.Template
	source string
}

// LoadPromptTemplate reads the template at path. An empty path or a missing
// file falls back to DefaultPromptTemplate; a file that does not parse is an
// error.
func LoadPromptTemplate(path string) (*PromptTemplate, error) {
	text := DefaultPromptTemplate
	source := "default"

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			text = string(content)
			source = path
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("prompt template not found, using default", "path", path)
		default:
			slog.Warn("failed to read prompt template, using default", "path", path, "error", err)
		}
	}

	tmpl, err := template.New("scoring").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template %s: %w", source, err)
	}
	return &PromptTemplate{tmpl: tmpl, source: source}, nil
}

// Render executes the template with the findings document.
func (p *PromptTemplate) Render(findings []byte) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, PromptData{Findings: string(findings)}); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// Source reports where the template was loaded from.
func (p *PromptTemplate) Source() string {
	return p.source
}
