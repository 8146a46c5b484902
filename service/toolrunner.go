package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/pkg/metrics"
)

const (
	findingsFileName = "findings.json"
	maxStderrBytes   = 64 << 10
	maxErrorDetail   = 2000
)

// Analyzer runs static analysis over one contract source.
type Analyzer interface {
	Run(ctx context.Context, source []byte, fileName string) AnalysisOutcome
}

// ToolRunner invokes the analysis binary as a child process, one private
// temporary directory per run.
type ToolRunner struct {
	config *config.AnalyzerConfig
}

func NewToolRunner(cfg *config.AnalyzerConfig) *ToolRunner {
	return &ToolRunner{config: cfg}
}

// toolDocument is the subset of the tool's JSON output used for triage.
type toolDocument struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// Run writes source into a fresh temp dir, runs
// `<binary> <file> --json <tmp>/findings.json [extra args]` and classifies
// the result. It never retries.
func (r *ToolRunner) Run(ctx context.Context, source []byte, fileName string) AnalysisOutcome {
	start := time.Now()
	outcome := r.run(ctx, source, fileName)
	outcome.Duration = time.Since(start)

	metrics.ToolRunsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	logger.Info(ctx, "analysis tool finished",
		"outcome", outcome.Kind,
		"exit_code", outcome.ExitCode,
		"duration", outcome.Duration,
	)
	return outcome
}

func (r *ToolRunner) run(ctx context.Context, source []byte, fileName string) AnalysisOutcome {
	tmpDir, err := os.MkdirTemp(r.config.WorkDir, "audit-*")
	if err != nil {
		return infraErrorOutcome(fmt.Sprintf("failed to create work dir: %v", err))
	}
	defer os.RemoveAll(tmpDir)

	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "contract.sol"
	}
	srcPath := filepath.Join(tmpDir, name)
	if err := os.WriteFile(srcPath, source, 0o600); err != nil {
		return infraErrorOutcome(fmt.Sprintf("failed to write source: %v", err))
	}
	outPath := filepath.Join(tmpDir, findingsFileName)

	runCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	args := append([]string{srcPath, "--json", outPath}, r.config.ExtraArgs...)
	cmd := exec.CommandContext(runCtx, r.config.Binary, args...)
	cmd.Dir = tmpDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = 5 * time.Second

	stdout := &cappedBuffer{max: r.config.MaxOutputBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if runCtx.Err() != nil && ctx.Err() == nil {
		return infraErrorOutcome(fmt.Sprintf("%s timed out after %s", r.config.Binary, r.config.Timeout))
	}
	if ctx.Err() != nil {
		return infraErrorOutcome(fmt.Sprintf("analysis cancelled: %v", ctx.Err()))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return infraErrorOutcome(fmt.Sprintf("%s not found in PATH", r.config.Binary))
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return infraErrorOutcome(fmt.Sprintf("failed to start %s: %v", r.config.Binary, err))
		}
	}

	raw, err := r.readOutput(outPath, stdout)
	if err != nil {
		o := infraErrorOutcome(err.Error())
		o.ExitCode = exitCode
		return o
	}

	var doc toolDocument
	parseErr := json.Unmarshal(raw, &doc)

	failed := parseErr == nil && doc.Success != nil && !*doc.Success

	var o AnalysisOutcome
	switch {
	case failed && strings.TrimSpace(doc.Error) != "":
		o = toolErrorOutcome(strings.TrimSpace(doc.Error))
	case !slices.Contains(r.config.SuccessExitCodes, exitCode):
		o = infraErrorOutcome(fmt.Sprintf("%s exited with code %d: %s",
			r.config.Binary, exitCode, tail(stderr.String(), maxErrorDetail)))
	case parseErr != nil:
		o = infraErrorOutcome(fmt.Sprintf("failed to decode tool output: %v", parseErr))
	case failed:
		// A failure report without an error field carries its detail on stderr.
		o = infraErrorOutcome(fmt.Sprintf("%s reported failure without detail: %s",
			r.config.Binary, tail(stderr.String(), maxErrorDetail)))
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			o = infraErrorOutcome(fmt.Sprintf("failed to decode tool output: %v", err))
		} else {
			o = findingsOutcome(compact.Bytes())
		}
	}
	o.ExitCode = exitCode
	return o
}

// readOutput prefers the output file and falls back to captured stdout.
func (r *ToolRunner) readOutput(outPath string, stdout *cappedBuffer) ([]byte, error) {
	data, err := os.ReadFile(outPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read tool output: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if stdout.truncated {
			return nil, fmt.Errorf("tool output exceeded %d bytes", r.config.MaxOutputBytes)
		}
		data = stdout.Bytes()
	}
	if r.config.MaxOutputBytes > 0 && int64(len(data)) > r.config.MaxOutputBytes {
		return nil, fmt.Errorf("tool output exceeded %d bytes", r.config.MaxOutputBytes)
	}
	return bytes.TrimSpace(data), nil
}

// cappedBuffer keeps at most max bytes and silently drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.Buffer.Write(p)
	}
	room := b.max - int64(b.Len())
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
