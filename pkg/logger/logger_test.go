package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		want    string
		wantNot string
	}{
		{"debug level text", &Config{Level: "debug", Format: "text"}, "level=DEBUG", ""},
		{"info level json", &Config{Level: "info", Format: "json"}, `"level":"INFO"`, "DEBUG"},
		{"warn level text", &Config{Level: "warn", Format: "text"}, "level=WARN", "INFO"},
		{"default level", &Config{Level: "invalid", Format: "text"}, "level=INFO", "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf
			Init(tt.config)

			slog.Debug("debug message")
			slog.Info("info message")
			slog.Warn("warn message")

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("Expected %q in output, got %s", tt.want, out)
			}
			if tt.wantNot != "" && strings.Contains(out, tt.wantNot) {
				t.Errorf("Did not expect %q in output, got %s", tt.wantNot, out)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "debug", Format: "text", Output: &buf})

	ctx := context.Background()
	ctx = context.WithValue(ctx, RequestIDKey, "test-request-id")
	ctx = context.WithValue(ctx, OwnerKey, "alice")
	ctx = WithSubmission(ctx, "sub-1")

	WithContext(ctx).Info("transition")

	out := buf.String()
	for _, want := range []string{"request_id=test-request-id", "owner=alice", "submission_id=sub-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in log, got %s", want, out)
		}
	}
}

func TestWithContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "info", Format: "text", Output: &buf})

	WithContext(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "submission_id") {
		t.Error("Expected no context attributes")
	}
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-123")

	Info(ctx, "info message", "key", "value")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Expected info message in log")
	}

	buf.Reset()
	Debug(ctx, "debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Error("Expected debug message in log")
	}

	buf.Reset()
	Warn(ctx, "warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Error("Expected warn message in log")
	}

	buf.Reset()
	Error(ctx, "error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Error("Expected error message in log")
	}
	if !strings.Contains(buf.String(), "req-123") {
		t.Error("Expected request id in log")
	}
}
