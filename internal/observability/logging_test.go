package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{
			name: "json format",
			config: LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: LogConfig{
				Level:  "debug",
				Format: "text",
			},
		},
		{
			name:   "defaults",
			config: LogConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("Logger.logger is nil")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "warn",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Error("messages below warn level must be suppressed")
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Error("warn and error messages must be logged")
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddConversationID(ctx, "conv-456")
	ctx = AddTurnID(ctx, "msg-789")
	ctx = AddProvider(ctx, "openai")

	logger.Info(ctx, "handling turn")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v", record["request_id"])
	}
	if record["conversation_id"] != "conv-456" {
		t.Errorf("conversation_id = %v", record["conversation_id"])
	}
	if record["turn_id"] != "msg-789" {
		t.Errorf("turn_id = %v", record["turn_id"])
	}
	if record["provider"] != "openai" {
		t.Errorf("provider = %v", record["provider"])
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	tests := []struct {
		name   string
		msg    string
		args   []any
		secret string
	}{
		{
			name:   "openai key in arg",
			msg:    "upstream call failed",
			args:   []any{"error", errors.New("401 with key sk-" + strings.Repeat("a", 48))},
			secret: "sk-" + strings.Repeat("a", 48),
		},
		{
			name:   "bearer token in message",
			msg:    "rejected auth bearer abcdefghij0123456789",
			secret: "abcdefghij0123456789",
		},
		{
			name:   "api key assignment",
			msg:    "config api_key=supersecretvalue123",
			secret: "supersecretvalue123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.Info(ctx, tt.msg, tt.args...)
			out := buf.String()
			if strings.Contains(out, tt.secret) {
				t.Errorf("secret leaked into log output: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("expected redaction marker in output: %s", out)
			}
		})
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info(context.Background(), "provider config",
		"config", map[string]any{"api_key": "plainvalue", "base_url": "https://api.openai.com"},
	)

	out := buf.String()
	if strings.Contains(out, "plainvalue") {
		t.Errorf("sensitive map value leaked: %s", out)
	}
	if !strings.Contains(out, "api.openai.com") {
		t.Errorf("non-sensitive map value dropped: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
