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

func captureLogger(level string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: level, Format: "json", Output: &buf})
	return logger, &buf
}

func TestRedactsAPIKeys(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		secret string
	}{
		{"anthropic key", "auth failed for sk-ant-REDACTED", "sk-ant-api03"},
		{"openai key", "using key sk-abcdefghijklmnopqrstuvwxyz0123456789", "sk-abcdef"},
		{"key value pair", "config api_key=supersecretvalue123", "supersecretvalue123"},
		{"jwt", "got token eyJhbGciOiJI.eyJzdWIiOiIx.dQssw5c", "eyJhbGci"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger("info")
			logger.Info(tt.msg)
			out := buf.String()
			if strings.Contains(out, tt.secret) {
				t.Errorf("output leaked secret: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("output not redacted: %s", out)
			}
		})
	}
}

func TestRedactsAttrValuesAndErrors(t *testing.T) {
	logger, buf := captureLogger("info")
	logger.Error("request failed",
		"detail", "token: abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("api_key=verysecret1234567890 rejected"))

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") || strings.Contains(out, "verysecret1234567890") {
		t.Errorf("attr values leaked secrets: %s", out)
	}
}

func TestCorrelationIDStamped(t *testing.T) {
	logger, buf := captureLogger("info")
	ctx := WithCorrelationID(context.Background(), "corr-42")
	ctx = WithSessionID(ctx, "telegram:alice")

	logger.InfoContext(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if record["correlation_id"] != "corr-42" {
		t.Errorf("correlation_id = %v", record["correlation_id"])
	}
	if record["session_id"] != "telegram:alice" {
		t.Errorf("session_id = %v", record["session_id"])
	}
	if CorrelationID(ctx) != "corr-42" {
		t.Errorf("CorrelationID = %q", CorrelationID(ctx))
	}
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := captureLogger("warn")
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info record passed a warn-level logger")
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetricsRegisterAndServe(t *testing.T) {
	m := NewMetrics()
	m.TurnCounter.WithLabelValues("telegram", "ok").Inc()
	m.ObserveCircuitState("anthropic", "open")
	m.ActiveSessions.Set(3)

	if m.Handler() == nil {
		t.Fatal("nil metrics handler")
	}

	// A second instance must not panic on duplicate registration.
	_ = NewMetrics()
}
