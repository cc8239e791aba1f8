package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSecretFieldsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", &buf)

	logger.Info().
		Str("apiKey", "mx0x-very-secret").
		Str("secret_key", "hunter2").
		Str("symbol", "NEWUSDT").
		Msg("credentials loaded")

	line := buf.String()
	if strings.Contains(line, "mx0x-very-secret") || strings.Contains(line, "hunter2") {
		t.Fatalf("secret leaked into log line: %s", line)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["apiKey"] != "[REDACTED]" {
		t.Errorf("apiKey = %v, want [REDACTED]", entry["apiKey"])
	}
	if entry["secret_key"] != "[REDACTED]" {
		t.Errorf("secret_key = %v, want [REDACTED]", entry["secret_key"])
	}
	if entry["symbol"] != "NEWUSDT" {
		t.Errorf("non-secret field was altered: %v", entry["symbol"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Debug().Msg("should not appear")
	logger.Info().Msg("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	logger.Warn().Msg("visible")
	if buf.Len() == 0 {
		t.Fatal("warn message was filtered out")
	}
}

func TestComponentTag(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New("info", &buf), "executor")
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "executor" {
		t.Errorf("component = %v, want executor", entry["component"])
	}
}
