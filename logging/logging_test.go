package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "info" {
		t.Errorf("level = %v, want info", lines[0]["level"])
	}
	if lines[0]["message"] != "info message" {
		t.Errorf("message = %v", lines[0]["message"])
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := New()
	base.SetOutput(&buf)
	logger := base.WithComponent("assign")

	logger.Info("test message")

	lines := decodeLines(t, &buf)
	if lines[0]["component"] != "assign" {
		t.Errorf("expected component 'assign', got: %v", lines[0]["component"])
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := New()
	base.SetOutput(&buf)

	base.WithComponent("queue").WithTraceID("req-123").Info("test message")

	lines := decodeLines(t, &buf)
	if lines[0]["trace_id"] != "req-123" || lines[0]["component"] != "queue" {
		t.Errorf("unexpected fields: %v", lines[0])
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("claimed", map[string]interface{}{
		"scaler_id": "s1",
		"count":     3,
	})

	lines := decodeLines(t, &buf)
	if lines[0]["scaler_id"] != "s1" {
		t.Errorf("scaler_id = %v", lines[0]["scaler_id"])
	}
	if lines[0]["count"] != float64(3) {
		t.Errorf("count = %v", lines[0]["count"])
	}
}

func TestLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetFormat(FormatConsole)

	logger.WithComponent("api").Warn("slow request")

	output := buf.String()
	if !strings.Contains(output, "slow request") {
		t.Errorf("expected message in console output, got: %s", output)
	}
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Error("console output should not be JSON")
	}
}

func TestLogger_Operation(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
		wantMsg   string
	}{
		{"success", nil, "info", "op_complete"},
		{"rejected", qerrors.TaskNotFound("t1"), "warn", "op_rejected"},
		{"failed", qerrors.New(qerrors.ErrCodeUnavailable, "store down"), "error", "op_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New()
			logger.SetOutput(&buf)

			logger.Operation("complete_task", 5*time.Millisecond, map[string]interface{}{"task_id": "t1"}, tt.err)

			lines := decodeLines(t, &buf)
			if lines[0]["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", lines[0]["level"], tt.wantLevel)
			}
			if lines[0]["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %v", lines[0]["message"], tt.wantMsg)
			}
			if lines[0]["op"] != "complete_task" || lines[0]["task_id"] != "t1" {
				t.Errorf("missing fields: %v", lines[0])
			}
			if tt.err != nil && lines[0]["code"] == nil {
				t.Error("expected error code field")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNop(t *testing.T) {
	// Must not panic or write anywhere visible.
	Nop().Error("ignored", map[string]interface{}{"k": "v"})
}
