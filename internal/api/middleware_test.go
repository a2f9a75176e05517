package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
)

// captureLogs points the server logger at a buffer, debug level included.
func captureLogs(env *testEnv) *bytes.Buffer {
	var buf bytes.Buffer
	env.srv.logger = &logging.Logger{
		Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	return &buf
}

// requestLogs returns the "http request" entries written to buf.
func requestLogs(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if entry["msg"] == "http request" {
			out = append(out, entry)
		}
	}
	return out
}

func TestLoggingMiddleware_DeviceAndFloorIDs(t *testing.T) {
	env := newTestEnv(t)
	buf := captureLogs(env)

	env.do(t, http.MethodGet, "/api/v1/devices/porte-404", "")
	env.do(t, http.MethodPost, "/api/v1/relay/manual/porte-007", "")
	env.do(t, http.MethodGet, "/api/v1/plans/floor-1", "")

	logs := requestLogs(t, buf)
	if len(logs) != 3 {
		t.Fatalf("got %d request logs, want 3: %s", len(logs), buf.String())
	}

	tests := []struct {
		attr, want string
		status     float64
	}{
		{"device_id", "porte-404", http.StatusNotFound},
		{"device_id", "porte-007", http.StatusServiceUnavailable},
		{"floor_id", "floor-1", 0},
	}
	for i, tt := range tests {
		entry := logs[i]
		if entry[tt.attr] != tt.want {
			t.Errorf("log %d %s = %v, want %s", i, tt.attr, entry[tt.attr], tt.want)
		}
		if tt.status != 0 && entry["status"] != tt.status {
			t.Errorf("log %d status = %v, want %v", i, entry["status"], tt.status)
		}
		if route, _ := entry["route"].(string); !strings.Contains(route, "{") {
			t.Errorf("log %d route = %q, want a pattern", i, route)
		}
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	env := newTestEnv(t)
	buf := captureLogs(env)

	env.do(t, http.MethodGet, "/api/v1/health", "")
	env.do(t, http.MethodGet, "/api/v1/devices", "")

	logs := requestLogs(t, buf)
	if len(logs) != 2 {
		t.Fatalf("got %d request logs, want 2", len(logs))
	}
	if logs[0]["level"] != "DEBUG" {
		t.Errorf("health level = %v, want DEBUG", logs[0]["level"])
	}
	if logs[1]["level"] != "INFO" {
		t.Errorf("devices level = %v, want INFO", logs[1]["level"])
	}
	if _, ok := logs[1]["device_id"]; ok {
		t.Error("collection route logged a device_id")
	}
}

func TestRequestID_OversizedReplaced(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLength+1))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("oversized X-Request-ID kept: %q", got)
	}
}
