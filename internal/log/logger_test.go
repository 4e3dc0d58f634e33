package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentApp, Writer: &buf})

	logger.Debug("hidden")
	logger.Info("started", FieldUserID, "u1")
	logger.WithComponent(ComponentSync).Info("synced")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[0][FieldComponent] != ComponentApp || lines[0][FieldUserID] != "u1" {
		t.Fatalf("unexpected first line %v", lines[0])
	}
	if lines[1][FieldComponent] != ComponentSync {
		t.Fatalf("unexpected component %v", lines[1])
	}
	if strings.Count(strings.Split(buf.String(), "\n")[1], `"component"`) != 1 {
		t.Fatalf("component attribute duplicated: %s", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if FromContext(req.Context()).Component() != "unknown" {
		t.Fatalf("expected fallback logger")
	}
}

func TestMiddlewareAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentHTTP, Writer: &buf})

	handler := Middleware(logger, func(*http.Request) string { return "req_1" })(
		AccessLog(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()).Component() != ComponentHTTP {
				t.Errorf("logger not in context")
			}
			w.WriteHeader(http.StatusNotFound)
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/missing?x=1", nil))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one access line, got %d", len(lines))
	}
	line := lines[0]
	if line["level"] != "WARN" || line[FieldRequestID] != "req_1" || line[FieldPath] != "/api/missing" {
		t.Fatalf("unexpected access line %v", line)
	}
	if line[FieldStatusCode] != float64(http.StatusNotFound) || line[FieldSuccess] != false {
		t.Fatalf("unexpected status fields %v", line)
	}
}
