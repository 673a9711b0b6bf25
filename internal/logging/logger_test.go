package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"info", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output %q is not one JSON line: %v", buf.String(), err)
	}
	if entry["msg"] != "shown" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}
}

// requestContext runs chi's RequestID middleware and returns the request
// context it produced.
func requestContext(t *testing.T) context.Context {
	t.Helper()
	var ctx context.Context
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	return ctx
}

func TestDetach_KeepsRequestLoggerOnly(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(&buf, "info", "json"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	reqCtx, cancel := context.WithTimeout(requestContext(t), time.Minute)
	cancel()

	jobCtx := Detach(reqCtx)
	if jobCtx.Err() != nil {
		t.Fatal("detached context inherited cancellation")
	}
	WithFields(jobCtx, "operation_id", "op-1").Info("import started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output %q: %v", buf.String(), err)
	}
	if entry["request_id"] == nil || entry["request_id"] == "" {
		t.Errorf("request_id missing from %v", entry)
	}
	if entry["operation_id"] != "op-1" {
		t.Errorf("operation_id = %v", entry["operation_id"])
	}
}

func TestFromContext_PrefersStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	stored := New(&buf, "info", "text")
	FromContext(NewContext(context.Background(), stored)).Info("hello")
	if !bytes.Contains(buf.Bytes(), []byte("msg=hello")) {
		t.Errorf("stored logger not used: %q", buf.String())
	}
}
