package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestLoggingMiddleware_Fields(t *testing.T) {
	var buf bytes.Buffer
	h := chimw.RequestID(NewLoggingMiddleware(captureLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "user-1"))
	req.RemoteAddr = "10.0.0.2:40000"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "http_request" || entry["method"] != "POST" || entry["path"] != "/api/webhooks" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["status"] != float64(201) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["client_ip"] != "203.0.113.50" {
		t.Errorf("client_ip = %v", entry["client_ip"])
	}
	if entry["user_id"] != "user-1" {
		t.Errorf("user_id = %v", entry["user_id"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("request_id should be logged")
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms should be logged")
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  string
	}{
		{"/api/track/abc", http.StatusOK, "INFO"},
		{"/api/track/abc", http.StatusNotFound, "WARN"},
		{"/api/track/abc", http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		h := NewLoggingMiddleware(captureLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, tt.path, nil))

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("invalid log: %v", err)
		}
		if entry["level"] != tt.level {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.level)
		}
	}
}

func TestLoggingMiddleware_HealthIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggingMiddleware(captureLogger(&buf))(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if buf.Len() != 0 {
		t.Errorf("/health should be logged at debug, got %s", buf.String())
	}
}

func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggingMiddleware(captureLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/usage", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
