package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// --- モック定義 ---

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sessionsWith(id, userID string) *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, got string) (*model.Session, error) {
			if got == id {
				return &model.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			return nil, nil
		},
	}
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- テスト ---

func TestSessionMiddleware_CookieInjectsUserID(t *testing.T) {
	var captured string
	h := NewSessionMiddleware(sessionsWith("sess-1", "user-123"), discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured, _ = UserIDFromContext(r.Context())
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured != "user-123" {
		t.Errorf("user id = %q, want user-123", captured)
	}
}

func TestSessionMiddleware_BearerToken(t *testing.T) {
	var captured string
	h := NewSessionMiddleware(sessionsWith("sess-2", "user-456"), discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured, _ = UserIDFromContext(r.Context())
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/webhooks", nil)
	req.Header.Set("Authorization", "Bearer sess-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || captured != "user-456" {
		t.Errorf("status = %d user = %q", rec.Code, captured)
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	failing := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return nil, errors.New("db down")
		},
	}
	tests := []struct {
		name     string
		sessions SessionFinder
		cookie   string
	}{
		{"no cookie", sessionsWith("sess-1", "user-1"), ""},
		{"unknown session", sessionsWith("sess-1", "user-1"), "expired"},
		{"repository error", failing, "sess-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := NewSessionMiddleware(tt.sessions, discardLogger())(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
			)
			req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if called {
				t.Error("next handler must not run")
			}
			if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q", body.Code)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); !errors.Is(err, ErrNoUser) {
		t.Errorf("expected ErrNoUser, got %v", err)
	}
	ctx := ContextWithUserID(context.Background(), "user-1")
	if got, err := UserIDFromContext(ctx); err != nil || got != "user-1" {
		t.Errorf("got %q, %v", got, err)
	}
}
