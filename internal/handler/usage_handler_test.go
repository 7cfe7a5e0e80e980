package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
)

func TestUsageHandler_Get(t *testing.T) {
	cycle := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockUsageService{
		usageFn: func(ctx context.Context, userID string) (*quota.Usage, error) {
			return &quota.Usage{
				Plan:       quota.PlanStarter,
				CycleStart: cycle,
				Scans:      quota.Decision{Allowed: true, CurrentCount: 420, Limit: 10000},
				QRCodes:    quota.Decision{Allowed: true, CurrentCount: 3, Limit: quota.Unlimited},
			}, nil
		},
	}
	h := NewUsageHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/usage", nil), "user-123")
	w := httptest.NewRecorder()
	h.Get(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp usageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Plan != "starter" || !resp.CycleStart.Equal(cycle) {
		t.Errorf("plan/cycle = %q/%v", resp.Plan, resp.CycleStart)
	}
	if resp.Scans.Current != 420 || resp.Scans.Limit != 10000 || !resp.Scans.Allowed {
		t.Errorf("scans = %+v", resp.Scans)
	}
	if resp.QRCodes.Limit != -1 {
		t.Errorf("qr_codes.limit = %d, want -1 for unlimited", resp.QRCodes.Limit)
	}
}

func TestUsageHandler_Get_Errors(t *testing.T) {
	t.Run("未認証", func(t *testing.T) {
		h := NewUsageHandler(&mockUsageService{})
		w := httptest.NewRecorder()
		h.Get(w, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("サービスエラー", func(t *testing.T) {
		svc := &mockUsageService{
			usageFn: func(ctx context.Context, userID string) (*quota.Usage, error) {
				return nil, errors.New("db down")
			},
		}
		h := NewUsageHandler(svc)
		w := httptest.NewRecorder()
		h.Get(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/usage", nil), "user-123"))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}
