package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
	"github.com/awilliams-2020/theqrcode-sub000/internal/scan"
	"github.com/awilliams-2020/theqrcode-sub000/internal/webhook"
)

// --- モック定義 ---

type mockTrackService struct {
	ingestFn func(ctx context.Context, sig scan.Signal) (*scan.Result, error)
}

func (m *mockTrackService) Ingest(ctx context.Context, sig scan.Signal) (*scan.Result, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, sig)
	}
	return &scan.Result{Scan: &model.ScanEvent{ID: "scan-1"}}, nil
}

type mockNotificationService struct {
	listFn        func(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error)
	unreadCountFn func(ctx context.Context, userID string) (int64, error)
	markReadFn    func(ctx context.Context, userID, notificationID string) error
	markAllReadFn func(ctx context.Context, userID string) (int64, error)
}

func (m *mockNotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, unreadOnly, limit)
	}
	return []*model.Notification{}, nil
}

func (m *mockNotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if m.unreadCountFn != nil {
		return m.unreadCountFn(ctx, userID)
	}
	return 0, nil
}

func (m *mockNotificationService) MarkRead(ctx context.Context, userID, notificationID string) error {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, userID, notificationID)
	}
	return nil
}

func (m *mockNotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, userID)
	}
	return 0, nil
}

type mockWebhookService struct {
	listFn           func(ctx context.Context, userID string) ([]*model.WebhookSubscription, error)
	createFn         func(ctx context.Context, userID string, in webhook.CreateInput) (*model.WebhookSubscription, error)
	updateFn         func(ctx context.Context, userID, id string, in webhook.UpdateInput) (*model.WebhookSubscription, error)
	deleteFn         func(ctx context.Context, userID, id string) error
	listDeliveriesFn func(ctx context.Context, userID, id string, limit int) ([]*model.WebhookDelivery, error)
}

func (m *mockWebhookService) List(ctx context.Context, userID string) ([]*model.WebhookSubscription, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return []*model.WebhookSubscription{}, nil
}

func (m *mockWebhookService) Create(ctx context.Context, userID string, in webhook.CreateInput) (*model.WebhookSubscription, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, in)
	}
	return nil, nil
}

func (m *mockWebhookService) Update(ctx context.Context, userID, id string, in webhook.UpdateInput) (*model.WebhookSubscription, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, userID, id, in)
	}
	return nil, nil
}

func (m *mockWebhookService) Delete(ctx context.Context, userID, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, id)
	}
	return nil
}

func (m *mockWebhookService) ListDeliveries(ctx context.Context, userID, id string, limit int) ([]*model.WebhookDelivery, error) {
	if m.listDeliveriesFn != nil {
		return m.listDeliveriesFn(ctx, userID, id, limit)
	}
	return []*model.WebhookDelivery{}, nil
}

type mockUsageService struct {
	usageFn func(ctx context.Context, userID string) (*quota.Usage, error)
}

func (m *mockUsageService) Usage(ctx context.Context, userID string) (*quota.Usage, error) {
	if m.usageFn != nil {
		return m.usageFn(ctx, userID)
	}
	return &quota.Usage{Plan: quota.PlanFree}, nil
}

// --- ヘルパー ---

// withUserID はテスト用にコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}
