package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/webhook"
)

// WebhookServiceInterface はWebhookハンドラーが必要とするサービスインターフェース。
type WebhookServiceInterface interface {
	List(ctx context.Context, userID string) ([]*model.WebhookSubscription, error)
	Create(ctx context.Context, userID string, in webhook.CreateInput) (*model.WebhookSubscription, error)
	Update(ctx context.Context, userID, id string, in webhook.UpdateInput) (*model.WebhookSubscription, error)
	Delete(ctx context.Context, userID, id string) error
	ListDeliveries(ctx context.Context, userID, id string, limit int) ([]*model.WebhookDelivery, error)
}

// WebhookHandler はWebhook購読管理のHTTPハンドラー。
type WebhookHandler struct {
	service WebhookServiceInterface
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(service WebhookServiceInterface) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// webhookResponse は購読情報のAPIレスポンス。
// 署名シークレットは作成時のレスポンスでのみ返す。
type webhookResponse struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Events        []string   `json:"events"`
	Secret        string     `json:"secret,omitempty"`
	IsActive      bool       `json:"is_active"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toWebhookResponse(sub *model.WebhookSubscription, withSecret bool) webhookResponse {
	resp := webhookResponse{
		ID:            sub.ID,
		URL:           sub.URL,
		Events:        sub.Events,
		IsActive:      sub.IsActive,
		FailureCount:  sub.FailureCount,
		LastFailureAt: sub.LastFailureAt,
		CreatedAt:     sub.CreatedAt,
		UpdatedAt:     sub.UpdatedAt,
	}
	if withSecret {
		resp.Secret = sub.Secret
	}
	return resp
}

// deliveryResponse は配信履歴のAPIレスポンス。
type deliveryResponse struct {
	ID             string     `json:"id"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// List は購読一覧を返す。
// GET /api/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	subs, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]webhookResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, toWebhookResponse(sub, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Create は購読を作成する。
// POST /api/webhooks
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var in webhook.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeInvalidBody(w)
		return
	}

	sub, err := h.service.Create(r.Context(), userID, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWebhookResponse(sub, true))
}

// Update は購読のURL・イベント・有効フラグを更新する。
// PATCH /api/webhooks/{id}
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var in webhook.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeInvalidBody(w)
		return
	}

	sub, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(sub, false))
}

// Delete は購読を削除する。
// DELETE /api/webhooks/{id}
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries は購読の配信履歴を返す。
// GET /api/webhooks/{id}/deliveries?limit=
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := h.service.ListDeliveries(r.Context(), userID, chi.URLParam(r, "id"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		resp = append(resp, deliveryResponse{
			ID:             d.ID,
			EventType:      d.EventType,
			Status:         string(d.Status),
			AttemptCount:   d.AttemptCount,
			ResponseStatus: d.ResponseStatus,
			LastError:      d.LastError,
			NextRetryAt:    d.NextRetryAt,
			DeliveredAt:    d.DeliveredAt,
			CreatedAt:      d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
