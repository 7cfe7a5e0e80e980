// Package notification は検知結果の通知化と、ユーザー向けの通知一覧・既読操作を提供する。
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
	"github.com/awilliams-2020/theqrcode-sub000/internal/security"
)

// PlanResolver はユーザーの有効なプランを返すインターフェース。quota.Enforcerが満たす。
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID string) (quota.Plan, time.Time, error)
}

// EventPublisher はWebhookイベントの発行先。webhook.Dispatcherが満たす。
type EventPublisher interface {
	Publish(ctx context.Context, userID, event string, data map[string]any) error
}

// AlertEventPrefix は通知に対応するWebhookイベント名の接頭辞。
const AlertEventPrefix = "alert."

// Dispatcher は検知結果を通知として保存し、対応するWebhookイベントを発行する。
//
// 通知のリンク先はプランに応じて決める。有料プランは分析画面、
// freeプランはダッシュボードのトップとする。
type Dispatcher struct {
	repo      repository.NotificationRepository
	plans     PlanResolver
	sanitizer security.TextSanitizer
	events    EventPublisher
	baseURL   string
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。eventsがnilの場合はWebhookを発行しない。
func NewDispatcher(
	repo repository.NotificationRepository,
	plans PlanResolver,
	sanitizer security.TextSanitizer,
	events EventPublisher,
	baseURL string,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		plans:     plans,
		sanitizer: sanitizer,
		events:    events,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch は通知を保存する。Webhookの発行失敗はログに記録するだけで、エラーにはしない。
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert) error {
	actionURL := d.actionURL(ctx, alert)

	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    alert.UserID,
		Category:  alert.Category,
		Priority:  alert.Priority,
		Title:     d.sanitizer.Sanitize(alert.Title),
		Message:   d.sanitizer.Sanitize(alert.Message),
		ActionURL: &actionURL,
		CreatedAt: d.now(),
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}

	if err := d.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("通知の保存に失敗しました: %w", err)
	}

	if d.events != nil {
		if err := d.events.Publish(ctx, alert.UserID, AlertEventPrefix+string(alert.Category), alertEventData(n, alert)); err != nil {
			d.logger.Warn("通知のWebhook発行に失敗しました",
				slog.String("notification_id", n.ID),
				slog.String("category", string(alert.Category)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// actionURL はプランに応じた通知のリンク先を返す。
// プランが取得できない場合はfreeとして扱う。
func (d *Dispatcher) actionURL(ctx context.Context, alert model.Alert) string {
	plan, _, err := d.plans.ResolvePlan(ctx, alert.UserID)
	if err != nil {
		d.logger.Warn("通知のプラン判定に失敗しました",
			slog.String("user_id", alert.UserID),
			slog.String("error", err.Error()),
		)
		plan = quota.PlanFree
	}
	return ActionURL(d.baseURL, plan, alert.QRCodeID)
}

// ActionURL は通知のリンク先を組み立てる。
func ActionURL(baseURL string, plan quota.Plan, qrCodeID string) string {
	if !plan.IsPaid() {
		return baseURL + "/dashboard"
	}
	if qrCodeID == "" {
		return baseURL + "/dashboard/analytics"
	}
	return baseURL + "/dashboard/analytics/" + qrCodeID
}

func alertEventData(n *model.Notification, alert model.Alert) map[string]any {
	data := make(map[string]any, len(alert.Data)+5)
	for k, v := range alert.Data {
		data[k] = v
	}
	data["notification_id"] = n.ID
	data["category"] = string(n.Category)
	data["priority"] = string(n.Priority)
	data["title"] = n.Title
	data["message"] = n.Message
	return data
}
