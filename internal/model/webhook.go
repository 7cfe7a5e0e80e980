package model

import (
	"strings"
	"time"
)

// WebhookSubscription はユーザーが登録したWebhook配信先。
type WebhookSubscription struct {
	ID            string
	UserID        string
	URL           string
	Events        []string
	Secret        string
	IsActive      bool
	FailureCount  int
	LastFailureAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Subscribes は指定イベントを購読しているかを返す。
// "*" は全イベント、"alert.*" のように末尾が ".*" の値は接頭辞が一致するイベントを表す。
func (s *WebhookSubscription) Subscribes(event string) bool {
	for _, e := range s.Events {
		if e == "*" || e == event {
			return true
		}
		if prefix, ok := strings.CutSuffix(e, "*"); ok && strings.HasSuffix(prefix, ".") && strings.HasPrefix(event, prefix) {
			return true
		}
	}
	return false
}

// DeliveryStatus はWebhook配信の状態を表す。
type DeliveryStatus string

const (
	// DeliveryPending は配信待ち。
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryDelivered は2xx応答を受け取り配信完了。
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryFailed は配信失敗。NextRetryAtが設定されていれば再試行対象、nilなら終端。
	DeliveryFailed DeliveryStatus = "failed"
)

// WebhookDelivery は1つのイベントに対する配信試行の系列を表す。
// 再試行のたびに同じ行を更新する。
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	Payload        []byte
	Status         DeliveryStatus
	AttemptCount   int
	ResponseStatus *int
	LastError      *string
	NextRetryAt    *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTerminal は再試行されない状態かを返す。
func (d *WebhookDelivery) IsTerminal() bool {
	return d.Status == DeliveryDelivered || (d.Status == DeliveryFailed && d.NextRetryAt == nil)
}
