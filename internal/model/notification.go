package model

import "time"

// NotificationCategory は通知の種別を表す。
type NotificationCategory string

const (
	CategoryMilestone NotificationCategory = "milestone"
	CategorySpike     NotificationCategory = "spike"
	CategoryLocation  NotificationCategory = "location"
	CategoryTrend     NotificationCategory = "trend"
	CategoryVelocity  NotificationCategory = "velocity"
	CategorySummary   NotificationCategory = "summary"
	CategoryRecord    NotificationCategory = "record"
)

// NotificationPriority は通知の優先度を表す。
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

// Notification はユーザーに表示する通知レコード。
// 既読状態の遷移以外では更新しない。
type Notification struct {
	ID        string
	UserID    string
	Category  NotificationCategory
	Priority  NotificationPriority
	Title     string
	Message   string
	ActionURL *string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// PlanSubscription は外部の課金システムが書き込むプラン契約情報。
// 本サービスは参照のみ行う。
type PlanSubscription struct {
	UserID             string
	Plan               string
	Status             string
	CurrentPeriodStart *time.Time
}

// Alert は検知結果。通知の作成とWebhook配信の入力になる。
// QRCodeIDが空の場合はユーザー単位の検知を表す。
type Alert struct {
	UserID   string
	QRCodeID string
	Category NotificationCategory
	Priority NotificationPriority
	Title    string
	Message  string
	// Data はWebhookペイロードのdataに載せる値。
	Data map[string]any
}
