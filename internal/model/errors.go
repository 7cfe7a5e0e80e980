// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, scan, quota, notification, webhook, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeQRCodeNotFound       = "QR_CODE_NOT_FOUND"
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodeQRCodeLimit          = "QR_CODE_LIMIT"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeWebhookNotFound      = "WEBHOOK_NOT_FOUND"
	ErrCodeInvalidWebhookURL    = "INVALID_WEBHOOK_URL"
	ErrCodeInvalidWebhookEvents = "INVALID_WEBHOOK_EVENTS"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeCSRF                 = "CSRF_MISMATCH"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// QuotaExceededError はスキャン上限超過を表す。
// APIErrorに加えて現在のスキャン数と上限値を保持し、クライアントへ残量情報を返す。
type QuotaExceededError struct {
	*APIError
	CurrentCount int64
	Limit        int64
}

// Unwrap はerrors.AsでAPIErrorとしても扱えるようにする。
func (e *QuotaExceededError) Unwrap() error {
	return e.APIError
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewQRCodeNotFoundError はQRコード未検出エラーを生成する。
// 論理削除済みのQRコードもこのエラーとして扱う。
func NewQRCodeNotFoundError(shortCode string) *APIError {
	return &APIError{
		Code:     ErrCodeQRCodeNotFound,
		Message:  fmt.Sprintf("指定されたQRコードが見つかりません: %s", shortCode),
		Category: "scan",
		Action:   "QRコードが削除されていないか確認してください。",
	}
}

// NewQuotaExceededError はスキャン上限超過エラーを生成する。
func NewQuotaExceededError(currentCount, limit int64) *QuotaExceededError {
	return &QuotaExceededError{
		APIError: &APIError{
			Code:     ErrCodeQuotaExceeded,
			Message:  fmt.Sprintf("今月のスキャン数が上限（%d件）に達しています。", limit),
			Category: "quota",
			Action:   "QRコードのオーナーはプランをアップグレードしてください。",
		},
		CurrentCount: currentCount,
		Limit:        limit,
	}
}

// NewQRCodeLimitError はQRコード作成数の上限エラーを生成する。
func NewQRCodeLimitError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeQRCodeLimit,
		Message:  fmt.Sprintf("QRコード数が上限（%d件）に達しています。", limit),
		Category: "quota",
		Action:   "不要なQRコードを削除するか、プランをアップグレードしてください。",
	}
}

// NewNotificationNotFoundError は通知が見つからない場合のエラーを生成する。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", notificationID),
		Category: "notification",
		Action:   "通知IDを確認してください。",
	}
}

// NewWebhookNotFoundError はWebhook購読が見つからない場合のエラーを生成する。
func NewWebhookNotFoundError(webhookID string) *APIError {
	return &APIError{
		Code:     ErrCodeWebhookNotFound,
		Message:  fmt.Sprintf("指定されたWebhookが見つかりません: %s", webhookID),
		Category: "webhook",
		Action:   "WebhookのIDを確認してください。",
	}
}

// NewInvalidWebhookURLError は配信先URLが不正な場合のエラーを生成する。
func NewInvalidWebhookURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhookURL,
		Message:  fmt.Sprintf("無効な配信先URLです: %s", reason),
		Category: "validation",
		Action:   "公開されている https:// または http:// のURLを指定してください。",
	}
}

// NewInvalidWebhookEventsError は購読イベント種別が不正な場合のエラーを生成する。
func NewInvalidWebhookEventsError(event string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhookEvents,
		Message:  fmt.Sprintf("未対応のイベント種別です: %s", event),
		Category: "validation",
		Action:   "scan.created、alert.* などの対応イベントを指定してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "再度ログインするか、署名の設定を確認してください。",
	}
}
