// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// QRCodeRepository はQRコード（リソース）の永続化インターフェース。
type QRCodeRepository interface {
	// FindByShortCode は公開ロケータ（short_code）でQRコードを取得する。
	// 論理削除済みの行も返す。見つからない場合はnilを返す。
	FindByShortCode(ctx context.Context, shortCode string) (*model.QRCode, error)

	// FindByID は指定IDのQRコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QRCode, error)

	// CountActiveByUserID はユーザーが所有する論理削除されていないQRコード数を返す。
	CountActiveByUserID(ctx context.Context, userID string) (int64, error)
}

// ScanRepository はスキャンイベントの永続化と集計のインターフェース。
// スキャンは追記専用で、更新系の操作は持たない。
type ScanRepository interface {
	// Insert はスキャンイベントを1行追加する。
	// dedup_keyが既存行と衝突した場合は何もせずfalseを返す。
	// 挿入に成功した場合はscan.Seqに採番値を設定してtrueを返す。
	Insert(ctx context.Context, scan *model.ScanEvent) (bool, error)

	// ExistsRecent は同一QRコードに対し、IPとUser-Agentが完全一致するスキャンが
	// since以降に記録済みかを返す。
	ExistsRecent(ctx context.Context, qrCodeID, ipAddress, userAgent string, since time.Time) (bool, error)

	// CountByUserSince はユーザーが所有する全QRコードのsince以降のスキャン数を返す。
	// 論理削除済みQRコードのスキャンも含む。
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// CountThroughSeq はQRコードのスキャンのうちseqが指定値以下の件数を返す。
	// 当該スキャンが何件目かを一意に決めるために使う。
	CountThroughSeq(ctx context.Context, qrCodeID string, seq int64) (int64, error)

	// CountByQRCodeBetween はQRコードの[from, to)のスキャン数を返す。
	CountByQRCodeBetween(ctx context.Context, qrCodeID string, from, to time.Time) (int64, error)

	// CountByLocationBefore は指定seqより前に同じ国・都市から記録されたスキャン数を返す。
	CountByLocationBefore(ctx context.Context, qrCodeID string, loc model.Location, beforeSeq int64) (int64, error)

	// DeviceCountsBetween はQRコードの[from, to)の端末種別ごとのスキャン数を返す。
	DeviceCountsBetween(ctx context.Context, qrCodeID string, from, to time.Time) ([]model.DeviceCount, error)

	// MinuteCountsByUser はユーザーの[from, to)のスキャン数を分単位で集計して返す。
	// スキャンがない分は含まれない。
	MinuteCountsByUser(ctx context.Context, userID string, from, to time.Time) ([]model.BucketCount, error)

	// CountByUserBetween はユーザーの[from, to)のスキャン数を返す。
	CountByUserBetween(ctx context.Context, userID string, from, to time.Time) (int64, error)

	// MaxDailyCountBefore はQRコードのbefore（UTC日付境界）より前の日別スキャン数の最大値を返す。
	// 履歴がない場合は0を返す。
	MaxDailyCountBefore(ctx context.Context, qrCodeID string, before time.Time) (int64, error)

	// ListActiveUserIDsSince はsince以降にスキャンがあったQRコードのオーナーIDを返す。
	ListActiveUserIDsSince(ctx context.Context, since time.Time) ([]string, error)

	// ListActiveQRCodesSince はsince以降にスキャンがあったQRコードを返す。
	ListActiveQRCodesSince(ctx context.Context, since time.Time) ([]*model.QRCode, error)
}

// PlanRepository はプラン契約情報の参照インターフェース。
type PlanRepository interface {
	// FindByUserID はユーザーのプラン契約を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.PlanSubscription, error)
}

// NotificationRepository は通知の永続化インターフェース。
type NotificationRepository interface {
	// Create は通知を作成する。
	Create(ctx context.Context, n *model.Notification) error

	// ListByUserID はユーザーの通知を新しい順に返す。unreadOnlyがtrueの場合は未読のみ。
	ListByUserID(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error)

	// CountUnread はユーザーの未読通知数を返す。
	CountUnread(ctx context.Context, userID string) (int64, error)

	// MarkRead は指定通知を既読にする。ユーザーが所有しない通知の場合はfalseを返す。
	MarkRead(ctx context.Context, userID, id string) (bool, error)

	// MarkAllRead はユーザーの全未読通知を既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// AlertMarkRepository は検知ごとの「通知済み」マークの永続化インターフェース。
// 同一の発生に対して通知を重複させないための冪等性ガードとして使う。
type AlertMarkRepository interface {
	// Mark はキーを記録する。初めて記録した呼び出しのみtrueを返す。
	Mark(ctx context.Context, key, userID string) (bool, error)

	// Unmark はキーを削除する。通知の作成に失敗した場合の巻き戻しに使う。
	Unmark(ctx context.Context, key string) error
}

// WebhookRepository はWebhook購読の永続化インターフェース。
type WebhookRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.WebhookSubscription, error)

	// ListByUserID はユーザーの全購読を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.WebhookSubscription, error)

	// ListActiveByUserID はユーザーの有効な購読を返す。
	ListActiveByUserID(ctx context.Context, userID string) ([]*model.WebhookSubscription, error)

	// Create は購読を作成する。
	Create(ctx context.Context, sub *model.WebhookSubscription) error

	// Update はURL・イベント・有効フラグを更新する。再有効化時は失敗カウンタもリセットする。
	Update(ctx context.Context, sub *model.WebhookSubscription) error

	// Delete は指定IDの購読を削除する。
	Delete(ctx context.Context, id string) error

	// RecordFailure は連続失敗カウンタをインクリメントし、
	// threshold以上になった場合は購読を無効化する。無効化した場合はtrueを返す。
	RecordFailure(ctx context.Context, id string, threshold int) (bool, error)

	// ResetFailures は連続失敗カウンタを0に戻す。
	ResetFailures(ctx context.Context, id string) error
}

// DeliveryRepository はWebhook配信試行の永続化インターフェース。
type DeliveryRepository interface {
	// Create は配信行を作成する。
	Create(ctx context.Context, d *model.WebhookDelivery) error

	// Update は配信行の状態・試行回数・次回再試行時刻を更新する。
	Update(ctx context.Context, d *model.WebhookDelivery) error

	// ClaimDue はnext_retry_atがnow以前の失敗配信を最大limit件取得し、
	// 他のワーカーが重複して拾わないようstatusをpendingに戻してnext_retry_atをクリアする。
	// staleAfterより長くpendingのまま更新されていない配信も取り直す。
	ClaimDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*model.WebhookDelivery, error)

	// ListBySubscriptionID は購読の配信履歴を新しい順に返す。
	ListBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]*model.WebhookDelivery, error)
}

// SessionRepository はセッションの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}
