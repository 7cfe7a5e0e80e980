package model

import "time"

// QRCode はスキャン対象となるQRコード（リソース）を表す。
// 過去のスキャン履歴を保持するため物理削除は行わず、DeletedAtで論理削除する。
type QRCode struct {
	ID        string
	UserID    string
	ShortCode string
	Name      string
	Content   string
	IsDynamic bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDeleted は論理削除済みかを返す。
func (q *QRCode) IsDeleted() bool {
	return q.DeletedAt != nil
}

// DeviceType はUser-Agentから判定した端末種別。
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// Unknown はOS・ブラウザが判定できなかった場合の値。
const Unknown = "unknown"

// ScanEvent は1回のスキャンを表す。追記専用で、通常フローでは更新・削除しない。
type ScanEvent struct {
	ID             string
	Seq            int64
	QRCodeID       string
	ScannedAt      time.Time
	IPAddress      string
	UserAgent      string
	DeviceType     DeviceType
	OS             string
	Browser        string
	Country        *string
	City           *string
	Referrer       *string
	ReferrerDomain *string
	DedupKey       *string
}

// Location はスキャン元の国・都市の組。
type Location struct {
	Country string
	City    string
}

// DeviceCount は端末種別ごとのスキャン数。
type DeviceCount struct {
	DeviceType DeviceType
	Count      int64
}

// BucketCount は時間バケット（分・日など）ごとのスキャン数。
type BucketCount struct {
	Bucket time.Time
	Count  int64
}
