package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// イベント種別
const (
	EventScanCreated = "scan.created"
	EventAll         = "*"
	EventAllAlerts   = "alert.*"
)

// SupportedEvents は購読できるイベント種別。
var SupportedEvents = []string{
	EventScanCreated,
	"alert." + string(model.CategoryMilestone),
	"alert." + string(model.CategorySpike),
	"alert." + string(model.CategoryLocation),
	"alert." + string(model.CategoryTrend),
	"alert." + string(model.CategoryVelocity),
	"alert." + string(model.CategorySummary),
	"alert." + string(model.CategoryRecord),
}

// IsSupportedEvent は購読可能なイベント種別かを返す。"*" と "alert.*" も受け付ける。
func IsSupportedEvent(event string) bool {
	if event == EventAll || event == EventAllAlerts {
		return true
	}
	for _, e := range SupportedEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Envelope は配信するJSONの外形。
type Envelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// BuildPayload はイベントをJSONに直列化する。
// 直列化は1回だけ行い、同じバイト列を署名・保存・再送に使う。
func BuildPayload(event string, data any, now time.Time) ([]byte, error) {
	body, err := json.Marshal(Envelope{
		ID:        uuid.New().String(),
		Event:     event,
		CreatedAt: now.UTC(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("Webhookペイロードの生成に失敗しました: %w", err)
	}
	return body, nil
}

// ScanCreatedData はscan.createdイベントのdataを返す。IPアドレスとUser-Agentは含めない。
func ScanCreatedData(qr *model.QRCode, ev *model.ScanEvent) map[string]any {
	data := map[string]any{
		"scan_id":     ev.ID,
		"qr_code_id":  qr.ID,
		"short_code":  qr.ShortCode,
		"scanned_at":  ev.ScannedAt.UTC(),
		"device_type": string(ev.DeviceType),
		"os":          ev.OS,
		"browser":     ev.Browser,
	}
	if ev.Country != nil {
		data["country"] = *ev.Country
	}
	if ev.City != nil {
		data["city"] = *ev.City
	}
	if ev.ReferrerDomain != nil {
		data["referrer_domain"] = *ev.ReferrerDomain
	}
	return data
}
