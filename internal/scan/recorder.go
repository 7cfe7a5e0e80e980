// Package scan はスキャン信号の取り込みと記録を提供する。
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// ErrDuplicate は同じdedup_keyのスキャンが既に記録されていることを表す。
// 取り込み処理では重複スキャンとして成功扱いにする。
var ErrDuplicate = errors.New("重複したスキャンです")

// ScanWriter はスキャンイベントを追記するインターフェース。
type ScanWriter interface {
	Insert(ctx context.Context, scan *model.ScanEvent) (bool, error)
}

// RecordInput は記録するスキャン1件分の入力。
type RecordInput struct {
	QRCodeID   string
	IPAddress  string
	UserAgent  string
	Referrer   string
	Enrichment enrich.Enrichment
	DedupKey   string
	ScannedAt  time.Time
}

// Recorder はスキャンイベントを1行INSERTで記録する。ロックを取らず並行に呼び出せる。
type Recorder struct {
	scans ScanWriter
}

// NewRecorder はRecorderを生成する。
func NewRecorder(scans ScanWriter) *Recorder {
	return &Recorder{scans: scans}
}

// Record はスキャンイベントを記録する。
// dedup_keyが既存の行と衝突した場合はErrDuplicateを返す。
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*model.ScanEvent, error) {
	scannedAt := in.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}

	ev := &model.ScanEvent{
		ID:         uuid.New().String(),
		QRCodeID:   in.QRCodeID,
		ScannedAt:  scannedAt.UTC(),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		DeviceType: in.Enrichment.Device.DeviceType,
		OS:         in.Enrichment.Device.OS,
		Browser:    in.Enrichment.Device.Browser,
		Referrer:   optional(in.Referrer),
		DedupKey:   optional(in.DedupKey),
	}
	if loc := in.Enrichment.Location; loc != nil {
		ev.Country = optional(loc.Country)
		ev.City = optional(loc.City)
	}
	ev.ReferrerDomain = optional(in.Enrichment.ReferrerDomain)

	inserted, err := r.scans.Insert(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("スキャンの記録に失敗しました: %w", err)
	}
	if !inserted {
		return nil, ErrDuplicate
	}
	return ev, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
