// Package analytics はスキャン記録後の節目・異常の検知を提供する。
//
// 各検知は独立して実行され、1つの失敗が他の検知を止めることはない。
// 同じ発生に対する通知の重複はAlertMarkerのキーで防ぐ。
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// ScanStats は検知に使うスキャン集計のインターフェース。
// repository.ScanRepositoryが満たす。
type ScanStats interface {
	CountThroughSeq(ctx context.Context, qrCodeID string, seq int64) (int64, error)
	CountByQRCodeBetween(ctx context.Context, qrCodeID string, from, to time.Time) (int64, error)
	CountByLocationBefore(ctx context.Context, qrCodeID string, loc model.Location, beforeSeq int64) (int64, error)
	DeviceCountsBetween(ctx context.Context, qrCodeID string, from, to time.Time) ([]model.DeviceCount, error)
	MinuteCountsByUser(ctx context.Context, userID string, from, to time.Time) ([]model.BucketCount, error)
	CountByUserBetween(ctx context.Context, userID string, from, to time.Time) (int64, error)
	MaxDailyCountBefore(ctx context.Context, qrCodeID string, before time.Time) (int64, error)
	ListActiveUserIDsSince(ctx context.Context, since time.Time) ([]string, error)
	ListActiveQRCodesSince(ctx context.Context, since time.Time) ([]*model.QRCode, error)
}

// AlertMarker は「通知済み」マークのインターフェース。
type AlertMarker interface {
	Mark(ctx context.Context, key, userID string) (bool, error)
	Unmark(ctx context.Context, key string) error
}

// AlertSink は検知結果の送り先。notification.Dispatcherが満たす。
type AlertSink interface {
	Dispatch(ctx context.Context, alert model.Alert) error
}

// Trigger は検知の起点となる記録済みスキャン。
type Trigger struct {
	QRCode *model.QRCode
	Scan   *model.ScanEvent
}

type check struct {
	name string
	run  func(ctx context.Context, t Trigger, now time.Time) error
}

// Detector はスキャン1件ごとに各検知を実行する。
type Detector struct {
	stats   ScanStats
	marks   AlertMarker
	sink    AlertSink
	cfg     Config
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
	checks  []check
}

// NewDetector はDetectorを生成する。
func NewDetector(stats ScanStats, marks AlertMarker, sink AlertSink, cfg Config, logger *slog.Logger, m metrics.MetricsCollector) *Detector {
	if m == nil {
		m = metrics.Nop{}
	}
	d := &Detector{
		stats:   stats,
		marks:   marks,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	d.checks = []check{
		{"milestone", d.checkMilestone},
		{"spike", d.checkSpike},
		{"location", d.checkLocation},
		{"trend", d.checkTrend},
		{"velocity", d.checkVelocity},
		{"summary", d.checkSummary},
		{"record", d.checkRecord},
	}
	return d
}

// Analyze は全検知を実行する。各検知のエラーはログに記録して次の検知に進む。
func (d *Detector) Analyze(ctx context.Context, t Trigger) {
	if t.QRCode == nil || t.Scan == nil {
		return
	}
	now := t.Scan.ScannedAt
	if now.IsZero() {
		now = d.now()
	}
	now = now.UTC()

	for _, c := range d.checks {
		if err := c.run(ctx, t, now); err != nil {
			d.logger.Error("検知処理に失敗しました",
				slog.String("check", c.name),
				slog.String("qr_code_id", t.QRCode.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fire はキーを初めて記録した場合に限り通知を送る。
// 送信に失敗した場合はキーを削除し、次のスキャンで再試行できるようにする。
func (d *Detector) fire(ctx context.Context, key string, alert model.Alert) error {
	first, err := d.marks.Mark(ctx, key, alert.UserID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := d.sink.Dispatch(ctx, alert); err != nil {
		if unmarkErr := d.marks.Unmark(ctx, key); unmarkErr != nil {
			d.logger.Warn("通知済みマークの巻き戻しに失敗しました",
				slog.String("key", key),
				slog.String("error", unmarkErr.Error()),
			)
		}
		return fmt.Errorf("通知の送信に失敗しました: %w", err)
	}

	d.metrics.RecordAlert(string(alert.Category))
	d.logger.Info("通知を作成しました",
		slog.String("key", key),
		slog.String("category", string(alert.Category)),
		slog.String("user_id", alert.UserID),
	)
	return nil
}

// windowEnd は現在のスキャンを含めるための半開区間の終端。
func windowEnd(now time.Time) time.Time {
	return now.Add(time.Microsecond)
}

func hourKey(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

func qrName(qr *model.QRCode) string {
	if qr.Name != "" {
		return qr.Name
	}
	return qr.ShortCode
}
