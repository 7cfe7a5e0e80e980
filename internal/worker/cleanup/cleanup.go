// Package cleanup は保持期間を超えたデータの自動削除ジョブを提供する。
//
// 対象はスキャン履歴、既読通知、完了したWebhook配信、時間単位の通知済みマーク。
// マイルストーンと新規地域のマークは「一度だけ」を保証するため削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// defaultBatchSize は1回のDELETEで削除する最大行数。
// 大量削除で長時間ロックを持たないよう、バッチに分けて削除する。
const defaultBatchSize = 5000

// Retention は対象ごとの保持日数。0以下の対象は削除しない。
type Retention struct {
	ScanDays            int
	NotificationDays    int
	WebhookDeliveryDays int
	AlertMarkDays       int
}

// DefaultRetention はデフォルトの保持日数を返す。
func DefaultRetention() Retention {
	return Retention{
		ScanDays:            730,
		NotificationDays:    90,
		WebhookDeliveryDays: 30,
		AlertMarkDays:       45,
	}
}

// target は削除対象の1種類。queryは $1 に保持期間、$2 にバッチサイズを受け取る。
type target struct {
	name  string
	days  int
	query string
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 削除条件は時刻だけで決まるため冪等で、複数回実行しても結果は変わらない。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	retention Retention
	batchSize int
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, retention Retention, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:        db,
		logger:    logger,
		retention: retention,
		batchSize: defaultBatchSize,
	}
}

func (j *CleanupJob) targets() []target {
	return []target{
		{
			name: "scans",
			days: j.retention.ScanDays,
			query: `DELETE FROM scans WHERE id IN (
				SELECT id FROM scans WHERE scanned_at < now() - $1::interval LIMIT $2)`,
		},
		{
			name: "notifications",
			days: j.retention.NotificationDays,
			query: `DELETE FROM notifications WHERE id IN (
				SELECT id FROM notifications
				WHERE is_read = true AND created_at < now() - $1::interval LIMIT $2)`,
		},
		{
			name: "webhook_deliveries",
			days: j.retention.WebhookDeliveryDays,
			query: `DELETE FROM webhook_deliveries WHERE id IN (
				SELECT id FROM webhook_deliveries
				WHERE (status = 'delivered' OR (status = 'failed' AND next_retry_at IS NULL))
				  AND created_at < now() - $1::interval LIMIT $2)`,
		},
		{
			name: "alert_marks",
			days: j.retention.AlertMarkDays,
			query: `DELETE FROM alert_marks WHERE alert_key IN (
				SELECT alert_key FROM alert_marks
				WHERE alert_key NOT LIKE 'milestone:%' AND alert_key NOT LIKE 'location:%'
				  AND created_at < now() - $1::interval LIMIT $2)`,
		},
	}
}

// Run は全対象の削除を実行する。1つの対象が失敗しても残りの対象は実行し、
// 最初に発生したエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	var firstErr error
	for _, t := range j.targets() {
		if t.days <= 0 {
			continue
		}
		if err := j.purge(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// purge は対象をバッチごとに削除し、削除件数がバッチサイズ未満になったら終了する。
func (j *CleanupJob) purge(ctx context.Context, t target) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", t.days)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := j.db.ExecContext(ctx, t.query, interval, j.batchSize)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", t.name),
				slog.String("error", err.Error()),
				slog.Int("retention_days", t.days),
			)
			return fmt.Errorf("%sのクリーンアップに失敗: %w", t.name, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deleted
		if deleted < int64(j.batchSize) {
			break
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("target", t.name),
		slog.Int64("deleted_count", total),
		slog.Int("retention_days", t.days),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
