package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// Summarize はユーザーの直近の期間のスキャン数が下限以上であれば集計通知を送る。
// 同じ時間帯（UTCの時）の集計は1回だけ送る。
func (d *Detector) Summarize(ctx context.Context, userID string, now time.Time) error {
	count, err := d.stats.CountByUserBetween(ctx, userID, windowEnd(now).Add(-d.cfg.SummaryWindow), windowEnd(now))
	if err != nil {
		return err
	}
	if count < d.cfg.SummaryMinScans {
		return nil
	}

	return d.fire(ctx, fmt.Sprintf("summary:%s:%s", userID, hourKey(now)), model.Alert{
		UserID:   userID,
		Category: model.CategorySummary,
		Priority: model.PriorityLow,
		Title:    "直近1時間のスキャン集計",
		Message:  fmt.Sprintf("直近1時間で%d回スキャンされました。", count),
		Data: map[string]any{
			"scan_count":     count,
			"window_minutes": int(d.cfg.SummaryWindow.Minutes()),
		},
	})
}

// SummarySweep は直近にスキャンがあったユーザー全員の集計を送るジョブ。
// あわせて直近にスキャンがあったQRコードの節目の取りこぼしを確認する。
// ワーカーから定期的に実行する。
type SummarySweep struct {
	detector *Detector
	logger   *slog.Logger
}

// NewSummarySweep はSummarySweepを生成する。
func NewSummarySweep(detector *Detector, logger *slog.Logger) *SummarySweep {
	return &SummarySweep{detector: detector, logger: logger}
}

// RunOnce は1回分の集計を実行し、通知対象として確認したユーザー数を返す。
func (s *SummarySweep) RunOnce(ctx context.Context) (int, error) {
	now := s.detector.now().UTC()
	userIDs, err := s.detector.stats.ListActiveUserIDsSince(ctx, now.Add(-s.detector.cfg.SummaryWindow))
	if err != nil {
		return 0, fmt.Errorf("集計対象ユーザーの取得に失敗しました: %w", err)
	}

	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.detector.Summarize(ctx, userID, now); err != nil {
			s.logger.Error("スキャン集計の通知に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.reconcileMilestones(ctx, now); err != nil {
		return 0, err
	}
	return len(userIDs), nil
}

func (s *SummarySweep) reconcileMilestones(ctx context.Context, now time.Time) error {
	since := now.Add(-s.detector.cfg.MilestoneCatchUpWindow)
	codes, err := s.detector.stats.ListActiveQRCodesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("節目確認対象のQRコードの取得に失敗しました: %w", err)
	}
	for _, qr := range codes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.detector.ReconcileMilestones(ctx, qr, since, now); err != nil {
			s.logger.Error("節目の取りこぼし確認に失敗しました",
				slog.String("qr_code_id", qr.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Start はintervalごとにRunOnceを実行する。ctxがキャンセルされるまで戻らない。
func (s *SummarySweep) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スキャン集計ジョブを開始しました", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スキャン集計ジョブを停止しました")
			return
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("スキャン集計ジョブの実行に失敗しました", slog.String("error", err.Error()))
				continue
			}
			s.logger.Info("スキャン集計ジョブが完了しました", slog.Int("user_count", n))
		}
	}
}
