package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// CalculateBackoff は失敗回数に基づいて次の再試行までの遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
func CalculateBackoff(failedAttempts int) time.Duration {
	delay := initialBackoff
	for i := 1; i < failedAttempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Deliverer は配信を1回試行するインターフェース。Dispatcherが満たす。
type Deliverer interface {
	Deliver(ctx context.Context, sub *model.WebhookSubscription, d *model.WebhookDelivery) error
}

// RetryWorker は再試行期限が来た配信を定期的に取得して再送する。
// 取得はFOR UPDATE SKIP LOCKEDで行うため、複数のワーカーを同時に動かしてもよい。
type RetryWorker struct {
	deliveries     repository.DeliveryRepository
	subs           repository.WebhookRepository
	deliverer      Deliverer
	logger         *slog.Logger
	batchSize      int
	staleAfter     time.Duration
	maxConcurrency int
	now            func() time.Time
}

// NewRetryWorker はRetryWorkerを生成する。
// batchSizeが0以下の場合は100、maxConcurrencyが0以下の場合は10を使用する。
func NewRetryWorker(
	deliveries repository.DeliveryRepository,
	subs repository.WebhookRepository,
	deliverer Deliverer,
	logger *slog.Logger,
	batchSize int,
	maxConcurrency int,
) *RetryWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &RetryWorker{
		deliveries:     deliveries,
		subs:           subs,
		deliverer:      deliverer,
		logger:         logger,
		batchSize:      batchSize,
		staleAfter:     10 * time.Minute,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。コンテキストがキャンセルされるまで実行を継続する。
func (w *RetryWorker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Webhook再送ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", w.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Webhook再送ワーカーを停止しました")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Webhook再送サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は再送対象を1回取得し、semaphoreで並列数を制御しながら再送する。
// 取得した件数を返す。
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	due, err := w.deliveries.ClaimDue(ctx, now, w.staleAfter, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, w.maxConcurrency)
	var wg sync.WaitGroup

	for _, d := range due {
		wg.Add(1)
		sem <- struct{}{}

		go func(d *model.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.retry(ctx, d)
		}(d)
	}

	wg.Wait()

	w.logger.Info("Webhook再送サイクルが完了しました",
		slog.Int("delivery_count", len(due)),
		slog.Float64("duration_ms", float64(w.now().Sub(now).Milliseconds())),
	)
	return len(due), nil
}

func (w *RetryWorker) retry(ctx context.Context, d *model.WebhookDelivery) {
	sub, err := w.subs.FindByID(ctx, d.SubscriptionID)
	if err != nil {
		w.logger.Error("Webhook購読の取得に失敗しました",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
		// 次のサイクルで取り直せるよう再試行待ちに戻す
		w.reschedule(ctx, d, err.Error())
		return
	}
	if sub == nil || !sub.IsActive {
		w.abandon(ctx, d, "購読が無効化されたため再送を中止しました")
		return
	}

	if err := w.deliverer.Deliver(ctx, sub, d); err != nil {
		w.logger.Error("Webhookの再送に失敗しました",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *RetryWorker) reschedule(ctx context.Context, d *model.WebhookDelivery, reason string) {
	next := w.now().Add(initialBackoff)
	d.Status = model.DeliveryFailed
	d.NextRetryAt = &next
	d.LastError = &reason
	d.UpdatedAt = w.now()
	if err := w.deliveries.Update(ctx, d); err != nil {
		w.logger.Error("配信状態の更新に失敗しました",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *RetryWorker) abandon(ctx context.Context, d *model.WebhookDelivery, reason string) {
	d.Status = model.DeliveryFailed
	d.NextRetryAt = nil
	d.LastError = &reason
	d.UpdatedAt = w.now()
	if err := w.deliveries.Update(ctx, d); err != nil {
		w.logger.Error("配信状態の更新に失敗しました",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}
