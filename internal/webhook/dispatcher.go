package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
)

// maxResponseBody は配信先の応答ボディを読み捨てる上限（64KB）。
const maxResponseBody = 64 * 1024

// Config は配信の設定。
type Config struct {
	// MaxAttempts は1つの配信の最大試行回数。超えると終端の失敗とする。
	MaxAttempts int
	// DeactivateThreshold は購読を無効化する連続終端失敗数。
	DeactivateThreshold int
	// Timeout は1回の配信リクエストのタイムアウト。
	Timeout time.Duration
}

// DefaultConfig はデフォルトの配信設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		DeactivateThreshold: 10,
		Timeout:             10 * time.Second,
	}
}

// Dispatcher はイベントを購読中の配信先に送る。
type Dispatcher struct {
	subs       repository.WebhookRepository
	deliveries repository.DeliveryRepository
	client     *http.Client
	cfg        Config
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher はDispatcherを生成する。
// clientにはSSRF防止機能付きのクライアントを渡すこと。
func NewDispatcher(
	subs repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	client *http.Client,
	cfg Config,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DeactivateThreshold <= 0 {
		cfg.DeactivateThreshold = def.DeactivateThreshold
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		client:     client,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish はユーザーの有効な購読のうち、eventを購読しているものへ配信する。
// 個々の配信失敗は配信行に記録して再試行に回すため、エラーとしては返さない。
func (d *Dispatcher) Publish(ctx context.Context, userID, event string, data map[string]any) error {
	subs, err := d.subs.ListActiveByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("Webhook購読の取得に失敗しました: %w", err)
	}

	var targets []*model.WebhookSubscription
	for _, sub := range subs {
		if sub.Subscribes(event) {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	now := d.now()
	payload, err := BuildPayload(event, data, now)
	if err != nil {
		return err
	}

	for _, sub := range targets {
		delivery := &model.WebhookDelivery{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			EventType:      event,
			Payload:        payload,
			Status:         model.DeliveryPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			d.logger.Error("Webhook配信の作成に失敗しました",
				slog.String("subscription_id", sub.ID),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := d.Deliver(ctx, sub, delivery); err != nil {
			d.logger.Error("Webhook配信状態の保存に失敗しました",
				slog.String("delivery_id", delivery.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Deliver は配信を1回試行し、結果を配信行に保存する。
// 返すエラーは配信行の更新失敗のみで、配信先の失敗は配信行の状態として表す。
func (d *Dispatcher) Deliver(ctx context.Context, sub *model.WebhookSubscription, delivery *model.WebhookDelivery) error {
	start := d.now()
	statusCode, sendErr := d.send(ctx, sub, delivery)
	d.metrics.RecordWebhookLatency(d.now().Sub(start))

	now := d.now()
	delivery.AttemptCount++
	delivery.UpdatedAt = now
	if statusCode != 0 {
		code := statusCode
		delivery.ResponseStatus = &code
	}

	success := sendErr == nil && statusCode >= 200 && statusCode < 300
	d.metrics.RecordWebhookDelivery(statusCode, success)

	if success {
		delivery.Status = model.DeliveryDelivered
		delivery.DeliveredAt = &now
		delivery.NextRetryAt = nil
		delivery.LastError = nil
		if err := d.deliveries.Update(ctx, delivery); err != nil {
			return err
		}
		return d.subs.ResetFailures(ctx, sub.ID)
	}

	reason := failureReason(statusCode, sendErr)
	delivery.Status = model.DeliveryFailed
	delivery.LastError = &reason

	if delivery.AttemptCount < d.cfg.MaxAttempts {
		next := now.Add(CalculateBackoff(delivery.AttemptCount))
		delivery.NextRetryAt = &next
		d.logger.Warn("Webhook配信に失敗しました。再試行します",
			slog.String("delivery_id", delivery.ID),
			slog.String("subscription_id", sub.ID),
			slog.Int("attempt", delivery.AttemptCount),
			slog.Time("next_retry_at", next),
			slog.String("reason", reason),
		)
		return d.deliveries.Update(ctx, delivery)
	}

	delivery.NextRetryAt = nil
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return err
	}
	deactivated, err := d.subs.RecordFailure(ctx, sub.ID, d.cfg.DeactivateThreshold)
	if err != nil {
		return err
	}
	d.logger.Warn("Webhook配信が最大試行回数に達しました",
		slog.String("delivery_id", delivery.ID),
		slog.String("subscription_id", sub.ID),
		slog.Int("attempts", delivery.AttemptCount),
		slog.String("reason", reason),
	)
	if deactivated {
		d.logger.Warn("連続失敗によりWebhook購読を無効化しました",
			slog.String("subscription_id", sub.ID),
			slog.String("user_id", sub.UserID),
			slog.Int("threshold", d.cfg.DeactivateThreshold),
		)
	}
	return nil
}

// send は署名付きでPOSTし、HTTPステータスコードを返す。
// 接続エラーの場合はステータスコード0とエラーを返す。
func (d *Dispatcher) send(ctx context.Context, sub *model.WebhookSubscription, delivery *model.WebhookDelivery) (int, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "theqrcode-webhook/1.0")
	req.Header.Set(HeaderSignature, SignatureHeader(sub.Secret, delivery.Payload))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set(HeaderEvent, delivery.EventType)
	req.Header.Set(HeaderDelivery, delivery.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// 接続を再利用できるようボディを上限付きで読み捨てる
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return resp.StatusCode, nil
}

func failureReason(statusCode int, err error) string {
	if err != nil {
		return err.Error()
	}
	return "HTTP " + strconv.Itoa(statusCode)
}
