package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用したWebhook配信リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

const deliveryColumns = `id, subscription_id, event_type, payload, status, attempt_count,
	response_status, last_error, next_retry_at, delivered_at, created_at, updated_at`

func scanDelivery(row rowScanner) (*model.WebhookDelivery, error) {
	d := &model.WebhookDelivery{}
	var responseStatus sql.NullInt64
	var lastError sql.NullString
	var nextRetryAt, deliveredAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
		&responseStatus, &lastError, &nextRetryAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if responseStatus.Valid {
		code := int(responseStatus.Int64)
		d.ResponseStatus = &code
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if nextRetryAt.Valid {
		d.NextRetryAt = &nextRetryAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	return d, nil
}

// Create は配信行を作成する。
func (r *PostgresDeliveryRepo) Create(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (
			id, subscription_id, event_type, payload, status, attempt_count,
			response_status, last_error, next_retry_at, delivered_at, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.SubscriptionID, d.EventType, d.Payload, string(d.Status), d.AttemptCount,
		d.ResponseStatus, d.LastError, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhook配信の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は配信行の状態・試行回数・次回再試行時刻を更新する。
func (r *PostgresDeliveryRepo) Update(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $1, attempt_count = $2, response_status = $3, last_error = $4,
		     next_retry_at = $5, delivered_at = $6, updated_at = $7
		 WHERE id = $8`,
		string(d.Status), d.AttemptCount, d.ResponseStatus, d.LastError,
		d.NextRetryAt, d.DeliveredAt, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("Webhook配信の更新に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue は再試行期限が来た配信を取得し、同じ文でpendingに戻す。
// FOR UPDATE SKIP LOCKEDにより複数ワーカーが同じ行を拾うことはない。
func (r *PostgresDeliveryRepo) ClaimDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]*model.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'pending', next_retry_at = NULL, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM webhook_deliveries
		     WHERE (status = 'failed' AND next_retry_at <= $1)
		        OR (status = 'pending' AND updated_at < $2)
		     ORDER BY created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns,
		now, now.Add(-staleAfter), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("再試行対象の配信の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var deliveries []*model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("配信行の読み取りに失敗しました: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再試行対象の配信の走査に失敗しました: %w", err)
	}
	return deliveries, nil
}

// ListBySubscriptionID は購読の配信履歴を新しい順に返す。
func (r *PostgresDeliveryRepo) ListBySubscriptionID(ctx context.Context, subscriptionID string, limit int) ([]*model.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE subscription_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var deliveries []*model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("配信行の読み取りに失敗しました: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信履歴の走査に失敗しました: %w", err)
	}
	return deliveries, nil
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
