package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresWebhookRepo はPostgreSQLを使用したWebhook購読リポジトリ。
type PostgresWebhookRepo struct {
	db *sql.DB
}

// NewPostgresWebhookRepo はPostgresWebhookRepoを生成する。
func NewPostgresWebhookRepo(db *sql.DB) *PostgresWebhookRepo {
	return &PostgresWebhookRepo{db: db}
}

const webhookColumns = `id, user_id, url, events, secret, is_active, failure_count, last_failure_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*model.WebhookSubscription, error) {
	sub := &model.WebhookSubscription{}
	var lastFailureAt sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.URL, pq.Array(&sub.Events), &sub.Secret,
		&sub.IsActive, &sub.FailureCount, &lastFailureAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastFailureAt.Valid {
		sub.LastFailureAt = &lastFailureAt.Time
	}
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresWebhookRepo) FindByID(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE id = $1`,
		id,
	)
	sub, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Webhook購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// ListByUserID はユーザーの全購読を作成順に返す。
func (r *PostgresWebhookRepo) ListByUserID(ctx context.Context, userID string) ([]*model.WebhookSubscription, error) {
	return r.list(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions
		 WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
}

// ListActiveByUserID はユーザーの有効な購読を返す。
func (r *PostgresWebhookRepo) ListActiveByUserID(ctx context.Context, userID string) ([]*model.WebhookSubscription, error) {
	return r.list(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions
		 WHERE user_id = $1 AND is_active = true ORDER BY created_at ASC`,
		userID,
	)
}

func (r *PostgresWebhookRepo) list(ctx context.Context, query string, args ...any) ([]*model.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Webhook購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("Webhook購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Webhook購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// Create は購読を作成する。
func (r *PostgresWebhookRepo) Create(ctx context.Context, sub *model.WebhookSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, user_id, url, events, secret, is_active, failure_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		sub.ID, sub.UserID, sub.URL, pq.Array(sub.Events), sub.Secret, sub.IsActive, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhook購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Update はURL・イベント・有効フラグを更新する。
// 無効から有効に戻す場合は連続失敗カウンタも0に戻す。
func (r *PostgresWebhookRepo) Update(ctx context.Context, sub *model.WebhookSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET url = $1, events = $2, is_active = $3, updated_at = $4,
		     failure_count = CASE WHEN $3 AND NOT is_active THEN 0 ELSE failure_count END
		 WHERE id = $5`,
		sub.URL, pq.Array(sub.Events), sub.IsActive, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("Webhook購読の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDの購読を削除する。配信履歴はON DELETE CASCADEで削除される。
func (r *PostgresWebhookRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("Webhook購読の削除に失敗しました: %w", err)
	}
	return nil
}

// RecordFailure は連続失敗カウンタをアトミックにインクリメントし、
// threshold以上になった場合は同じUPDATE内で購読を無効化する。
func (r *PostgresWebhookRepo) RecordFailure(ctx context.Context, id string, threshold int) (bool, error) {
	var deactivated bool
	err := r.db.QueryRowContext(ctx,
		`UPDATE webhook_subscriptions
		 SET failure_count = failure_count + 1,
		     last_failure_at = NOW(),
		     is_active = CASE WHEN failure_count + 1 >= $2 THEN false ELSE is_active END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING failure_count >= $2`,
		id, threshold,
	).Scan(&deactivated)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Webhook失敗回数の更新に失敗しました: %w", err)
	}
	return deactivated, nil
}

// ResetFailures は連続失敗カウンタを0に戻す。
func (r *PostgresWebhookRepo) ResetFailures(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET failure_count = 0 WHERE id = $1 AND failure_count <> 0`,
		id,
	)
	if err != nil {
		return fmt.Errorf("Webhook失敗回数のリセットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookRepository = (*PostgresWebhookRepo)(nil)
