package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// Create は通知を作成する。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, category, priority, title, message, action_url, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`,
		n.ID, n.UserID, string(n.Category), string(n.Priority), n.Title, n.Message, n.ActionURL, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知の作成に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの通知を新しい順に返す。
func (r *PostgresNotificationRepo) ListByUserID(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, category, priority, title, message, action_url, is_read, read_at, created_at
		 FROM notifications
		 WHERE user_id = $1 AND ($2 = false OR is_read = false)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, unreadOnly, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.Notification
	for rows.Next() {
		n := &model.Notification{}
		var actionURL sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Category, &n.Priority, &n.Title, &n.Message,
			&actionURL, &n.IsRead, &readAt, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("通知行の読み取りに失敗しました: %w", err)
		}
		if actionURL.Valid {
			n.ActionURL = &actionURL.String
		}
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の走査に失敗しました: %w", err)
	}
	return list, nil
}

// CountUnread はユーザーの未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = false`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkRead は指定通知を既読にする。
// user_idを条件に含めるため、他ユーザーの通知は更新されずfalseを返す。
// 既読済みの通知に対しても冪等にtrueを返す。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET is_read = true, read_at = COALESCE(read_at, NOW())
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkAllRead はユーザーの全未読通知を既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true, read_at = NOW()
		 WHERE user_id = $1 AND is_read = false`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
