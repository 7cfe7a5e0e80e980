package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAlertMarkRepo はPostgreSQLを使用した通知済みマークリポジトリ。
type PostgresAlertMarkRepo struct {
	db *sql.DB
}

// NewPostgresAlertMarkRepo はPostgresAlertMarkRepoを生成する。
func NewPostgresAlertMarkRepo(db *sql.DB) *PostgresAlertMarkRepo {
	return &PostgresAlertMarkRepo{db: db}
}

// Mark はキーを記録する。
// PRIMARY KEY(alert_key)に対するINSERT ON CONFLICT DO NOTHINGのため、
// 並行に同じキーを記録しても1件だけがtrueを受け取る。
func (r *PostgresAlertMarkRepo) Mark(ctx context.Context, key, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO alert_marks (alert_key, user_id, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (alert_key) DO NOTHING`,
		key, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知済みマークの記録に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("記録結果の取得に失敗しました: %w", err)
	}
	return rowsAffected == 1, nil
}

// Unmark はキーを削除する。
func (r *PostgresAlertMarkRepo) Unmark(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM alert_marks WHERE alert_key = $1`, key)
	if err != nil {
		return fmt.Errorf("通知済みマークの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AlertMarkRepository = (*PostgresAlertMarkRepo)(nil)
