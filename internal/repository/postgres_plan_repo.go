package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresPlanRepo はPostgreSQLを使用したプラン契約リポジトリ。
// plan_subscriptionsは外部の課金システムが書き込むテーブルで、本サービスは参照のみ行う。
type PostgresPlanRepo struct {
	db *sql.DB
}

// NewPostgresPlanRepo はPostgresPlanRepoを生成する。
func NewPostgresPlanRepo(db *sql.DB) *PostgresPlanRepo {
	return &PostgresPlanRepo{db: db}
}

// FindByUserID はユーザーのプラン契約を取得する。見つからない場合はnilを返す。
func (r *PostgresPlanRepo) FindByUserID(ctx context.Context, userID string) (*model.PlanSubscription, error) {
	sub := &model.PlanSubscription{}
	var periodStart sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, plan, status, current_period_start
		 FROM plan_subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&sub.UserID, &sub.Plan, &sub.Status, &periodStart)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プラン契約の取得に失敗しました: %w", err)
	}
	if periodStart.Valid {
		sub.CurrentPeriodStart = &periodStart.Time
	}
	return sub, nil
}

// compile-time interface check
var _ PlanRepository = (*PostgresPlanRepo)(nil)
