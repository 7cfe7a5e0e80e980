package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresQRCodeRepo はPostgreSQLを使用したQRコードリポジトリ。
type PostgresQRCodeRepo struct {
	db *sql.DB
}

// NewPostgresQRCodeRepo はPostgresQRCodeRepoを生成する。
func NewPostgresQRCodeRepo(db *sql.DB) *PostgresQRCodeRepo {
	return &PostgresQRCodeRepo{db: db}
}

const qrCodeColumns = `id, user_id, short_code, name, content, is_dynamic, deleted_at, created_at, updated_at`

// FindByShortCode は公開ロケータでQRコードを取得する。論理削除済みの行も返す。
func (r *PostgresQRCodeRepo) FindByShortCode(ctx context.Context, shortCode string) (*model.QRCode, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+qrCodeColumns+` FROM qr_codes WHERE short_code = $1`,
		shortCode,
	)
	qr, err := scanQRCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QRコードの取得に失敗しました: %w", err)
	}
	return qr, nil
}

// FindByID は指定IDのQRコードを取得する。見つからない場合はnilを返す。
func (r *PostgresQRCodeRepo) FindByID(ctx context.Context, id string) (*model.QRCode, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+qrCodeColumns+` FROM qr_codes WHERE id = $1`,
		id,
	)
	qr, err := scanQRCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QRコードの取得に失敗しました: %w", err)
	}
	return qr, nil
}

// CountActiveByUserID はユーザーが所有する論理削除されていないQRコード数を返す。
func (r *PostgresQRCodeRepo) CountActiveByUserID(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qr_codes WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("QRコード数の取得に失敗しました: %w", err)
	}
	return count, nil
}

func scanQRCode(row rowScanner) (*model.QRCode, error) {
	qr := &model.QRCode{}
	var deletedAt sql.NullTime
	err := row.Scan(
		&qr.ID, &qr.UserID, &qr.ShortCode, &qr.Name, &qr.Content,
		&qr.IsDynamic, &deletedAt, &qr.CreatedAt, &qr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		qr.DeletedAt = &deletedAt.Time
	}
	return qr, nil
}

// compile-time interface check
var _ QRCodeRepository = (*PostgresQRCodeRepo)(nil)
