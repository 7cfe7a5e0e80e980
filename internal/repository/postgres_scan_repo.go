package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PostgresScanRepo はPostgreSQLを使用したスキャンイベントリポジトリ。
type PostgresScanRepo struct {
	db *sql.DB
}

// NewPostgresScanRepo はPostgresScanRepoを生成する。
func NewPostgresScanRepo(db *sql.DB) *PostgresScanRepo {
	return &PostgresScanRepo{db: db}
}

// Insert はスキャンイベントを1行追加する。
// UNIQUE(dedup_key)に対するINSERT ON CONFLICT DO NOTHINGで、
// 同一の重複判定キーを持つ行が既にあれば挿入せずfalseを返す。
// dedup_keyがNULLの行は制約の対象外となる。
func (r *PostgresScanRepo) Insert(ctx context.Context, scan *model.ScanEvent) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO scans (
			id, qr_code_id, scanned_at, ip_address, user_agent,
			device_type, os, browser, country, city,
			referrer, referrer_domain, dedup_key
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (dedup_key) DO NOTHING
		 RETURNING seq`,
		scan.ID, scan.QRCodeID, scan.ScannedAt, scan.IPAddress, scan.UserAgent,
		string(scan.DeviceType), scan.OS, scan.Browser, scan.Country, scan.City,
		scan.Referrer, scan.ReferrerDomain, scan.DedupKey,
	).Scan(&scan.Seq)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("スキャンの記録に失敗しました: %w", err)
	}
	return true, nil
}

// ExistsRecent は同一QRコード・同一IP・同一User-Agentのスキャンがsince以降にあるかを返す。
func (r *PostgresScanRepo) ExistsRecent(ctx context.Context, qrCodeID, ipAddress, userAgent string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM scans
			WHERE qr_code_id = $1 AND ip_address = $2 AND user_agent = $3 AND scanned_at >= $4
		 )`,
		qrCodeID, ipAddress, userAgent, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("重複スキャンの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountByUserSince はユーザーが所有する全QRコードのsince以降のスキャン数を返す。
func (r *PostgresScanRepo) CountByUserSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM scans s
		 JOIN qr_codes q ON q.id = s.qr_code_id
		 WHERE q.user_id = $1 AND s.scanned_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ユーザーのスキャン数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountThroughSeq はQRコードのスキャンのうちseqが指定値以下の件数を返す。
func (r *PostgresScanRepo) CountThroughSeq(ctx context.Context, qrCodeID string, seq int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE qr_code_id = $1 AND seq <= $2`,
		qrCodeID, seq,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("スキャン順位の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountByQRCodeBetween はQRコードの[from, to)のスキャン数を返す。
func (r *PostgresScanRepo) CountByQRCodeBetween(ctx context.Context, qrCodeID string, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans
		 WHERE qr_code_id = $1 AND scanned_at >= $2 AND scanned_at < $3`,
		qrCodeID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("期間内スキャン数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountByLocationBefore は指定seqより前に同じ国・都市から記録されたスキャン数を返す。
// 都市が不明なスキャンは空文字列の都市として比較する。
func (r *PostgresScanRepo) CountByLocationBefore(ctx context.Context, qrCodeID string, loc model.Location, beforeSeq int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans
		 WHERE qr_code_id = $1 AND country = $2 AND COALESCE(city, '') = $3 AND seq < $4`,
		qrCodeID, loc.Country, loc.City, beforeSeq,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("地域別スキャン数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeviceCountsBetween はQRコードの[from, to)の端末種別ごとのスキャン数を返す。
func (r *PostgresScanRepo) DeviceCountsBetween(ctx context.Context, qrCodeID string, from, to time.Time) ([]model.DeviceCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_type, COUNT(*)
		 FROM scans
		 WHERE qr_code_id = $1 AND scanned_at >= $2 AND scanned_at < $3
		 GROUP BY device_type`,
		qrCodeID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("端末種別の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var counts []model.DeviceCount
	for rows.Next() {
		var dc model.DeviceCount
		if err := rows.Scan(&dc.DeviceType, &dc.Count); err != nil {
			return nil, fmt.Errorf("端末種別集計行の読み取りに失敗しました: %w", err)
		}
		counts = append(counts, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("端末種別集計の走査に失敗しました: %w", err)
	}
	return counts, nil
}

// MinuteCountsByUser はユーザーの[from, to)のスキャン数を分単位で集計して返す。
func (r *PostgresScanRepo) MinuteCountsByUser(ctx context.Context, userID string, from, to time.Time) ([]model.BucketCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT date_trunc('minute', s.scanned_at) AS minute, COUNT(*)
		 FROM scans s
		 JOIN qr_codes q ON q.id = s.qr_code_id
		 WHERE q.user_id = $1 AND s.scanned_at >= $2 AND s.scanned_at < $3
		 GROUP BY minute
		 ORDER BY minute ASC`,
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("分単位のスキャン集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var buckets []model.BucketCount
	for rows.Next() {
		var b model.BucketCount
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, fmt.Errorf("分単位集計行の読み取りに失敗しました: %w", err)
		}
		b.Bucket = b.Bucket.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("分単位集計の走査に失敗しました: %w", err)
	}
	return buckets, nil
}

// CountByUserBetween はユーザーの[from, to)のスキャン数を返す。
func (r *PostgresScanRepo) CountByUserBetween(ctx context.Context, userID string, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM scans s
		 JOIN qr_codes q ON q.id = s.qr_code_id
		 WHERE q.user_id = $1 AND s.scanned_at >= $2 AND s.scanned_at < $3`,
		userID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("期間内のユーザースキャン数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MaxDailyCountBefore はQRコードのbeforeより前の日別スキャン数（UTC日付）の最大値を返す。
func (r *PostgresScanRepo) MaxDailyCountBefore(ctx context.Context, qrCodeID string, before time.Time) (int64, error) {
	var best int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(daily.cnt), 0)
		 FROM (
		     SELECT date_trunc('day', scanned_at AT TIME ZONE 'UTC') AS day, COUNT(*) AS cnt
		     FROM scans
		     WHERE qr_code_id = $1 AND scanned_at < $2
		     GROUP BY day
		 ) daily`,
		qrCodeID, before,
	).Scan(&best)
	if err != nil {
		return 0, fmt.Errorf("日別最高スキャン数の取得に失敗しました: %w", err)
	}
	return best, nil
}

// ListActiveUserIDsSince はsince以降にスキャンがあったQRコードのオーナーIDを返す。
func (r *PostgresScanRepo) ListActiveUserIDsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT q.user_id
		 FROM scans s
		 JOIN qr_codes q ON q.id = s.qr_code_id
		 WHERE s.scanned_at >= $1`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("アクティブユーザー行の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクティブユーザーの走査に失敗しました: %w", err)
	}
	return ids, nil
}

// ListActiveQRCodesSince はsince以降にスキャンがあったQRコードを返す。論理削除済みも含む。
func (r *PostgresScanRepo) ListActiveQRCodesSince(ctx context.Context, since time.Time) ([]*model.QRCode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+qrCodeColumns+`
		 FROM qr_codes
		 WHERE id IN (SELECT DISTINCT qr_code_id FROM scans WHERE scanned_at >= $1)`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブなQRコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var codes []*model.QRCode
	for rows.Next() {
		qr, err := scanQRCode(rows)
		if err != nil {
			return nil, fmt.Errorf("QRコード行の読み取りに失敗しました: %w", err)
		}
		codes = append(codes, qr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクティブなQRコードの走査に失敗しました: %w", err)
	}
	return codes, nil
}

// compile-time interface check
var _ ScanRepository = (*PostgresScanRepo)(nil)
