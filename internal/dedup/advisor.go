package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/cache"
)

const (
	// DefaultRefreshWindow はページ再読み込みによる再送を抑制する期間。
	DefaultRefreshWindow = 30 * time.Second
	// DefaultDuplicateWindow は同じ端末からの再スキャンを抑制する期間。
	DefaultDuplicateWindow = 2 * time.Minute
)

// SuppressReason はAdvisorが送信を見送る理由。
type SuppressReason string

const (
	// NotSuppressed は送信してよいことを表す。
	NotSuppressed SuppressReason = ""
	// SuppressedRefresh はリフレッシュ期間内の再送。
	SuppressedRefresh SuppressReason = "refresh"
	// SuppressedDuplicate は重複期間内の再送。
	SuppressedDuplicate SuppressReason = "duplicate"
)

// Fingerprint はUser-Agent・画面サイズ・タイムゾーンオフセット（分）から端末識別子を作る。
func Fingerprint(userAgent string, screenWidth, screenHeight, tzOffsetMinutes int) string {
	raw := fmt.Sprintf("%s|%dx%d|%d", userAgent, screenWidth, screenHeight, tzOffsetMinutes)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// Advisor はスキャン信号を送る側（クライアント）が使う送信抑制の判定器。
// 状態は注入されたStoreに保持し、時刻は注入された関数から取得する。
// 判定は目安であり、重複の最終判断はサーバー側のGuardが行う。
type Advisor struct {
	store           cache.Store
	now             func() time.Time
	refreshWindow   time.Duration
	duplicateWindow time.Duration
}

// NewAdvisor はAdvisorを生成する。nowがnilの場合はtime.Nowを使用する。
func NewAdvisor(store cache.Store, now func() time.Time) *Advisor {
	if now == nil {
		now = time.Now
	}
	return &Advisor{
		store:           store,
		now:             now,
		refreshWindow:   DefaultRefreshWindow,
		duplicateWindow: DefaultDuplicateWindow,
	}
}

func advisorKey(qrCodeID, fingerprint string) string {
	return "scan:" + qrCodeID + ":" + fingerprint
}

// Check は直前の送信時刻と比較し、送信を見送るべきかを返す。
func (a *Advisor) Check(ctx context.Context, qrCodeID, fingerprint string) (SuppressReason, error) {
	raw, found, err := a.store.Get(ctx, advisorKey(qrCodeID, fingerprint))
	if err != nil {
		return NotSuppressed, err
	}
	if !found {
		return NotSuppressed, nil
	}

	lastMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return NotSuppressed, nil
	}
	elapsed := a.now().Sub(time.UnixMilli(lastMillis))

	switch {
	case elapsed < 0:
		return NotSuppressed, nil
	case elapsed < a.refreshWindow:
		return SuppressedRefresh, nil
	case elapsed < a.duplicateWindow:
		return SuppressedDuplicate, nil
	default:
		return NotSuppressed, nil
	}
}

// Prepare は送信してよい場合にサーバーへ送るSignalの再送検知情報を作り、送信時刻を記録する。
// 見送るべき場合はok=falseと理由を返す。
func (a *Advisor) Prepare(ctx context.Context, qrCodeID, fingerprint string) (sig Signal, reason SuppressReason, ok bool, err error) {
	reason, err = a.Check(ctx, qrCodeID, fingerprint)
	if err != nil {
		return Signal{}, NotSuppressed, false, err
	}
	if reason != NotSuppressed {
		return Signal{}, reason, false, nil
	}

	now := a.now()
	if err := a.store.Set(ctx, advisorKey(qrCodeID, fingerprint), strconv.FormatInt(now.UnixMilli(), 10), a.duplicateWindow); err != nil {
		return Signal{}, NotSuppressed, false, err
	}
	return Signal{
		QRCodeID:    qrCodeID,
		Fingerprint: fingerprint,
		Timestamp:   now.UnixMilli(),
	}, NotSuppressed, true, nil
}
