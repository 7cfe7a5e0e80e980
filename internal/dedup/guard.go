package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/cache"
)

// RecentScanChecker は直近のスキャン有無を問い合わせるインターフェース。
// repository.ScanRepositoryが満たす。
type RecentScanChecker interface {
	ExistsRecent(ctx context.Context, qrCodeID, ipAddress, userAgent string, since time.Time) (bool, error)
}

// Signal は重複判定の対象となるスキャン信号。
// FingerprintとTimestampはクライアントが任意で送る再送検知用の情報。
type Signal struct {
	QRCodeID    string
	IPAddress   string
	UserAgent   string
	Fingerprint string
	Timestamp   int64
}

// HasReplayContext はクライアントが再送検知用の情報を送っているかを返す。
func (s Signal) HasReplayContext() bool {
	return s.Fingerprint != "" && s.Timestamp > 0
}

// Verdict は重複判定の結果。
type Verdict struct {
	// Duplicate がtrueの場合、信号は直近のスキャンの再送として成功扱いで破棄する。
	Duplicate bool
	// DedupKey は記録時にscans.dedup_keyへ書き込む値。判定対象外の信号では空。
	DedupKey string

	claimKey string
}

// Guard はサーバー側の重複判定を行う。
//
// 判定は次の順に行う。
//  1. Fingerprint/Timestampを持たない信号は常に新規として扱う。
//  2. claimsが設定されていれば、クライアントキーをSETNXで確保する。確保できなければ重複。
//  3. 同一QRコード・同一IP・同一User-Agentのスキャンがwindow内に記録済みなら重複。
//     この場合は2で確保したキーを解放する。
//
// 新規と判定した信号にはDedupKeyを付与し、記録時の一意制約で並行する同一信号を1件に絞る。
type Guard struct {
	scans  RecentScanChecker
	claims cache.Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// GuardOption はGuardの設定を変更する。
type GuardOption func(*Guard)

// WithClaimStore は並行する同一信号を先着1件に絞るためのストアを設定する。
func WithClaimStore(store cache.Store) GuardOption {
	return func(g *Guard) { g.claims = store }
}

// WithWindow は重複とみなす期間を設定する。
func WithWindow(window time.Duration) GuardOption {
	return func(g *Guard) {
		if window > 0 {
			g.window = window
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard はGuardを生成する。
func NewGuard(scans RecentScanChecker, logger *slog.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		scans:  scans,
		window: DefaultWindow,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check は信号が直近のスキャンの重複かを判定する。
func (g *Guard) Check(ctx context.Context, sig Signal) (Verdict, error) {
	if !sig.HasReplayContext() {
		return Verdict{}, nil
	}

	now := g.now()
	v := Verdict{
		DedupKey: Key(sig.QRCodeID, sig.IPAddress, sig.UserAgent, Bucket(now, g.window)),
	}

	if g.claims != nil {
		key := clientKey(sig.QRCodeID, sig.IPAddress, sig.UserAgent)
		ok, err := g.claims.SetNX(ctx, key, now.UTC().Format(time.RFC3339Nano), g.window)
		switch {
		case err != nil:
			// ストア障害時はDB照会のみで判定を続ける
			g.logger.Warn("重複判定ストアが利用できません",
				slog.String("qr_code_id", sig.QRCodeID),
				slog.String("error", err.Error()),
			)
		case !ok:
			v.Duplicate = true
			return v, nil
		default:
			v.claimKey = key
		}
	}

	exists, err := g.scans.ExistsRecent(ctx, sig.QRCodeID, sig.IPAddress, sig.UserAgent, now.Add(-g.window))
	if err != nil {
		g.Release(ctx, v)
		return Verdict{}, fmt.Errorf("重複スキャンの確認に失敗しました: %w", err)
	}
	if exists {
		// 記録済みスキャンによる重複では信号を記録しないので、確保したキーは保持しない。
		// 保持すると直近の記録がwindowを過ぎた後の信号まで重複扱いになる。
		g.Release(ctx, v)
		v.claimKey = ""
		v.Duplicate = true
	}
	return v, nil
}

// Release は後続の処理でスキャンが記録されなかった場合に、確保したクライアントキーを解放する。
// 解放しないと同じクライアントの正当な再試行がwindowの間重複扱いされる。
func (g *Guard) Release(ctx context.Context, v Verdict) {
	if g.claims == nil || v.claimKey == "" {
		return
	}
	if err := g.claims.Delete(ctx, v.claimKey); err != nil {
		g.logger.Warn("重複判定キーの解放に失敗しました", slog.String("error", err.Error()))
	}
}
