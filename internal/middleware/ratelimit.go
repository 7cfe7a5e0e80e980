package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // 1キーあたりのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// ScanRateLimiterConfig はスキャン受付のIPごとの設定を返す。perMinuteが0以下の場合は60。
func ScanRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 60
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// APIRateLimiterConfig は管理API（通知・Webhook）のユーザーごとの設定を返す。120 req/min。
func APIRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(120.0 / 60.0),
		Burst:           120,
		CleanupInterval: 5 * time.Minute,
	}
}

// KeyFunc はリクエストからレート制限のキーを取り出す。空文字を返した場合は制限しない。
type KeyFunc func(r *http.Request) string

// ByClientIP はクライアントIPをキーにする。
func ByClientIP(r *http.Request) string {
	return enrich.ClientIP(r)
}

// ByResolvedClientIP はresolverが信頼するプロキシ設定でクライアントIPを求め、キーにする。
func ByResolvedClientIP(resolver *enrich.ClientIPResolver) KeyFunc {
	return resolver.ClientIP
}

// ByUserID はセッションのユーザーIDをキーにする。セッションミドルウェアの後に置くこと。
func ByUserID(r *http.Request) string {
	userID, _ := UserIDFromContext(r.Context())
	return userID
}

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はキーごとのトークンバケットでレート制限を行う。
type RateLimiter struct {
	name   string
	config RateLimiterConfig
	key    KeyFunc
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*keyedLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始するため、不要になったらStopを呼ぶこと。
func NewRateLimiter(name string, config RateLimiterConfig, key KeyFunc, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		name:     name,
		config:   config,
		key:      key,
		logger:   logger,
		limiters: make(map[string]*keyedLimiter),
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はレート制限ミドルウェアを返す。超過時は429とRetry-Afterを返す。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.Allow(key) {
				rl.logger.Warn("レート制限を超過しました",
					slog.String("limiter", rl.name),
					slog.String("key", key),
					slog.String("path", r.URL.Path),
				)
				writeRateLimitResponse(w, rl.config.Rate)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Allow はキーに対して1リクエストを消費できるかを返す。
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(rl.config.Rate, rl.config.Burst)}
		rl.limiters[key] = kl
	}
	kl.lastAccess = time.Now()
	rl.mu.Unlock()

	return kl.limiter.Allow()
}

// LimiterCount は現在管理されているエントリ数を返す。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, kl := range rl.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}

// writeRateLimitResponse は429レスポンスを書き込む。
// Retry-Afterには1トークンが補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	})
}
