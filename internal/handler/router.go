package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
)

// healthTimeout は/healthでのDB疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	// MetricsHandler はnilの場合/metricsを公開しない。
	MetricsHandler http.Handler

	// ミドルウェア依存
	SessionFinder      middleware.SessionFinder
	CORSAllowedOrigins []string
	CSRFConfig         middleware.CSRFConfig
	ScanRateLimiter    *middleware.RateLimiter
	APIRateLimiter     *middleware.RateLimiter

	// ClientIPResolver はnilの場合ループバックとプライベート範囲をプロキシとして信頼する。
	ClientIPResolver *enrich.ClientIPResolver

	// スキャン取り込み
	TrackService TrackServiceInterface

	// 通知
	NotificationService NotificationServiceInterface

	// Webhook
	WebhookService WebhookServiceInterface

	// プラン利用状況
	UsageService UsageServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS
//	  /api/track/*: RateLimit(IP)
//	  その他の/api/*: Session → RateLimit(User) → CSRF
//
// スキャン取り込みはQRコードを読み取った任意のブラウザから呼ばれるため、セッションを要求しない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// プリフライトはルートに一致しないため、CORSはトップレベルで適用する
	r.Use(corsByPath(deps.CORSAllowedOrigins))

	trackHandler := NewTrackHandler(deps.TrackService, nil, deps.ClientIPResolver)
	notificationHandler := NewNotificationHandler(deps.NotificationService)
	webhookHandler := NewWebhookHandler(deps.WebhookService)
	usageHandler := NewUsageHandler(deps.UsageService)

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Route("/api/track", func(r chi.Router) {
		if deps.ScanRateLimiter != nil {
			r.Use(deps.ScanRateLimiter.Middleware())
		}
		r.Post("/{shortCode}", trackHandler.Track)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))
		if deps.APIRateLimiter != nil {
			r.Use(deps.APIRateLimiter.Middleware())
		}
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig, logger))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig, logger))
		r.Get("/api/usage", usageHandler.Get)

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Get("/unread-count", notificationHandler.UnreadCount)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Post("/{id}/read", notificationHandler.MarkRead)
		})

		r.Route("/api/webhooks", func(r chi.Router) {
			r.Get("/", webhookHandler.List)
			r.Post("/", webhookHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", webhookHandler.Update)
				r.Delete("/", webhookHandler.Delete)
				r.Get("/deliveries", webhookHandler.ListDeliveries)
			})
		})
	})

	return r
}

// corsByPath はスキャン受付パスには公開CORS、それ以外には許可オリジン限定のCORSを適用する。
func corsByPath(allowedOrigins []string) func(next http.Handler) http.Handler {
	public := middleware.NewPublicCORSMiddleware()
	restricted := middleware.NewCORSMiddleware(allowedOrigins)
	return func(next http.Handler) http.Handler {
		publicNext := public(next)
		restrictedNext := restricted(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/track/") {
				publicNext.ServeHTTP(w, r)
				return
			}
			restrictedNext.ServeHTTP(w, r)
		})
	}
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
