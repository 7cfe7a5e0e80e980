package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/analytics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/cache"
	"github.com/awilliams-2020/theqrcode-sub000/internal/config"
	"github.com/awilliams-2020/theqrcode-sub000/internal/database"
	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/handler"
	"github.com/awilliams-2020/theqrcode-sub000/internal/logger"
	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/webhook"
	"github.com/awilliams-2020/theqrcode-sub000/internal/worker/cleanup"
	"github.com/awilliams-2020/theqrcode-sub000/internal/worker/fanout"
)

// cacheSweepInterval はRedisを使わない場合にMemoryStoreの期限切れエントリを掃除する間隔。
const cacheSweepInterval = time.Minute

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, string(cmd))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ドメインサービスの初期化
	ipResolver, err := enrich.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	c, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()
	go sweepMemoryCache(ctx, c.store)

	// 3. 記録後処理のワーカープール
	pool := fanout.NewPool(fanout.Config{
		Workers:     cfg.FanoutWorkers,
		QueueSize:   cfg.FanoutQueueSize,
		TaskTimeout: cfg.FanoutTaskTimeout,
	}, slog.Default(), c.metrics)
	pool.Start()

	ingest := c.newIngestService(cfg, pool, slog.Default())

	// 4. ルーターの構築
	scanLimiter := middleware.NewRateLimiter("scan",
		middleware.ScanRateLimiterConfig(cfg.ScanRateLimitPerMin), middleware.ByResolvedClientIP(ipResolver), slog.Default())
	defer scanLimiter.Stop()
	apiLimiter := middleware.NewRateLimiter("api",
		middleware.APIRateLimiterConfig(), middleware.ByUserID, slog.Default())
	defer apiLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		HealthChecker:  db,
		MetricsHandler: metrics.SetupMetricsRoute(c.registry),

		SessionFinder:      c.repos.sessions,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		ScanRateLimiter:  scanLimiter,
		APIRateLimiter:   apiLimiter,
		ClientIPResolver: ipResolver,

		TrackService:        ingest,
		NotificationService: c.inbox,
		WebhookService:      c.webhookAdmin,
		UsageService:        c.quota,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		pool.Shutdown(context.Background())
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 応答済みスキャンの検知・Webhook配信を最後まで実行する
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Warn("fan-out pool did not drain before timeout", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// Webhook再試行、スキャン集計通知、保持期間を過ぎたデータの削除を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ドメインサービスの初期化
	c, err := buildComponents(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	retryWorker := webhook.NewRetryWorker(
		c.repos.deliveries, c.repos.webhooks, c.webhooks,
		slog.Default(), 0, cfg.WebhookRetryConcurrency,
	)
	summarySweep := analytics.NewSummarySweep(c.detector, slog.Default())
	cleanupJob := cleanup.NewCleanupJob(db, cleanup.Retention{
		ScanDays:            cfg.ScanRetentionDays,
		NotificationDays:    cfg.NotificationRetentionDays,
		WebhookDeliveryDays: cfg.WebhookDeliveryRetentionDays,
		AlertMarkDays:       cleanup.DefaultRetention().AlertMarkDays,
	}, slog.Default())

	slog.Info("worker starting",
		slog.Duration("webhook_retry_interval", cfg.WebhookRetryInterval),
		slog.Duration("summary_interval", cfg.SummaryInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	go summarySweep.Start(ctx, cfg.SummaryInterval)
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// Webhook再試行をメインgoroutineで実行（ブロッキング）
	retryWorker.Start(ctx, cfg.WebhookRetryInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// sweepMemoryCache はstoreがMemoryStoreの場合に期限切れエントリを定期的に削除する。
func sweepMemoryCache(ctx context.Context, store cache.Store) {
	mem, ok := store.(*cache.MemoryStore)
	if !ok {
		return
	}
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := mem.Sweep(); n > 0 {
				slog.Debug("swept expired cache entries", slog.Int("count", n))
			}
		}
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
