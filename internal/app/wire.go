package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/awilliams-2020/theqrcode-sub000/internal/analytics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/cache"
	"github.com/awilliams-2020/theqrcode-sub000/internal/config"
	"github.com/awilliams-2020/theqrcode-sub000/internal/dedup"
	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/notification"
	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
	"github.com/awilliams-2020/theqrcode-sub000/internal/repository"
	"github.com/awilliams-2020/theqrcode-sub000/internal/scan"
	"github.com/awilliams-2020/theqrcode-sub000/internal/security"
	"github.com/awilliams-2020/theqrcode-sub000/internal/webhook"
	"github.com/awilliams-2020/theqrcode-sub000/internal/worker/fanout"
)

// キャッシュキーの接頭辞。同じRedisを他サービスと共有しても衝突しないようにする。
const redisKeyPrefix = "theqrcode:"

// repositories はPostgreSQLリポジトリの集合。
type repositories struct {
	qrCodes       *repository.PostgresQRCodeRepo
	scans         *repository.PostgresScanRepo
	plans         *repository.PostgresPlanRepo
	notifications *repository.PostgresNotificationRepo
	alertMarks    *repository.PostgresAlertMarkRepo
	webhooks      *repository.PostgresWebhookRepo
	deliveries    *repository.PostgresDeliveryRepo
	sessions      *repository.PostgresSessionRepo
}

func newRepositories(db *sql.DB) *repositories {
	return &repositories{
		qrCodes:       repository.NewPostgresQRCodeRepo(db),
		scans:         repository.NewPostgresScanRepo(db),
		plans:         repository.NewPostgresPlanRepo(db),
		notifications: repository.NewPostgresNotificationRepo(db),
		alertMarks:    repository.NewPostgresAlertMarkRepo(db),
		webhooks:      repository.NewPostgresWebhookRepo(db),
		deliveries:    repository.NewPostgresDeliveryRepo(db),
		sessions:      repository.NewPostgresSessionRepo(db),
	}
}

// components はserve・workerの両モードで共有するドメインサービス。
type components struct {
	repos    *repositories
	registry *prometheus.Registry
	metrics  *metrics.Collector
	store    cache.Store
	redis    *redis.Client

	ssrfGuard     security.SSRFGuardService
	quota         *quota.Enforcer
	webhooks      *webhook.Dispatcher
	webhookAdmin  *webhook.Service
	notifications *notification.Dispatcher
	inbox         *notification.Service
	detector      *analytics.Detector
}

// buildComponents は依存関係をワイヤリングする。
// REDIS_URLが未設定の場合はプロセス内のMemoryStoreにフォールバックする。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*components, error) {
	c := &components{
		repos:    newRepositories(db),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.NewCollector(c.registry)

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.redis = client
		c.store = cache.NewRedisStore(client, redisKeyPrefix)
		logger.Info("redis connection established")
	} else {
		c.store = cache.NewMemoryStore(nil)
		logger.Warn("REDIS_URL is not set; using in-process cache")
	}

	c.ssrfGuard = security.NewSSRFGuard()
	c.quota = quota.NewEnforcer(c.repos.plans, c.repos.scans, c.repos.qrCodes)

	c.webhooks = webhook.NewDispatcher(
		c.repos.webhooks, c.repos.deliveries,
		c.ssrfGuard.NewSafeClient(cfg.WebhookTimeout),
		webhook.Config{
			MaxAttempts:         cfg.WebhookMaxAttempts,
			DeactivateThreshold: cfg.WebhookDeactivateThreshold,
			Timeout:             cfg.WebhookTimeout,
		},
		c.metrics, logger,
	)
	c.webhookAdmin = webhook.NewService(c.repos.webhooks, c.repos.deliveries, c.ssrfGuard, validator.New())

	c.notifications = notification.NewDispatcher(
		c.repos.notifications, c.quota, security.NewTextSanitizer(),
		c.webhooks, cfg.BaseURL, logger,
	)
	c.inbox = notification.NewService(c.repos.notifications)

	c.detector = analytics.NewDetector(
		c.repos.scans, c.repos.alertMarks, c.notifications,
		analyticsConfig(cfg), logger, c.metrics,
	)
	return c, nil
}

// analyticsConfig は設定値で検知の閾値を上書きする。
func analyticsConfig(cfg *config.Config) analytics.Config {
	ac := analytics.DefaultConfig()
	if len(cfg.MilestoneThresholds) > 0 {
		ac.MilestoneThresholds = cfg.MilestoneThresholds
	}
	ac.SpikeRatio = cfg.SpikeRatio
	ac.SpikeMinScans = cfg.SpikeMinScans
	ac.TrendMinScans = cfg.TrendMinScans
	ac.VelocityMultiplier = cfg.VelocityMultiplier
	ac.SummaryMinScans = cfg.SummaryMinScans
	if w := 2 * cfg.SummaryInterval; w > ac.MilestoneCatchUpWindow {
		ac.MilestoneCatchUpWindow = w
	}
	return ac
}

// newIngestService はスキャン取り込みサービスを構築し、記録後の処理を登録する。
func (c *components) newIngestService(cfg *config.Config, pool *fanout.Pool, logger *slog.Logger) *scan.IngestService {
	guard := dedup.NewGuard(c.repos.scans, logger,
		dedup.WithClaimStore(c.store),
		dedup.WithWindow(cfg.DedupWindow),
	)

	geo := enrich.NewCachedGeoLocator(
		enrich.NewHTTPGeoClient(&http.Client{Timeout: cfg.GeoTimeout}, cfg.GeoAPIURL, logger),
		c.store, cfg.GeoCacheTTL, logger,
	)
	resolver := enrich.NewResolver(geo, cfg.GeoTimeout, logger)

	ingest := scan.NewIngestService(
		c.repos.qrCodes, guard, c.quota, resolver,
		scan.NewRecorder(c.repos.scans), pool, c.metrics, logger,
	)
	ingest.OnRecorded("analytics", func(ctx context.Context, qr *model.QRCode, ev *model.ScanEvent) error {
		c.detector.Analyze(ctx, analytics.Trigger{QRCode: qr, Scan: ev})
		return nil
	})
	ingest.OnRecorded("webhook", func(ctx context.Context, qr *model.QRCode, ev *model.ScanEvent) error {
		return c.webhooks.Publish(ctx, qr.UserID, webhook.EventScanCreated, webhook.ScanCreatedData(qr, ev))
	})
	return ingest
}

// Close は外部接続を閉じる。
func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
}
